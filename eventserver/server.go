// Package eventserver exposes the core's notification stream and command
// intake to external processes as newline-delimited JSON over a local
// socket. Every connected client sees every notification; any client may
// submit commands.
package eventserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tocks"
)

// TCPAddress is the loopback fallback for platforms without unix domain
// sockets.
const TCPAddress = "127.0.0.1:9304"

// Lines are whole JSON documents; loaded histories can get large.
const maxLineSize = 1 << 20

// SocketPath is the well-known unix socket location.
func SocketPath() string {
	return filepath.Join(os.TempDir(), "tocks.sock")
}

// Listen binds the local control-plane socket: a unix domain socket where
// the platform supports it, loopback TCP otherwise. A stale socket file is
// removed best-effort; a second live instance loses the race at bind time.
func Listen() (net.Listener, error) {
	if runtime.GOOS == "windows" {
		listener, err := net.Listen("tcp", TCPAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to bind event server on %s: %w", TCPAddress, err)
		}
		return listener, nil
	}

	path := SocketPath()
	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to bind event server socket %s: %w", path, err)
	}
	return listener, nil
}

// Server fans notifications out to every connected client and funnels
// client commands into the core. It also forwards each notification to the
// in-process UI channel, so the UI and external clients observe the same
// stream.
type Server struct {
	listener net.Listener

	notifications <-chan tocks.Notification
	forward       chan<- tocks.Notification
	commands      chan<- tocks.Command

	conns chan net.Conn
	done  chan struct{}
}

// New wraps an already-bound listener. Run does the rest.
func New(listener net.Listener, notifications <-chan tocks.Notification, forward chan<- tocks.Notification, commands chan<- tocks.Command) *Server {
	return &Server{
		listener:      listener,
		notifications: notifications,
		forward:       forward,
		commands:      commands,
		conns:         make(chan net.Conn),
		done:          make(chan struct{}),
	}
}

// Run serves until the notification channel closes (core shutdown) or the
// listener fails. It closes the forward channel on exit so the UI drains
// cleanly.
func (s *Server) Run() error {
	defer s.cleanup()

	go s.acceptLoop()

	var clients []net.Conn
	for {
		select {
		case conn := <-s.conns:
			logrus.WithField("remote", conn.RemoteAddr()).Info("Event client connected")
			clients = append(clients, conn)
			go s.readLoop(conn)

		case notification, ok := <-s.notifications:
			if !ok {
				for _, conn := range clients {
					conn.Close()
				}
				return nil
			}
			clients = s.broadcast(clients, notification)
			if s.forward != nil {
				s.forward <- notification
			}
		}
	}
}

func (s *Server) cleanup() {
	close(s.done)
	s.listener.Close()
	if unixAddr, ok := s.listener.Addr().(*net.UnixAddr); ok {
		os.Remove(unixAddr.Name)
	}
	if s.forward != nil {
		close(s.forward)
	}
}

// Close unblocks Run's accept loop. Safe to call from another goroutine.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		select {
		case s.conns <- conn:
		case <-s.done:
			conn.Close()
			return
		}
	}
}

// readLoop parses one client's lines and forwards them into the core's
// command channel from this goroutine, so command intake never waits on
// the broadcast loop (and the broadcast loop never waits on the core). It
// exits when the client disconnects, sends an oversized line, or the
// server shuts down.
func (s *Server) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		var command tocks.Command
		if err := json.Unmarshal(scanner.Bytes(), &command); err != nil {
			logrus.WithError(err).Warn("Ignoring unparseable client command")
			continue
		}
		select {
		case s.commands <- command:
		case <-s.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logrus.WithError(err).Debug("Event client read ended")
	}
}

// broadcast writes one notification line to every client, dropping clients
// whose connection fails.
func (s *Server) broadcast(clients []net.Conn, notification tocks.Notification) []net.Conn {
	serialized, err := json.Marshal(notification)
	if err != nil {
		logrus.WithError(err).Error("Failed to serialize notification")
		return clients
	}
	serialized = append(serialized, '\n')

	kept := clients[:0]
	for _, conn := range clients {
		if _, err := conn.Write(serialized); err != nil {
			logrus.WithField("remote", conn.RemoteAddr()).Info("Dropping event client")
			conn.Close()
			continue
		}
		kept = append(kept, conn)
	}
	return kept
}
