package eventserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"runtime"

	"github.com/opd-ai/tocks"
)

// Client is a line-oriented connection to a running event server.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Connect dials the local event server at its well-known address.
func Connect() (*Client, error) {
	conn, err := dial()
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return &Client{conn: conn, scanner: scanner}, nil
}

func dial() (net.Conn, error) {
	if runtime.GOOS != "windows" {
		if conn, err := net.Dial("unix", SocketPath()); err == nil {
			return conn, nil
		}
	}
	conn, err := net.Dial("tcp", TCPAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to reach event server: %w", err)
	}
	return conn, nil
}

// Next blocks until the server pushes the next notification.
func (c *Client) Next() (tocks.Notification, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return tocks.Notification{}, fmt.Errorf("event stream read failed: %w", err)
		}
		return tocks.Notification{}, fmt.Errorf("event stream closed")
	}

	var notification tocks.Notification
	if err := json.Unmarshal(c.scanner.Bytes(), &notification); err != nil {
		return tocks.Notification{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	return notification, nil
}

// Send submits one command to the application.
func (c *Client) Send(command tocks.Command) error {
	serialized, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	serialized = append(serialized, '\n')

	if _, err := c.conn.Write(serialized); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
