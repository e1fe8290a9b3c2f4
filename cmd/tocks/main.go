// Command tocks runs the headless chat core with its local event server.
// UIs and scripts connect over the socket; see cmd/tocks-cli for a simple
// client.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/tocks"
	"github.com/opd-ai/tocks/audio"
	"github.com/opd-ai/tocks/eventserver"
)

var (
	saveDir     string
	dataDir     string
	audioDevice string
	verbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "tocks",
		Short: "Headless Tox chat core with a local event socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	root.Flags().StringVar(&saveDir, "save-dir", "", "account save directory (default: <user config dir>/tox)")
	root.Flags().StringVar(&dataDir, "data-dir", "", "chat database directory (default: <user data dir>/tocks)")
	root.Flags().StringVar(&audioDevice, "audio-device", "", "audio output device name (default: no audio)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	dirs, err := tocks.DefaultDirs()
	if err != nil {
		return fmt.Errorf("failed to resolve data directories: %w", err)
	}
	if saveDir != "" {
		dirs.SaveDir = saveDir
	}
	if dataDir != "" {
		dirs.DataDir = dataDir
	}

	var device audio.OutputDevice
	if audioDevice != "" {
		device, err = audio.DeviceByName(audioDevice)
		if err != nil {
			names := make([]string, 0)
			for _, available := range audio.OutputDevices() {
				names = append(names, available.Name())
			}
			return fmt.Errorf("%w (available: %s)", err, strings.Join(names, ", "))
		}
	}

	listener, err := eventserver.Listen()
	if err != nil {
		return err
	}

	commands := make(chan tocks.Command)
	notifications := make(chan tocks.Notification)
	ui := make(chan tocks.Notification)

	core := tocks.New(dirs, device, commands, notifications)
	server := eventserver.New(listener, notifications, ui, commands)

	go core.Run()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Run()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logrus.WithField("signal", sig).Info("Shutting down")
		commands <- tocks.Command{Type: tocks.CommandClose}
	}()

	// The process has no UI of its own; drain the forwarded stream so the
	// server never stalls.
	for notification := range ui {
		logrus.WithField("type", notification.Type).Debug("Notification")
	}

	return <-serverDone
}
