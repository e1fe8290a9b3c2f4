// Command tocks-cli talks to a running tocks instance over its event
// socket. It is mostly a debugging aid; anything it does is one JSON line
// on the wire.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opd-ai/tocks"
	"github.com/opd-ai/tocks/eventserver"
	"github.com/opd-ai/tocks/storage"
)

func main() {
	root := &cobra.Command{
		Use:   "tocks-cli",
		Short: "Control a running tocks instance",
	}

	root.AddCommand(watchCmd(), rawCmd(), loginCmd(), sendCmd(), closeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect() (*eventserver.Client, error) {
	client, err := eventserver.Connect()
	if err != nil {
		return nil, fmt.Errorf("is tocks running? %w", err)
	}
	return client, nil
}

// watch: print every notification as it arrives.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			encoder := json.NewEncoder(os.Stdout)
			for {
				notification, err := client.Next()
				if err != nil {
					return err
				}
				if err := encoder.Encode(notification); err != nil {
					return err
				}
			}
		},
	}
}

// raw <json>: submit a command verbatim.
func rawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "raw <command-json>",
		Short: "Send a raw command object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var command tocks.Command
			if err := json.Unmarshal([]byte(args[0]), &command); err != nil {
				return fmt.Errorf("invalid command: %w", err)
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Send(command)
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <account-name>",
		Short: "Log an account in from its save file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Send(tocks.Command{
				Type:        tocks.CommandLogin,
				AccountName: args[0],
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <account> <chat> <message>",
		Short: "Send a chat message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			chat, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat handle: %w", err)
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Send(tocks.Command{
				Type:    tocks.CommandSendMessage,
				Account: tocks.AccountID(account),
				Chat:    storage.ChatHandle(chat),
				Message: args[2],
			})
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Shut the running instance down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Send(tocks.Command{Type: tocks.CommandClose})
		},
	}
}
