package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jordanhw/chatwire/internal/client"
	"github.com/jordanhw/chatwire/internal/protocol"
)

var (
	serverAddr  string
	username    string
	downloadDir string
	verbose     bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "chatwire-client",
		Short:        "Terminal client for a chatwire chat server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8888", "server address")
	cmd.Flags().StringVarP(&username, "username", "u", "", "username to join with")
	cmd.Flags().StringVarP(&downloadDir, "downloads", "d", "downloads", "directory for received files")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func run() error {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	c, err := client.New(client.Config{
		Addr:        serverAddr,
		DownloadDir: downloadDir,
		Log:         log,
	})
	if err != nil {
		return err
	}
	if err := c.Connect(username); err != nil {
		return err
	}
	defer c.Disconnect()

	fmt.Printf("Joined %s as %s. Type /help for commands.\n", serverAddr, username)

	go printEvents(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := c.SendPublic(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
			continue
		}
		if quit := runCommand(c, line); quit {
			return nil
		}
	}
	return scanner.Err()
}

func runCommand(c *client.Client, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/help":
		fmt.Print(`  /msg <user> <text>       send a private message
  /users                   list online users
  /send <path> [user]      send a file (to everyone when no user given)
  /accept <transfer-id>    accept a pending file offer
  /decline <transfer-id>   decline a pending file offer
  /quit                    leave the chat
`)
	case "/msg":
		if len(fields) < 3 {
			fmt.Println("usage: /msg <user> <text>")
			return
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, "/msg "+fields[1]))
		if err := c.SendPrivate(fields[1], text); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/users":
		if err := c.RequestUserList(); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/send":
		if len(fields) < 2 {
			fmt.Println("usage: /send <path> [user]")
			return
		}
		recipient := protocol.RecipientGlobal
		if len(fields) >= 3 {
			recipient = fields[2]
		}
		id, err := c.SendFile(fields[1], recipient)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return
		}
		fmt.Printf("* file offered, transfer %s\n", id)
	case "/accept":
		if len(fields) < 2 {
			fmt.Println("usage: /accept <transfer-id>")
			return
		}
		if err := c.RespondToTransfer(fields[1], true, ""); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/decline":
		if len(fields) < 2 {
			fmt.Println("usage: /decline <transfer-id>")
			return
		}
		if err := c.RespondToTransfer(fields[1], false, "declined by user"); err != nil {
			fmt.Printf("! %v\n", err)
		}
	default:
		fmt.Printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}

func printEvents(c *client.Client) {
	for ev := range c.Events() {
		switch ev.Kind {
		case client.EventMessage:
			if ev.Private {
				fmt.Printf("[%s -> you] %s\n", ev.Sender, ev.Content)
			} else {
				fmt.Printf("[%s] %s\n", ev.Sender, ev.Content)
			}
		case client.EventSystemInfo:
			fmt.Printf("* %s\n", ev.Content)
		case client.EventSystemError:
			fmt.Printf("! %s\n", ev.Content)
		case client.EventUserList:
			fmt.Printf("* online: %s\n", strings.Join(ev.Users, ", "))
		case client.EventTransferRequest:
			fmt.Printf("* %s offers %s (%d bytes). /accept %s or /decline %s\n",
				ev.Sender, ev.Filename, ev.FileSize, ev.TransferID, ev.TransferID)
		case client.EventTransferProgress:
			if ev.Chunk == ev.Total {
				fmt.Printf("* %s: %d/%d chunks\n", ev.Filename, ev.Chunk, ev.Total)
			}
		case client.EventTransferComplete:
			if ev.Success {
				if ev.Path != "" {
					fmt.Printf("* received %s -> %s\n", ev.Filename, ev.Path)
				} else {
					fmt.Printf("* sent %s\n", ev.Filename)
				}
			} else {
				fmt.Printf("! transfer %s failed: %s\n", ev.TransferID, ev.Err)
			}
		case client.EventDisconnected:
			fmt.Println("! connection lost")
			return
		}
	}
}
