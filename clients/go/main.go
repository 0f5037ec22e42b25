// questrelay CLI - command line client for a questrelay server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/eldtechnologies/questrelay/clients/go/questrelay"
	"github.com/eldtechnologies/questrelay/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := questrelay.NewClient(os.Getenv("QUESTRELAY_URL"))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := os.Args[1]
	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "init":
		exitOnError(client.GenerateKeys())
		exitOnError(client.SaveConfig())
		fmt.Printf("Wallet:  %s\nSession: %s\n", client.Address, client.SessionAddress())

	case "register":
		resp, err := client.RegisterSession(ctx, arg(2), arg(3))
		exitOnError(err)
		printJSON(resp)

	case "whois":
		need(3, "whois <address>")
		resp, err := client.GetUserInfo(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "status":
		need(3, "status <address>")
		resp, err := client.Status(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "online":
		addrs, err := client.Presence(ctx)
		exitOnError(err)
		for _, a := range addrs {
			fmt.Println(a)
		}

	case "quest":
		need(3, "quest <id> [hash]")
		resp, err := client.GetQuest(ctx, os.Args[2], arg(3))
		exitOnError(err)
		printJSON(resp)

	case "notify":
		need(5, "notify <address> <kind> <message>")
		resp, err := client.Notify(ctx, os.Args[2], os.Args[3], os.Args[4])
		exitOnError(err)
		fmt.Printf("Delivered: %s\n", resp.ID)

	case "listen":
		listen(ctx, client)

	case "deal":
		need(3, "deal <address>")
		resp, err := client.Deal(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// listen keeps the user room open, heartbeating and printing notifications.
func listen(ctx context.Context, client *questrelay.Client) {
	ws, err := client.ConnectUser(ctx)
	exitOnError(err)
	defer ws.Close()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				ws.Close()
				return
			case <-ticker.C:
				if err := ws.WriteJSON(models.Frame{Type: models.FrameHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	for {
		frame, err := questrelay.ReadFrame(ws)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			exitOnError(err)
		}
		switch {
		case frame.Notification != nil:
			printNotification(client, frame.Notification)
		case frame.Notifications != nil:
			for i := range frame.Notifications {
				printNotification(client, &frame.Notifications[i])
			}
		}
	}
}

func printNotification(client *questrelay.Client, n *models.Notification) {
	ts := time.UnixMilli(n.Timestamp).Format("2006-01-02 15:04:05")
	plaintext, err := client.OpenNotification(*n)
	if err != nil {
		plaintext = "<unreadable: " + err.Error() + ">"
	}
	fmt.Printf("[%s] %s (%s): %s\n", ts, n.VisitorAddress, n.Kind, plaintext)
}

func arg(i int) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return ""
}

func need(n int, form string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, "Usage: questrelay "+form)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`questrelay CLI

Usage: questrelay <command> [options]

Commands:
  init                           Generate wallet and session keys
  register [start] [end]         Register the session key for the wallet
  whois <address>                Show a wallet's registered session
  status <address>               Show a user's connection state
  online                         List online addresses
  quest <id> [hash]              Show quest details
  notify <address> <kind> <msg>  Send an encrypted notification
  listen                         Stay online and print notifications
  deal <address>                 Show a deal's ledger snapshot
  health                         Check server health

Environment:
  QUESTRELAY_URL      Server URL (default: http://localhost:8080)
  QUESTRELAY_CONFIG   Config directory (default: ~/.questrelay)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
