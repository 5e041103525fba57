// Command squawkbus-client is an interactive REPL for exercising a running
// hub, in the spirit of original_source/client/src/main.rs's line-oriented
// publish/subscribe/notify commands.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/squawkbus/squawkbus/internal/clientapi"
	"github.com/squawkbus/squawkbus/internal/config"
	"github.com/squawkbus/squawkbus/internal/wire"
)

func main() {
	fs := pflag.NewFlagSet("squawkbus-client", pflag.ExitOnError)
	config.ClientFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadClient(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var credentials []byte
	if cfg.AuthMethod == "htpasswd" {
		credentials = []byte(cfg.Username + ":" + cfg.Password)
	}

	endpoint := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clientapi.Dial(endpoint, cfg.TLS, cfg.CAFile, cfg.AuthMethod, credentials)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("connected, client id %s\n", conn.ClientID)

	incoming := make(chan wire.Message)
	go func() {
		for {
			msg, err := conn.Receive()
			if err != nil {
				close(incoming)
				return
			}
			incoming <- msg
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("commands:")
	fmt.Println("  publish <topic> <entitlements-csv> <message>")
	fmt.Println("  subscribe <topic>")
	fmt.Println("  unsubscribe <topic>")
	fmt.Println("  notify <pattern>")

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := dispatchCommand(conn, line); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
		case msg, ok := <-incoming:
			if !ok {
				fmt.Fprintln(os.Stderr, "connection closed by server")
				return
			}
			printMessage(msg)
		}
	}
}

func dispatchCommand(conn *clientapi.Conn, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "publish":
		if len(parts) != 4 {
			return fmt.Errorf("usage: publish <topic> <entitlements-csv> <message>")
		}
		ents, err := parseEntitlements(parts[2])
		if err != nil {
			return err
		}
		packet := wire.DataPacket{Entitlements: ents, Data: []byte(parts[3])}
		return conn.Publish(parts[1], "text/plain", []wire.DataPacket{packet})

	case "subscribe":
		if len(parts) != 2 {
			return fmt.Errorf("usage: subscribe <topic>")
		}
		return conn.Subscribe(parts[1], true)

	case "unsubscribe":
		if len(parts) != 2 {
			return fmt.Errorf("usage: unsubscribe <topic>")
		}
		return conn.Subscribe(parts[1], false)

	case "notify":
		if len(parts) != 2 {
			return fmt.Errorf("usage: notify <pattern>")
		}
		return conn.Notify(parts[1], true)

	default:
		return fmt.Errorf("usage: publish/subscribe/unsubscribe/notify")
	}
}

func parseEntitlements(csv string) ([]int32, error) {
	fields := strings.Split(csv, ",")
	ents := make([]int32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid entitlement %q: %w", f, err)
		}
		ents = append(ents, int32(n))
	}
	return ents, nil
}

func printMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeForwardedMulticastData, wire.TypeForwardedUnicastData:
		for _, p := range msg.Packets {
			fmt.Printf("[%s] %s@%s: %s\n", msg.Topic, msg.User, msg.Host, string(p.Data))
		}
	case wire.TypeForwardedSubscriptionRequest:
		fmt.Printf("[%s] %s@%s subscription %s: add=%v\n", msg.Topic, msg.User, msg.Host, msg.ClientID, msg.IsAdd)
	default:
		fmt.Printf("received %v\n", msg.Type)
	}
}
