// Command client is a line-oriented terminal client for a chatserve server,
// mainly useful for poking at a running instance.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chatapperro/chatserve/pkg/client"
	"github.com/chatapperro/chatserve/pkg/protocol"
)

func main() {
	addr := flag.String("server", "localhost:4567", "Server address (host:port)")
	debug := flag.Bool("debug", false, "Log connection traffic")
	flag.Parse()

	conn := client.NewConnection(*addr)
	if *debug {
		conn.SetLogger(log.New(os.Stderr, "conn: ", log.Ltime|log.Lmicroseconds))
	}

	conn.SetReceiveCallback(func(message string, frameType uint8) {
		switch frameType {
		case protocol.TypeForwardMsg:
			sender, body, ok := protocol.SplitPair(message)
			if ok {
				fmt.Printf("\r<%s> %s\n> ", sender, body)
				return
			}
			fmt.Printf("\r<?> %s\n> ", message)
		case protocol.TypeReturnMsg:
			if message == protocol.RetHeartbeat {
				return // answered automatically by the driver
			}
			fmt.Printf("\r[server] %s\n> ", message)
		case protocol.TypeError:
			fmt.Printf("\r[connection lost]\n")
			os.Exit(1)
		}
	})

	if err := conn.Connect(); err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()
	conn.StartListening()

	fmt.Println("Connected. Commands:")
	fmt.Println("  /register <user> <pass>   /login <user> <pass>")
	fmt.Println("  /msg <user> <text>        /users   /online")
	fmt.Println("  /passwd <old> <new>       /delete  /quit")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		if err := run(conn, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
		if line == "/quit" {
			return
		}
		fmt.Print("> ")
	}
}

func run(conn *client.Connection, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/register":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /register <user> <pass>")
		}
		return conn.Register(fields[1], fields[2])
	case "/login":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /login <user> <pass>")
		}
		return conn.Login(fields[1], fields[2])
	case "/msg":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /msg <user> <text>")
		}
		return conn.SendMessage(fields[1], strings.Join(fields[2:], " "))
	case "/users":
		return conn.RequestAllUsers()
	case "/online":
		return conn.RequestOnlineUsers()
	case "/passwd":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /passwd <old> <new>")
		}
		return conn.ChangePassword(fields[1], fields[2])
	case "/delete":
		return conn.DeleteSelf()
	case "/quit":
		return conn.Logout()
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
