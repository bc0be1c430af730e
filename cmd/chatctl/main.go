package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"roomlink/internal/apiclient"
	"roomlink/internal/config"
	"roomlink/internal/credstore"
	clog "roomlink/internal/log"
	"roomlink/internal/notice"
	"roomlink/internal/protocol"
	"roomlink/internal/realtime"

	"github.com/joho/godotenv"
)

func main() {
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	verbose := flag.Bool("v", false, "verbose logging to stderr")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	level := "warn"
	if *verbose {
		level = "debug"
	}
	clog.InitTo(os.Stderr, cfg.Env, level)

	args := flag.Args()
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	creds, err := credstore.Open(cfg.CredentialsPath)
	if err != nil {
		fatalf("cannot read credentials %s: %v", cfg.CredentialsPath, err)
	}
	notifier := notice.NewConsole(os.Stderr, "chatctl signin <username> <password>")
	api, err := apiclient.New(apiclient.Config{
		BaseURL:         cfg.APIBaseURL,
		WithCredentials: true,
		Timeout:         time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		CoalesceRefresh: cfg.CoalesceRefresh,
	}, creds, notifier)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "register":
		need(args, 3, "chatctl register <username> <password> [display name]")
		display := ""
		if len(args) > 3 {
			display = strings.Join(args[3:], " ")
		}
		u, err := api.Register(ctx, args[1], args[2], display)
		check(err)
		output(*jsonFlag, u, func() { fmt.Printf("Registered %s (%s)\n", u.Username, u.UserCode) })
	case "signin":
		need(args, 3, "chatctl signin <username> <password>")
		u, err := api.SignIn(ctx, args[1], args[2])
		check(err)
		output(*jsonFlag, u, func() { fmt.Printf("Signed in as %s\n", u.DisplayName) })
	case "oauth":
		need(args, 2, "chatctl oauth <callback-url>")
		u, err := api.AcceptOAuthCallback(ctx, args[1])
		check(err)
		output(*jsonFlag, u, func() { fmt.Printf("Signed in as %s\n", u.DisplayName) })
	case "logout":
		check(api.Logout(ctx))
		fmt.Println("Signed out")
	case "whoami":
		u, err := api.Me(ctx)
		check(err)
		output(*jsonFlag, u, func() {
			fmt.Printf("User:    %s\n", u.Username)
			fmt.Printf("Name:    %s\n", u.DisplayName)
			fmt.Printf("Code:    %s\n", u.UserCode)
		})
	case "rooms":
		rooms, err := api.ListRooms(ctx)
		check(err)
		output(*jsonFlag, rooms, func() {
			for _, r := range rooms {
				fmt.Printf("%6d  %-32s %d online\n", r.ID, r.Name, r.Online)
			}
		})
	case "mkroom":
		need(args, 2, "chatctl mkroom <name>")
		r, err := api.CreateRoom(ctx, strings.Join(args[1:], " "))
		check(err)
		output(*jsonFlag, r, func() { fmt.Printf("Created room %d %s\n", r.ID, r.Name) })
	case "history":
		need(args, 2, "chatctl history <room-id> [limit] [before-id]")
		limit := 50
		var before uint
		if len(args) > 2 {
			limit, _ = strconv.Atoi(args[2])
		}
		if len(args) > 3 {
			before = parseID("message", args[3])
		}
		msgs, err := api.RoomMessages(ctx, parseID("room", args[1]), limit, before)
		check(err)
		output(*jsonFlag, msgs, func() {
			for _, m := range msgs {
				printMessage(m)
			}
		})
	case "chat":
		need(args, 2, "chatctl chat <room-id>")
		cmdChat(ctx, cfg, creds, notifier, parseID("room", args[1]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: chatctl [--json] [-v] <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  register <user> <pass> [name]  Create an account")
	fmt.Fprintln(w, "  signin <user> <pass>           Sign in")
	fmt.Fprintln(w, "  oauth <callback-url>           Finish an OAuth sign-in")
	fmt.Fprintln(w, "  logout                         Sign out")
	fmt.Fprintln(w, "  whoami                         Show the signed-in user")
	fmt.Fprintln(w, "  rooms                          List rooms")
	fmt.Fprintln(w, "  mkroom <name>                  Create a room")
	fmt.Fprintln(w, "  history <room-id> [limit] [before-id]")
	fmt.Fprintln(w, "                                 Show recent messages")
	fmt.Fprintln(w, "  chat <room-id>                 Join a room interactively")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Only the access token is saved between runs. The refresh cookie lives")
	fmt.Fprintln(w, "for one invocation, so once the saved token expires run signin again.")
}

func cmdChat(ctx context.Context, cfg config.Config, creds *credstore.Store, n notice.Notifier, room uint) {
	s := realtime.NewSession(realtime.Config{
		URL:          cfg.RealtimeURL,
		RoomID:       room,
		HistoryLimit: cfg.HistoryLimit,
	}, creds, realtime.WSDialer{}, realtime.Observer{
		OnOnline: func(online bool) {
			if online {
				fmt.Println("* connected")
			} else {
				fmt.Println("* disconnected")
			}
		},
		OnHistory: func(history []protocol.ChatMessage) {
			for _, m := range history {
				printMessage(m)
			}
		},
		OnMessage: printMessage,
		OnParticipantJoined: func(p protocol.Presence) {
			fmt.Printf("* %s joined (%d online)\n", p.DisplayName, p.ActiveUsers)
		},
		OnParticipantLeft: func(p protocol.Presence) {
			fmt.Printf("* %s left (%d online)\n", p.DisplayName, p.ActiveUsers)
		},
		OnError: func(err *realtime.SessionError) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		},
	}, realtime.WithNotifier(n))
	defer s.Close()

	if err := s.Open(ctx); err != nil {
		fatalf("%v", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			if s.Err() != nil {
				os.Exit(1)
			}
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				return
			case "/who":
				fmt.Printf("* %d online\n", s.ActiveUsers())
				continue
			case "/reload":
				if err := s.Rehydrate(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
				continue
			}
			if err := s.SendMessage(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v (state %s)\n", err, s.State())
			}
		}
	}
}

func printMessage(m protocol.ChatMessage) {
	fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04:05"), m.DisplayName, m.Body)
}

func parseID(kind, s string) uint {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		fatalf("invalid %s id %q", kind, s)
	}
	return uint(id)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func output(jsonOut bool, v any, text func()) {
	if !jsonOut {
		text()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode: %v", err)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}
