// Command supportline is a terminal chat client for a Supportline daemon.
// It drives the full session flow: login (or registration), department
// selection for a first inquiry, history paging, and realtime messaging.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	chatv1 "supportline/contracts/chat/v1"
	"supportline/internal/chat"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "supportline:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		baseURL    = flag.String("base", "http://127.0.0.1:8080", "HTTP API base URL")
		wsURL      = flag.String("ws", "", "websocket URL (default derived from -base)")
		country    = flag.String("country", "+1", "phone country code")
		number     = flag.String("number", "", "phone number (required)")
		password   = flag.String("password", "", "account password (required)")
		register   = flag.Bool("register", false, "create the account before logging in")
		department = flag.String("department", "", "department id for a first inquiry")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *number == "" || *password == "" {
		flag.Usage()
		return fmt.Errorf("missing -number or -password")
	}

	ws := *wsURL
	if ws == "" {
		ws = strings.Replace(*baseURL, "http", "ws", 1) + "/ws"
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	hc := &http.Client{Timeout: 15 * time.Second}

	login, err := authenticate(ctx, hc, *baseURL, *country, *number, *password, *register)
	if err != nil {
		return err
	}

	updates := make(chan struct{}, 1)
	notify := func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	}

	session := chat.NewSession(log, chat.SessionConfig{
		BaseURL:    *baseURL,
		WSURL:      ws,
		HTTPClient: hc,
		Events: chat.SessionEvents{
			OnState: func(st chat.ChannelState) {
				fmt.Printf("-- connection: %s\n", st)
			},
			OnError: func(err error) {
				if chat.IsAuthFailed(err) {
					fmt.Println("-- session expired, please log in again")
					return
				}
				fmt.Printf("-- error: %v\n", err)
			},
			OnSendFailed: func(se chat.SendError) {
				fmt.Printf("-- send failed (%s), message not delivered: %q\n", se.Code, se.Body)
			},
			OnUpdate: notify,
		},
	})
	defer session.Close()

	if err := session.SetIdentity(ctx, chat.Identity{Token: login.Token, ClientID: login.ClientID}); err != nil {
		return err
	}

	if session.NeedsDepartment() {
		if err := openFirstConversation(ctx, session, *department); err != nil {
			return err
		}
	}

	render(session, login.ClientID)

	go func() {
		for range updates {
			render(session, login.ClientID)
		}
	}()

	fmt.Println(`type a message and press enter; "/more" pages history, "/quit" exits`)

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/more":
			if err := session.LoadMore(ctx); err != nil {
				fmt.Printf("-- load more: %v\n", err)
				continue
			}
			render(session, login.ClientID)
		default:
			if err := session.Send(line); err != nil {
				fmt.Printf("-- send: %v\n", err)
				continue
			}
			render(session, login.ClientID)
		}
	}
	return sc.Err()
}

func authenticate(ctx context.Context, hc *http.Client, baseURL, country, number, password string, register bool) (chatv1.LoginResponse, error) {
	path := "/api/login"
	if register {
		path = "/api/register"
	}

	body, err := json.Marshal(chatv1.LoginRequest{
		CountryCode: country,
		Number:      number,
		Password:    password,
	})
	if err != nil {
		return chatv1.LoginResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return chatv1.LoginResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return chatv1.LoginResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return chatv1.LoginResponse{}, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatv1.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return chatv1.LoginResponse{}, err
	}
	return out, nil
}

func openFirstConversation(ctx context.Context, session *chat.Session, departmentID string) error {
	deps, err := session.ActiveDepartments(ctx)
	if err != nil {
		return err
	}
	if len(deps) == 0 {
		return fmt.Errorf("no departments available")
	}

	if departmentID == "" {
		fmt.Println("departments:")
		for _, d := range deps {
			fmt.Printf("  %s  %s\n", d.ID, d.Name)
		}
		departmentID = deps[0].ID
		fmt.Printf("using %q (pass -department to choose)\n", departmentID)
	}

	return session.StartConversation(ctx, departmentID)
}

func render(session *chat.Session, clientID string) {
	entries := session.DisplaySequence()
	if len(entries) == 0 {
		return
	}

	fmt.Println(strings.Repeat("-", 40))
	for _, e := range entries {
		switch e.Kind {
		case chat.EntryDateSeparator:
			fmt.Printf("==== %s ====\n", e.Day.Format("Mon, 02 Jan 2006"))
		case chat.EntryMessage:
			m := e.Message
			who := m.SenderID
			if m.SenderID == clientID {
				who = "you"
			}
			suffix := ""
			if m.Delivery == chat.DeliveryPending {
				suffix = " (sending...)"
			}
			fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Body, suffix)
		}
	}
}
