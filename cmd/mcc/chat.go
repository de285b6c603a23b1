package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/moltbook/mcc/internal/chat"
	"github.com/moltbook/mcc/internal/config"
	"github.com/moltbook/mcc/internal/gateway"
	"github.com/moltbook/mcc/internal/history"
	"github.com/moltbook/mcc/internal/identity"
	"github.com/moltbook/mcc/internal/logger"
	"github.com/moltbook/mcc/internal/wire"
)

const sendTimeout = 30 * time.Second

func chatCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			resume, _ := cmd.Flags().GetBool("resume")
			sessionKey, _ := cmd.Flags().GetString("session")
			return runChat(*configPath, sessionKey, resume)
		},
	}
	cmd.Flags().Bool("resume", false, "Preload recent transcript from local history")
	cmd.Flags().String("session", "", "Session key (default from config)")
	return cmd
}

// console serializes terminal output between the stdin loop and the
// gateway's event callbacks.
type console struct {
	mu          sync.Mutex
	out         *bufio.Writer
	interactive bool
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
	c.out.Flush()
}

func (c *console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interactive {
		fmt.Fprint(c.out, "> ")
	}
	c.out.Flush()
}

func runChat(configPath, sessionKey string, resume bool) error {
	cfg, cfgPath, err := resolveConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logger.Init(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if cfg.Gateway.Token != "" {
		if exp, ok := config.TokenExpiry(cfg.Gateway.Token); ok && time.Now().After(exp) {
			log.Warn("gateway token is expired", "expired_at", exp)
		}
	}

	stateDir, err := config.Dir()
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	id, err := identity.NewStore(stateDir).LoadOrCreate()
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	if sessionKey == "" {
		sessionKey = cfg.Chat.SessionKey
	}

	var store *history.Store
	if cfg.Chat.HistoryPath != "" {
		store, err = history.Open(cfg.Chat.HistoryPath)
		if err != nil {
			log.Warn("history store unavailable, transcripts will not persist", "error", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	con := &console{
		out:         bufio.NewWriter(os.Stdout),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}

	session := &chat.Session{
		Key: sessionKey,
		Log: log,
		// Local guard against accidental paste floods.
		Limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	if store != nil {
		session.Recorder = store
	}

	client := &gateway.Client{
		URL:      cfg.Gateway.URL,
		Token:    cfg.Gateway.Token,
		Identity: id,
		Version:  version,
		Platform: runtime.GOOS,
		Log:      log,
		OnHello: func(hello wire.HelloOK) {
			con.printf("* connected (protocol %d)\n", hello.Protocol)
			con.prompt()
		},
		OnStateChange: func(state gateway.State, err error) {
			if state == gateway.StateDisconnected && err != nil && err != context.Canceled {
				con.printf("* disconnected: %v\n", err)
				con.prompt()
			}
		},
		OnChatEvent: func(evt wire.ChatEvent) {
			session.HandleEvent(evt)
			printEvent(con, evt)
		},
	}
	session.Transport = client

	if resume && store != nil {
		entries, err := store.Recent(sessionKey, 50)
		if err != nil {
			log.Warn("resume failed", "error", err)
		}
		var msgs []chat.Message
		for _, e := range entries {
			con.printf("%s: %s\n", e.Role, e.Content)
			msgs = append(msgs, chat.Message{
				Role:      e.Role,
				Content:   e.Content,
				RunID:     e.RunID,
				Timestamp: e.CreatedAt,
			})
		}
		session.Preload(msgs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := client.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := config.Watch(ctx, cfgPath, log, func(fresh *config.Config) {
			client.SetToken(fresh.Gateway.Token)
		})
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer stop()
		return inputLoop(ctx, con, session, store, sessionKey)
	})

	return g.Wait()
}

// inputLoop reads user lines from stdin until EOF, /quit, or ctx
// cancellation. Stdin reads happen on a side goroutine because a blocked
// Scan cannot be interrupted.
func inputLoop(ctx context.Context, con *console, session *chat.Session, store *history.Store, sessionKey string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	con.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit" || line == "/q":
				return nil
			case line == "/clear":
				session.ClearLocalHistory()
				if store != nil {
					if err := store.Clear(sessionKey); err != nil {
						con.printf("* clear failed: %v\n", err)
					}
				}
				con.printf("* history cleared\n")
			case line == "/tasks":
				for _, t := range session.Tasks() {
					if t.Subtitle != "" {
						con.printf("  [%s] %s (%s)\n", t.Status, t.Title, t.Subtitle)
					} else {
						con.printf("  [%s] %s\n", t.Status, t.Title)
					}
				}
			case line == "/tools":
				for _, e := range session.ToolEvents() {
					con.printf("  %s %s run=%s\n", e.At.Format("15:04:05"), e.Name, e.RunID)
				}
			default:
				sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
				delivered := session.SendUserMessage(sendCtx, line)
				cancel()
				if !delivered {
					con.printf("* not delivered (offline or rejected)\n")
				}
			}
			con.prompt()
		}
	}
}

func printEvent(con *console, evt wire.ChatEvent) {
	switch evt.State {
	case wire.StateFinal:
		if text := evt.Message.Text(); text != "" {
			con.printf("assistant: %s\n", text)
		}
	case wire.StateAborted:
		con.printf("* run aborted\n")
	case wire.StateError:
		msg := evt.ErrorMessage
		if msg == "" {
			msg = "run failed"
		}
		con.printf("* error: %s\n", msg)
	}
	if evt.State != wire.StateDelta {
		con.prompt()
	}
}
