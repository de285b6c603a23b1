package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbook/mcc/internal/config"
	"github.com/moltbook/mcc/internal/gateway"
	"github.com/moltbook/mcc/internal/identity"
	"github.com/moltbook/mcc/internal/logger"
	"github.com/moltbook/mcc/internal/wire"
)

func sessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return listSessions(*configPath, limit)
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum sessions to list")
	return cmd
}

func listSessions(configPath string, limit int) error {
	cfg, _, err := resolveConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logger.Init(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	stateDir, err := config.Dir()
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	id, err := identity.NewStore(stateDir).LoadOrCreate()
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	ready := make(chan struct{}, 1)
	client := &gateway.Client{
		URL:      cfg.Gateway.URL,
		Token:    cfg.Gateway.Token,
		Identity: id,
		Version:  version,
		Platform: runtime.GOOS,
		Log:      log,
		OnStateChange: func(state gateway.State, err error) {
			if state == gateway.StateConnected {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		return fmt.Errorf("gateway unreachable: %w", ctx.Err())
	}

	raw, err := client.Call(ctx, wire.MethodSessionsList, wire.SessionsListParams{
		Limit:                limit,
		IncludeDerivedTitles: true,
	})
	if err != nil {
		return fmt.Errorf("sessions.list: %w", err)
	}

	var res wire.SessionsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}

	if len(res.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range res.Sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-24s %-40s %5d msgs\n", s.Key, title, s.MessageCount)
	}
	return nil
}
