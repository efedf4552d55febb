package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/config"
	"github.com/razat249/king-of-tokyo-player-mats/internal/console"
	"github.com/razat249/king-of-tokyo-player-mats/internal/dispatch"
	"github.com/razat249/king-of-tokyo-player-mats/internal/feed"
	"github.com/razat249/king-of-tokyo-player-mats/internal/identity"
	"github.com/razat249/king-of-tokyo-player-mats/internal/logging"
	"github.com/razat249/king-of-tokyo-player-mats/internal/replica"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore/remote"
)

// commandTimeout bounds one typed command, store round trips included.
const commandTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load(".env")

	cfg := config.Load()
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "mat: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.AppConfig, logger *zap.Logger) error {
	store, err := remote.New(remote.Options{
		BaseURL:    cfg.Client.ServerURL,
		FeedBuffer: cfg.Feed.Buffer,
		Logger:     logger.Named("remote"),
	})
	if err != nil {
		return err
	}

	idPath := cfg.Client.IdentityPath
	if idPath == "" {
		if idPath, err = identity.DefaultPath(); err != nil {
			return fmt.Errorf("identity path: %w", err)
		}
	}
	id := identity.NewFileProvider(idPath)
	if _, err := id.PlayerID(); err != nil {
		return err
	}

	var journal *feed.Journal
	if cfg.Client.JournalPath != "" {
		if journal, err = feed.OpenJournal(cfg.Client.JournalPath); err != nil {
			return err
		}
		defer journal.Stop()
	}

	var handler *console.Handler
	mat := dispatch.New(store, id, dispatch.Options{
		Logger: logger.Named("dispatch"),
		Feed: feed.Options{
			ReconnectDelay: cfg.Feed.ReconnectDelay,
			Journal:        journal,
		},
		OnChange: func(s *replica.Snapshot) { handler.OnChange(s) },
	})
	defer mat.Close()
	handler = console.NewHandler(mat, os.Stdout, logger.Named("console"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Printf("King of Tokyo mats on %s. Type help.\n", cfg.Client.ServerURL)
	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return leave(mat)
		case line, ok := <-lines:
			if !ok {
				return leave(mat)
			}
			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			quit := handler.Execute(cmdCtx, line)
			cancel()
			if quit {
				return leave(mat)
			}
		}
	}
}

// leave marks the player inactive on the way out so the others see them go.
func leave(mat *dispatch.Dispatcher) error {
	if mat.RoomCode() == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return mat.LeaveRoom(ctx)
}
