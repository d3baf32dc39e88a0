// Spins up the memo server: the HTTP API in front of the bbolt store, memoized through the shared TTL cache, and
// the Redis protocol admin port over that cache.

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nobletooth/memo/pkg/auth"
	"github.com/nobletooth/memo/pkg/cache"
	"github.com/nobletooth/memo/pkg/config"
	"github.com/nobletooth/memo/pkg/port"
	"github.com/nobletooth/memo/pkg/server"
	"github.com/nobletooth/memo/pkg/storage"
	"github.com/nobletooth/memo/pkg/utils"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")

	bootstrapAdminUsername = flag.String("bootstrap_admin_username", "admin",
		"The admin account created on startup when it doesn't exist yet.")
	bootstrapAdminPassword = flag.String("bootstrap_admin_password", "",
		"Password of the bootstrap admin account; empty skips the bootstrap.")
	sessionPurgeInterval = flag.Duration("session_purge_interval", time.Hour,
		"How often expired sessions are removed from the store; 0 disables the purge.")
)

// sessionPurger is the part of the store purgeSessions needs.
type sessionPurger interface {
	PurgeExpiredSessions() (int, error)
}

// purgeSessions removes expired sessions every `interval` until `ctx` is cancelled.
func purgeSessions(ctx context.Context, store sessionPurger, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := store.PurgeExpiredSessions()
			if err != nil {
				slog.Error("Failed to purge expired sessions.", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("Purged expired sessions.", "removed", removed)
			}
		}
	}
}

func run(ctx context.Context) error {
	store, err := storage.Open()
	if err != nil {
		return err
	}
	layer, stopCache := cache.NewShared(ctx, "shared")
	defer stopCache()

	authService := auth.NewService(store, layer)
	if *bootstrapAdminPassword != "" {
		if err := authService.Bootstrap(ctx, *bootstrapAdminUsername, *bootstrapAdminPassword); err != nil {
			return errors.Join(err, store.Close())
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.New(store, authService, layer).Run(groupCtx) })
	group.Go(func() error { return port.RunAdminServer(groupCtx, layer) })
	group.Go(func() error { return purgeSessions(groupCtx, store, *sessionPurgeInterval) })
	return errors.Join(group.Wait(), store.Close())
}

func main() {
	configErr := config.InitFlags()
	utils.InitLogging()
	if configErr != nil {
		slog.Error("Failed to load the config file.", "error", configErr)
		os.Exit(1)
	}

	if *printVersion {
		slog.Info("Memo build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("Memo server stopped.", "err", err)
		os.Exit(1)
	}
	slog.Info("Memo server stopped.")
}
