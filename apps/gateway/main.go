package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/cipherline/pkg/auth"
	"github.com/mahaj/cipherline/pkg/chat"
	"github.com/mahaj/cipherline/pkg/config"
	"github.com/mahaj/cipherline/pkg/fanout"
	"github.com/mahaj/cipherline/pkg/notify"
	"github.com/mahaj/cipherline/pkg/presence"
	"github.com/mahaj/cipherline/pkg/snowflake"
	"github.com/mahaj/cipherline/pkg/store"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
	}

	bus := fanout.Open(cfg, rdb, log)
	defer bus.Close()
	registry := fanout.NewRegistry(bus, log)
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("fanout subscription failed: %w", err)
	}

	st, err := store.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("store opening failed: %w", err)
	}
	defer st.Close()

	node, err := snowflake.NewNode(int64(cfg.NodeID))
	if err != nil {
		return err
	}
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	notifications := notify.NewService(registry, presence.NewRedisStore(rdb), st, log)
	conversations := chat.NewService(registry, st, notifications, node, location, log)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTDuration)

	gw := newGateway(ctx, notifications, conversations, issuer, log)
	server := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Sockets must be drained before the deferred closes of the store, the
	// bus and Redis run, or their users stay marked online.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		log.Info("Shutting down gateway...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if err := gw.Shutdown(shutdownCtx); err != nil {
			log.Error("Sockets not drained before timeout", "error", err)
		}
	}()

	log.Info("Gateway Service Starting", "addr", cfg.GatewayAddr, "bus", cfg.BusKind, "store", cfg.StoreKind)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-drained
	return nil
}
