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
	"github.com/mahaj/cipherline/pkg/config"
	"github.com/mahaj/cipherline/pkg/fanout"
	"github.com/mahaj/cipherline/pkg/notify"
	"github.com/mahaj/cipherline/pkg/presence"
	"github.com/mahaj/cipherline/pkg/snowflake"
	"github.com/mahaj/cipherline/pkg/store"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

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

	st, err := store.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("store opening failed: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	presenceStore := presence.NewRedisStore(rdb)

	// The API persists welcome messages, so it pushes unread counts through
	// the same bus the gateways listen on.
	bus := fanout.Open(cfg, rdb, log)
	defer bus.Close()
	registry := fanout.NewRegistry(bus, log)
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("fanout subscription failed: %w", err)
	}
	notifications := notify.NewService(registry, presenceStore, st, log)

	node, err := snowflake.NewNode(int64(cfg.NodeID))
	if err != nil {
		return err
	}
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	srv := &Server{
		store:    st,
		presence: presenceStore,
		notifier: notifications,
		issuer:   auth.NewIssuer(cfg.JWTSecret, cfg.JWTDuration),
		ids:      node,
		location: location,
		log:      log,
	}
	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("API Service Starting", "addr", cfg.APIAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
