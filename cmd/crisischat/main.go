package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mindwell-health/crisis-chat/internal/config"
	"github.com/mindwell-health/crisis-chat/internal/crisischat"
	"github.com/mindwell-health/crisis-chat/internal/memory"
	"github.com/mindwell-health/crisis-chat/internal/observability/metrics"
	"github.com/mindwell-health/crisis-chat/internal/transcript"
	"github.com/mindwell-health/crisis-chat/pkg/logging"
)

func main() {
	// Load .env if present; real environments set variables directly
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting crisis chat client",
		"env", cfg.Env,
		"gateway", cfg.GatewayURL,
		"user_id", cfg.UserID,
	)

	reg := prometheus.NewRegistry()
	chatMetrics := metrics.NewChatMetrics(reg)

	var mem *memory.Client
	if cfg.MemoryBaseURL != "" {
		mem = memory.NewClient(cfg.MemoryBaseURL, memory.WithLogger(logger))
	}

	var store *transcript.RedisStore
	if cfg.RedisAddr != "" {
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store = transcript.NewRedisStore(redis.NewClient(opts))
	}

	sessionCfg := crisischat.Config{
		GatewayURL:           cfg.GatewayURL,
		UserID:               cfg.UserID,
		Username:             cfg.Username,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		TypingDebounce:       cfg.TypingDebounce,
		Logger:               logger,
		Metrics:              chatMetrics,
	}
	if mem != nil {
		sessionCfg.Memory = mem
	}
	session, err := crisischat.New(sessionCfg)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	// Optional metrics/health endpoint
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if err := session.Open(context.Background()); err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}

	fmt.Println("MindWell crisis chat. Type a message and press Enter. /quit to exit.")
	go readInput(session, store, cfg.UserID, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	run(session, store, cfg.UserID, logger, quit)

	logger.Info("shutting down...")
	_ = session.Close()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}
	fmt.Println("Goodbye. If you are in crisis, call or text 988 any time.")
}

// run renders session events until the session ends or a signal arrives.
func run(session *crisischat.Session, store *transcript.RedisStore, sessionID string, logger *logging.Logger, quit <-chan os.Signal) {
	for {
		select {
		case ev := <-session.Events():
			render(ev, store, sessionID, logger)
			if _, failed := ev.(crisischat.FailedEvent); failed {
				return
			}
		case <-session.Done():
			return
		case <-quit:
			return
		}
	}
}

func render(ev crisischat.Event, store *transcript.RedisStore, sessionID string, logger *logging.Logger) {
	switch e := ev.(type) {
	case crisischat.StatusEvent:
		fmt.Printf("-- %s\n", e.Detail)
	case crisischat.MessageEvent:
		sender := e.Sender
		if sender == "" {
			sender = "Peer"
		}
		fmt.Printf("[%s] %s: %s\n", e.CreatedAt.Local().Format("15:04"), sender, e.Content)
		role := "user"
		if e.FromBot {
			role = "assistant"
		}
		record(store, sessionID, transcript.Message{Role: role, Body: e.Content, Timestamp: e.CreatedAt}, logger)
	case crisischat.TypingEvent:
		if e.Active {
			name := e.Username
			if name == "" {
				name = "Someone"
			}
			fmt.Printf("-- %s is typing...\n", name)
		}
	case crisischat.AlertEvent:
		fmt.Printf("\n!! CRISIS ALERT: %s\n", e.Reason)
		printResources(e.Resources)
		record(store, sessionID, transcript.Message{Role: "system", Body: e.Reason, Kind: "crisis_alert"}, logger)
	case crisischat.ResourcesEvent:
		fmt.Println("\nSupport is available right now:")
		printResources(e.Resources)
	case crisischat.ProtocolErrorEvent:
		fmt.Printf("-- chat error: %s\n", e.Message)
	case crisischat.FailedEvent:
		fmt.Println("\nWe couldn't reconnect you to the chat service.")
		fmt.Println("You are not alone. Please reach out directly:")
		printResources(e.Resources)
	}
}

func printResources(resources []crisischat.Resource) {
	for _, r := range resources {
		fmt.Printf("   %s: %s\n", r.Name, r.Contact)
	}
}

// readInput forwards stdin lines to the session. Send failures are always
// shown; a user in crisis must never type into a void.
func readInput(session *crisischat.Session, store *transcript.RedisStore, sessionID string, logger *logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			_ = session.Close()
			return
		}
		if err := session.Send(line); err != nil {
			fmt.Printf("-- message not sent: %v\n", err)
			continue
		}
		record(store, sessionID, transcript.Message{Role: "user", Body: line}, logger)
	}
	_ = session.Close()
}

func record(store *transcript.RedisStore, sessionID string, msg transcript.Message, logger *logging.Logger) {
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := store.Append(ctx, sessionID, msg); err != nil {
		logger.Warn("transcript append failed", "error", err)
	}
}
