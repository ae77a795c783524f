package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wagate/wagate/internal/bus"
	"github.com/wagate/wagate/internal/config"
	"github.com/wagate/wagate/internal/contacts"
	"github.com/wagate/wagate/internal/control"
	"github.com/wagate/wagate/internal/httpapi"
	"github.com/wagate/wagate/internal/mirror"
	"github.com/wagate/wagate/internal/session"
)

const (
	autosaveInterval = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (WhatsApp session + HTTP API)",
	Run:   runGateway,
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("🌐 WaGate Gateway")
	fmt.Println("Starting WaGate Gateway...")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directory := contacts.NewDirectory()

	// The bus snapshots session state on subscribe; the manager publishes
	// onto the bus. Wire the cycle through a closure.
	var manager *session.Manager
	eventBus := bus.New(func() bus.State { return manager.Snapshot() })
	manager = session.NewManager(cfg.Store.Dir, cfg.Store.ContactsFile, eventBus, directory, log)

	surface := control.NewSurface(manager, directory, log)

	if cfg.Kafka.Enabled() {
		km := mirror.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer km.Close()
		surface.SetRecorder(km)
		go km.Run(ctx, eventBus)
		fmt.Printf("📦 Kafka mirror enabled (%s → %s)\n", cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}

	if err := manager.Start(ctx); err != nil {
		fmt.Printf("WhatsApp session error: %v\n", err)
		os.Exit(1)
	}
	defer manager.Stop()

	go eventBus.Heartbeat(ctx)
	go manager.Autosave(ctx, autosaveInterval)

	api := httpapi.NewServer(manager, surface, eventBus, cfg.Store.ContactsFile, log)
	srv := &http.Server{Addr: cfg.Server.Listen, Handler: api.Handler()}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("📡 API Server listening on http://%s\n", displayAddr(cfg.Server.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Printf("API Server Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func displayAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}
