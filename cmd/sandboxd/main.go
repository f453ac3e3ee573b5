// Command sandboxd runs one sandbox process: the actor mesh, the
// conductor, and the HTTP/WS API from spec.md §6, over a durable SQLite
// event store. Flag/signal/shutdown shape is ported from the teacher's
// cmd/wtd/main.go single-binary cobra daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/conductor"
	"github.com/choiros/sandbox/internal/config"
	"github.com/choiros/sandbox/internal/desktopws"
	"github.com/choiros/sandbox/internal/eventbus"
	"github.com/choiros/sandbox/internal/eventrelay"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
	"github.com/choiros/sandbox/internal/modelgateway"
	"github.com/choiros/sandbox/internal/sandboxapi"
)

func main() {
	root := &cobra.Command{
		Use:   "sandboxd",
		Short: "sandbox process: actor mesh, conductor, and HTTP/WS API",
		RunE:  run,
	}

	root.Flags().String("addr", ":8787", "listen address")
	root.Flags().String("config", "", "optional YAML config file")
	root.Flags().String("log-level", "info", "log level (debug|info|warn|error)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if err := logger.Init(logLevel, ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := cfg.EnforceKeylessPolicy(); err != nil {
		return err
	}

	store, err := eventstore.OpenSQLite(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	bus := eventbus.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	relay := eventrelay.New(store, bus, 0)
	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("event relay stopped", "error", err)
		}
	}()

	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	model, err := modelgateway.Select(cfg.DefaultModel, anthropicKey, openaiKey)
	if err != nil {
		return fmt.Errorf("select model gateway: %w", err)
	}

	sup := actorsys.NewSupervisor("root", nil)

	dispatcher := sandboxapi.NewDispatcher(sup, store, bus, model)
	capabilities := []string{conductor.CapabilityImmediateResponse}
	if !cfg.DisableConductorWorkers {
		capabilities = append(capabilities,
			conductor.CapabilityResearcher,
			conductor.CapabilityTerminal,
			conductor.CapabilityWriter,
		)
	}
	cond := conductor.New(store, model, dispatcher, capabilities)

	desktops := sandboxapi.NewDesktopProvider(sup, store)
	desktopRegistry := desktopws.New(desktops)
	desktops.SetBroadcaster(desktopRegistry)

	srv := sandboxapi.NewServer(sup, store, cond, desktopRegistry, desktops)

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sandboxd listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("sandboxd shutting down")
		return httpSrv.Close()
	case err := <-errCh:
		return err
	}
}
