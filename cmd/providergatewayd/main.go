// Command providergatewayd runs the provider gateway from spec.md §4.9:
// the only path by which sandboxed agents reach model provider APIs,
// so sandbox processes never hold provider credentials themselves.
// Flag/signal/shutdown shape follows the teacher's cmd/wtd/main.go
// single-binary cobra daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/choiros/sandbox/internal/config"
	"github.com/choiros/sandbox/internal/logger"
	"github.com/choiros/sandbox/internal/providergateway"
)

func main() {
	root := &cobra.Command{
		Use:   "providergatewayd",
		Short: "credentialed reverse proxy for sandbox -> model provider traffic",
		RunE:  run,
	}

	root.Flags().String("addr", ":8877", "listen address")
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

	gw := providergateway.New(providergateway.Config{
		Token:              cfg.ProviderGatewayToken,
		AllowedUpstreams:   config.AllowedUpstreams(),
		ProviderKeyEnv:     config.ProviderKeyEnvMap(),
		RateLimitPerMinute: cfg.ProviderGatewayRateLimitRPM,
	}, nil, nil)

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: gw,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("providergatewayd listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("providergatewayd shutting down")
		return httpSrv.Close()
	case err := <-errCh:
		return err
	}
}
