// Command hypervisord fronts one sandbox process with the HTTP/WS
// reverse proxy from spec.md §4.10: every inbound request is forwarded
// to 127.0.0.1:{sandbox-port}. Flag/signal/shutdown shape follows the
// teacher's cmd/wtd/main.go single-binary cobra daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/choiros/sandbox/internal/hypervisor"
	"github.com/choiros/sandbox/internal/logger"
)

// fixedPortResolver fronts exactly one sandbox process at a fixed
// loopback port, matching spec.md §1's "a separate hypervisor fronts
// each sandbox" 1:1 pairing — there is no multi-tenant routing table
// to consult.
type fixedPortResolver struct {
	sandboxID string
	port      int
}

func (r fixedPortResolver) ResolvePort(_ context.Context, sandboxID string) (int, error) {
	if sandboxID != r.sandboxID {
		return 0, fmt.Errorf("hypervisord: unknown sandbox %q", sandboxID)
	}
	return r.port, nil
}

func main() {
	root := &cobra.Command{
		Use:   "hypervisord",
		Short: "reverse proxy fronting one sandbox process",
		RunE:  run,
	}

	root.Flags().String("addr", ":8080", "listen address")
	root.Flags().String("sandbox-id", "default", "sandbox id this hypervisor fronts")
	root.Flags().Int("sandbox-port", 8787, "loopback port the sandbox process listens on")
	root.Flags().String("log-level", "info", "log level (debug|info|warn|error)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	sandboxID, _ := cmd.Flags().GetString("sandbox-id")
	sandboxPort, _ := cmd.Flags().GetInt("sandbox-port")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if err := logger.Init(logLevel, ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	resolver := fixedPortResolver{sandboxID: sandboxID, port: sandboxPort}
	proxy := hypervisor.New(resolver)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			proxy.ServeWS(w, r, sandboxID, r.URL.Path)
			return
		}
		proxy.ServeHTTP(w, r, sandboxID)
	})

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hypervisord listening", "addr", addr, "sandbox_id", sandboxID, "sandbox_port", sandboxPort)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("hypervisord shutting down")
		return httpSrv.Close()
	case err := <-errCh:
		return err
	}
}
