package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/apperr"
)

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "sandboxd", RunE: run}
	cmd.Flags().String("addr", ":8787", "listen address")
	cmd.Flags().String("config", "", "optional YAML config file")
	cmd.Flags().String("log-level", "info", "log level (debug|info|warn|error)")
	return cmd
}

func TestRunRefusesToStartWhenKeylessEnforcedAndProviderKeyPresent(t *testing.T) {
	t.Setenv("CHOIROS_SANDBOX_KEYLESS_ENFORCED", "true")
	t.Setenv("OPENAI_API_KEY", "x")

	err := run(newTestCommand(), nil)
	require.Error(t, err)
	require.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
}
