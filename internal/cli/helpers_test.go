package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config whose data directory lives under a temp dir
// and returns its path.
func writeTestConfig(t *testing.T, overrides map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()

	memoryCfg := map[string]interface{}{
		"backend":            "sqlite",
		"embedding_provider": "none",
		"reindex_schedule":   "",
	}
	for k, v := range overrides {
		memoryCfg[k] = v
	}

	cfg := map[string]interface{}{
		"data_dir": filepath.Join(dir, "data"),
		"memory":   memoryCfg,
		"logging":  map[string]interface{}{"level": "warn"},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "memory.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// resetFlags restores every flag of cmd and its children to its default so
// package-level flag variables do not leak between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
		cmd.SetIn(nil)
		cmd.SetArgs(nil)
	})

	err := cmd.Execute()
	return out.String(), err
}
