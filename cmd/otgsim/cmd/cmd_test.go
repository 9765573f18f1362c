package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softotg/pkg"
	"github.com/ardnew/softotg/pkg/prof"
)

const scenarios = "../../../host/scenario/testdata"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Reset flags to prevent accumulation between tests
	logLevel = "warn"
	logFormat = "text"
	quiet = false
	configFile = ""
	profiles = prof.Options{}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunE2E(t *testing.T) {
	out, err := execute(t, "run", filepath.Join(scenarios, "dma_in.otg"))
	require.NoError(t, err)
	require.Contains(t, out, "ok   ")
	require.Contains(t, out, "REQUEST")
	require.Contains(t, out, "big")
	require.Contains(t, out, "success")
	require.Contains(t, out, "4096")
}

func TestRunE2E_Quiet(t *testing.T) {
	files, err := filepath.Glob(filepath.Join(scenarios, "*.otg"))
	require.NoError(t, err)

	out, err := execute(t, append([]string{"run", "-q"}, files...)...)
	require.NoError(t, err)
	require.NotContains(t, out, "REQUEST")
	require.NotContains(t, out, "FAIL")
}

func TestRunE2E_Failure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "bad.otg")
	require.NoError(t, os.WriteFile(script, []byte("attach\nexpect events detached\n"), 0o644))

	out, err := execute(t, "run", script)
	require.Error(t, err)
	require.Contains(t, out, "FAIL")
	require.Contains(t, err.Error(), "1 of 1 scenarios failed")
}

func TestConfigE2E(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	require.Contains(t, out, "max_retries = 10")
	require.Contains(t, out, `dma_timeout = "3s"`)

	file := filepath.Join(t.TempDir(), "otg.toml")
	require.NoError(t, os.WriteFile(file, []byte("max_retries = 4\n"), 0o644))
	out, err = execute(t, "config", "--file", file)
	require.NoError(t, err)
	require.Contains(t, out, "max_retries = 4")

	require.NoError(t, os.WriteFile(file, []byte("max_retriez = 4\n"), 0o644))
	_, err = execute(t, "config", "--file", file)
	require.ErrorIs(t, err, pkg.ErrConfiguration)
}

func TestRootFlags(t *testing.T) {
	_, err := execute(t, "config", "--log-level", "loud")
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = execute(t, "config", "--log-format", "xml")
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = execute(t, "config", "--log-level", "debug", "--log-format", "json")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, pkg.GetLogLevel())
	pkg.SetLogLevel(slog.LevelWarn)
}

func TestProfileFlags(t *testing.T) {
	heap := filepath.Join(t.TempDir(), "heap.prof")
	_, err := execute(t, "config", "--memprofile", heap)
	require.NoError(t, err)
	require.Nil(t, session)

	_, statErr := os.Stat(heap)
	if prof.Enabled {
		require.NoError(t, statErr)
	} else {
		require.True(t, os.IsNotExist(statErr))
	}
}
