package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"erpsync/internal/database"
	"erpsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "erpsync", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"health"}, {"status"}, {"retry"}, {"report"},
		{"catalog", "import"}, {"catalog", "stock"},
	}

	for _, path := range commands {
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/etc/erpsync.yaml")
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "/etc/erpsync.yaml", configFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	retryCmd, _, err := cmd.Find([]string{"retry"})
	require.NoError(t, err)
	assert.NotNil(t, retryCmd.Flags().Lookup("confirm"))

	stockCmd, _, err := cmd.Find([]string{"catalog", "stock"})
	require.NoError(t, err)
	assert.NotNil(t, stockCmd.Flags().Lookup("sku"))
	assert.NotNil(t, stockCmd.Flags().Lookup("now"))

	importCmd, _, err := cmd.Find([]string{"catalog", "import"})
	require.NoError(t, err)
	assert.Nil(t, importCmd.Flags().Lookup("sku"))

	reportCmd, _, err := cmd.Find([]string{"report"})
	require.NoError(t, err)
	outFlag := reportCmd.Flags().Lookup("out")
	require.NotNil(t, outFlag)
	assert.Equal(t, "o", outFlag.Shorthand)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: ExitCommandError})))

	err := WrapExitError(ExitFailure, "load", errors.New("missing"))
	assert.Equal(t, "load: missing", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "missing")
}

// writeConfig writes a minimal config pointing at a fresh sqlite file.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "erpsync.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`
database:
  path: %q
erp:
  base_url: "http://127.0.0.1:1/api"
logging:
  level: "error"
  output: "stderr"
`, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))
	return cfgPath, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHealthCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "--config", cfgPath, "--format", "json", "health")
	require.NoError(t, err)

	var h models.QueueHealth
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.Equal(t, models.HealthHealthy, h.Status)
	assert.Zero(t, h.TotalPending)
}

func TestInvalidFormat(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "--config", cfgPath, "--format", "xml", "health")
	assert.ErrorContains(t, err, "invalid format")
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "health")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatusCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	_, err := execute(t, "--config", cfgPath, "status", "abc")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--config", cfgPath, "status", "5")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	seedBlocked(t, dbPath, 5)

	out, err := execute(t, "--config", cfgPath, "status", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "blocked")
	assert.Contains(t, out, "payment proof missing")
}

func TestCatalogCommandQueues(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "--config", cfgPath, "catalog", "stock", "--sku", "A-1,B-2")
	require.NoError(t, err)
	assert.Contains(t, out, string(models.TaskStockUpdate))

	out, err = execute(t, "--config", cfgPath, "catalog", "stock", "--sku", "C-3")
	require.NoError(t, err)
	assert.Contains(t, out, "already pending")
}

func TestReportCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedBlocked(t, dbPath, 7)

	xlsx := filepath.Join(t.TempDir(), "report.xlsx")
	out, err := execute(t, "--config", cfgPath, "--format", "json", "report", "--out", xlsx, "--status", "blocked")
	require.NoError(t, err)
	var res struct {
		Path string `json:"path"`
		Rows int    `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Rows)

	f, err := excelize.OpenFile(xlsx)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Sync log")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = execute(t, "--config", cfgPath, "report", "--out", xlsx, "--status", "nope")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func seedBlocked(t *testing.T, dbPath string, orderID int64) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	err = db.BlockSync(context.Background(), orderID, "payment proof missing for card payment", time.Now())
	require.NoError(t, err)
}
