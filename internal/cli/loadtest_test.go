package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout-saga/internal/api/httpapi"
	"github.com/vladislavdragonenkov/checkout-saga/internal/loadtest"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/projection"
)

func (e *testEnv) serveAPI(t *testing.T) *httptest.Server {
	t.Helper()

	orders := projection.NewProjector(e.backend.Events, e.backend.Projections, nil)
	srv := httptest.NewServer(httpapi.New(e.checkout, e.coordinator, orders, e.ledger).Routes())
	t.Cleanup(srv.Close)

	original := loadtestClient
	loadtestClient = func(loadtest.Config) *http.Client { return srv.Client() }
	t.Cleanup(func() { loadtestClient = original })
	return srv
}

func TestLoadtest_CompleteRefundJSON(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serveAPI(t)

	out, err := env.run("--format", "json", "loadtest",
		"--base-url", srv.URL,
		"--total", "4",
		"--concurrency", "2",
		"--mode", "create-complete-refund",
		"--seed-stock", "10",
	)
	require.NoError(t, err)

	report := decodeJSON[loadtest.Report](t, out)
	assert.EqualValues(t, 4, report.TotalScenarios)
	assert.EqualValues(t, 4, report.SuccessScenarios)
	assert.EqualValues(t, 4, report.Endpoints["POST /orders/{id}/refund"].Success)
}

func TestLoadtest_WritesReportAndPrintsSummary(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serveAPI(t)

	path := filepath.Join(t.TempDir(), "loadtest.json")
	out, err := env.run("loadtest", "--base-url", srv.URL, "--total", "3", "--concurrency", "1", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, "mode=create run=count:3 total=3 success=3 failed=0")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	report := decodeJSON[loadtest.Report](t, string(raw))
	assert.EqualValues(t, 3, report.SuccessScenarios)
}

func TestLoadtest_FailedScenariosExitWithFailure(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serveAPI(t)

	_, err := env.run("loadtest", "--base-url", srv.URL, "--total", "2", "--mode", "create-complete")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "2 of 2 scenario(s) failed")
}

func TestLoadtest_InvalidOptions(t *testing.T) {
	env := newTestEnv(t)

	for name, args := range map[string][]string{
		"mode":        {"loadtest", "--mode", "pay"},
		"concurrency": {"loadtest", "--concurrency", "0"},
		"refund rate": {"loadtest", "--refund-rate", "150"},
		"capped zero": {"loadtest", "--duration", "1s", "--total", "0"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.run(args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, ExitCode(err))
		})
	}
}
