package client

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/series"
	"github.com/loykin/pavr/internal/server"
	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
	pavrtls "github.com/loykin/pavr/internal/tls"
)

func seed(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WorkingDir = t.TempDir()
	var runs []*testrun.TestRun
	for _, name := range []string{"a", "b"} {
		r, err := testrun.Create(cfg, config.TestConfig{Name: name, Command: "true", Scheduler: "raw"})
		require.NoError(t, err)
		runs = append(runs, r)
	}
	runs[0].Finish(status.Complete, "ok")
	_, err := series.CreateAdHoc(cfg, "nightly", runs)
	require.NoError(t, err)
	return cfg
}

func TestClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := seed(t)
	ts := httptest.NewServer(server.NewRouter(cfg, "/api", nil).Handler())
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL + "/api"})
	require.NoError(t, err)
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	tests, err := c.Tests(ctx, "")
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.Equal(t, "main.1", tests[0].FullID)

	done, err := c.Tests(ctx, "COMPLETE")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "a", done[0].Name)

	one, err := c.Test(ctx, "main.2")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", one.State)

	hist, err := c.TestHistory(ctx, "1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "COMPLETE", hist[1].State)

	list, err := c.SeriesList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "nightly", list[0].Name)

	detail, err := c.Series(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "adhoc", detail.Kind)
	assert.Len(t, detail.Tests, 2)

	sh, err := c.SeriesHistory(ctx, "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, sh)

	_, err = c.Test(ctx, "main.42")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = c.Series(ctx, "bogus")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 400, ae.Status)
	assert.NotEmpty(t, ae.Message)
}

func TestClient_TLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := seed(t)
	dir := filepath.Join(t.TempDir(), "certs")
	tlsCfg, err := pavrtls.Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(server.NewRouter(cfg, "/api", nil).Handler())
	ts.TLS = tlsCfg
	ts.StartTLS()
	defer ts.Close()

	ctx := context.Background()
	c, err := New(Config{BaseURL: ts.URL + "/api", TLS: &TLSClientConfig{CACert: filepath.Join(dir, pavrtls.CertName)}})
	require.NoError(t, err)
	list, err := c.SeriesList(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	untrusted, err := New(Config{BaseURL: ts.URL + "/api", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.False(t, untrusted.IsReachable(ctx))

	insecure, err := New(Config{BaseURL: ts.URL + "/api", Insecure: true})
	require.NoError(t, err)
	assert.True(t, insecure.IsReachable(ctx))

	_, err = New(Config{TLS: &TLSClientConfig{CACert: filepath.Join(dir, "missing.crt")}})
	assert.Error(t, err)
}

func TestClient_Logs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := seed(t)
	r, err := testrun.Load(cfg, "1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(r.File(testrun.BuildLog), []byte("==> make\nok\n"), 0o640))
	ts := httptest.NewServer(server.NewRouter(cfg, "", nil).Handler())
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)
	ctx := context.Background()

	out, err := c.TestLog(ctx, "1", "build", 0)
	require.NoError(t, err)
	assert.Equal(t, "==> make\nok\n", out)

	out, err = c.TestLog(ctx, "1", "build", 1)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	_, err = c.TestLog(ctx, "1", "run", 0)
	assert.True(t, IsNotFound(err))

	_, err = c.SeriesLog(ctx, "s1", 0)
	assert.True(t, IsNotFound(err), "an ad hoc series has no controller output")
}
