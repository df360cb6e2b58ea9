package server

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/logger"
	"github.com/loykin/pavr/internal/metrics"
	"github.com/loykin/pavr/internal/series"
	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
)

// Router serves a read-only view of the working directory.
// Endpoints:
//
//	GET {basePath}/tests                 query: state=... (optional)
//	GET {basePath}/tests/:id
//	GET {basePath}/tests/:id/history
//	GET {basePath}/tests/:id/log/:kind   kind: kickoff, build or run; query: tail=N
//	GET {basePath}/series
//	GET {basePath}/series/:sid
//	GET {basePath}/series/:sid/history
//	GET {basePath}/series/:sid/log       query: tail=N
//	GET {basePath}/metrics               when a gatherer is configured
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	cfg      *config.Config
	basePath string
	gatherer prometheus.Gatherer
}

// NewRouter constructs a router. A nil gatherer disables /metrics.
func NewRouter(cfg *config.Config, basePath string, g prometheus.Gatherer) *Router {
	return &Router{cfg: cfg, basePath: cleanBase(basePath), gatherer: g}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/tests", r.handleTests)
	group.GET("/tests/:id", r.handleTest)
	group.GET("/tests/:id/history", r.handleTestHistory)
	group.GET("/tests/:id/log/:kind", r.handleTestLog)
	group.GET("/series", r.handleSeriesList)
	group.GET("/series/:sid", r.handleSeries)
	group.GET("/series/:sid/history", r.handleSeriesHistory)
	group.GET("/series/:sid/log", r.handleSeriesLog)
	if r.gatherer != nil {
		group.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	}
	return g
}

// NewServer builds an HTTP server for this router. The caller starts it.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

// SeriesDetail is a series with the info of each member test.
type SeriesDetail struct {
	series.Info
	Tests []testrun.Info `json:"tests"`
}

func (r *Router) handleTests(c *gin.Context) {
	runs, err := testrun.List(r.cfg)
	if err != nil {
		fail(c, err)
		return
	}
	want := status.State(c.Query("state"))
	out := make([]testrun.Info, 0, len(runs))
	for _, run := range runs {
		info := run.Info()
		if want != "" && info.State != want {
			continue
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) loadTest(c *gin.Context) (*testrun.TestRun, bool) {
	run, err := testrun.Load(r.cfg, c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return run, true
}

func (r *Router) handleTest(c *gin.Context) {
	if run, ok := r.loadTest(c); ok {
		c.JSON(http.StatusOK, run.Info())
	}
}

func (r *Router) handleTestHistory(c *gin.Context) {
	if run, ok := r.loadTest(c); ok {
		c.JSON(http.StatusOK, nonNil(run.Status.History()))
	}
}

func (r *Router) handleTestLog(c *gin.Context) {
	run, ok := r.loadTest(c)
	if !ok {
		return
	}
	p, err := run.LogPath(c.Param("kind"))
	if err != nil {
		fail(c, err)
		return
	}
	sendLog(c, p)
}

func (r *Router) handleSeriesList(c *gin.Context) {
	all, err := series.List(r.cfg)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]series.Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) loadSeries(c *gin.Context) (*series.Series, bool) {
	s, err := series.Load(r.cfg, c.Param("sid"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return s, true
}

func (r *Router) handleSeries(c *gin.Context) {
	s, ok := r.loadSeries(c)
	if !ok {
		return
	}
	tests := s.TestInfos()
	sort.Slice(tests, func(i, j int) bool { return tests[i].ID < tests[j].ID })
	if tests == nil {
		tests = []testrun.Info{}
	}
	c.JSON(http.StatusOK, SeriesDetail{Info: s.Info(), Tests: tests})
}

func (r *Router) handleSeriesHistory(c *gin.Context) {
	if s, ok := r.loadSeries(c); ok {
		c.JSON(http.StatusOK, nonNil(s.Status.History()))
	}
}

func (r *Router) handleSeriesLog(c *gin.Context) {
	if s, ok := r.loadSeries(c); ok {
		sendLog(c, s.File(series.OutputFile))
	}
}

func sendLog(c *gin.Context, path string) {
	tail := 0
	if v := c.Query("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fail(c, fmt.Errorf("%w %q", errBadTail, v))
			return
		}
		tail = n
	}
	b, err := logger.ReadLog(path, tail)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
}

func nonNil(h []status.Entry) []status.Entry {
	if h == nil {
		return []status.Entry{}
	}
	return h
}
