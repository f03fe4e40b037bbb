// Package dispatcher implements the HTTP entry point (spec §4.5): parses
// :app out of the URL, runs the per-app proxy stage, forwards non-proxied
// requests to a pool Worker, and exposes the metrics/stats/SSE surface.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"

	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/metrics"
	"github.com/buntimehq/buntime/pool"
	"github.com/buntimehq/buntime/proxy"
	"github.com/buntimehq/buntime/resolver"
	"github.com/buntimehq/buntime/types"
	"github.com/buntimehq/buntime/workerconfig"
)

const statsStream = "stats"

// Dispatcher is the runtime's HTTP front end. One Dispatcher per process;
// construct with New and mount with Router() (spec §4.5, §6).
type Dispatcher struct {
	appsDir  string
	appShell string

	pool    *pool.Pool
	metrics *metrics.Collector
	logger  *log.Logger

	sse *sse.Server

	stopSSE chan struct{}
}

// Config holds the construction-time settings for a Dispatcher (spec §6).
type Config struct {
	AppsDir  string
	AppShell string
}

// New builds a Dispatcher wired to the given Pool and metrics Collector.
// It also starts the 1 Hz SSE publish loop, stopped by Close.
func New(cfg Config, p *pool.Pool, collector *metrics.Collector, logger *log.Logger) *Dispatcher {
	sseServer := sse.New()
	sseServer.AutoReplay = true
	sseServer.AutoStream = false
	sseServer.CreateStream(statsStream)

	d := &Dispatcher{
		appsDir:  cfg.AppsDir,
		appShell: cfg.AppShell,
		pool:     p,
		metrics:  collector,
		logger:   logger,
		sse:      sseServer,
		stopSSE:  make(chan struct{}),
	}

	go d.publishLoop()
	return d
}

// Close stops the Dispatcher's background SSE publisher. It does not touch
// the Pool; callers shut that down separately (spec §4.4 Shutdown).
func (d *Dispatcher) Close() {
	close(d.stopSSE)
}

// Router builds the chi mux for this Dispatcher. Internal routes and the
// root fallback bind before the {app} catch-all, per spec §9's stated
// precedence ("internal routes and plugin routes bind before the :app
// catch-all").
func (d *Dispatcher) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/_/metrics", d.handleMetrics)
	r.Get("/_/stats", d.handleStats)
	r.Get("/_/sse", d.handleSSE)
	r.Get("/", d.handleRoot)

	r.HandleFunc("/{app}", d.handleApp)
	r.HandleFunc("/{app}/*", d.handleApp)

	return r
}

// handleRoot implements spec §4.5 "GET /*": route to APP_SHELL if
// configured, otherwise a version banner.
func (d *Dispatcher) handleRoot(w http.ResponseWriter, r *http.Request) {
	if d.appShell == "" {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "buntime %s\n", types.Version)
		return
	}
	d.dispatch(w, r, d.appShell, "/")
}

// handleApp implements spec §4.5 "ALL /:app/*".
func (d *Dispatcher) handleApp(w http.ResponseWriter, r *http.Request) {
	rawApp := chi.URLParam(r, "app")
	inner := chi.URLParam(r, "*")
	d.dispatch(w, r, rawApp, "/"+inner)
}

// dispatch runs the full per-request pipeline described in spec §4.5:
// resolve, load config, proxy stage, worker stage.
func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, rawAppKey, innerPath string) {
	d.metrics.IncRequest()

	key := types.ParseAppKey(rawAppKey)
	appDir, err := resolver.Resolve(d.appsDir, key)
	if err != nil {
		d.fail(w, err)
		return
	}

	appName := filepath.Base(filepath.Dir(appDir))
	version := filepath.Base(appDir)

	cfg, ok := d.pool.Config(appName, version)
	if !ok {
		cfg, err = workerconfig.Load(appDir, d.logger)
		if err != nil {
			d.fail(w, err)
			return
		}
	}

	if rule, groups := proxy.Match(cfg.Proxy, innerPath); rule != nil {
		rewritten := proxy.RewritePath(innerPath, rule.Rewrite, groups)
		proxy.Forward(w, r, rule, rewritten, d.logger)
		return
	}

	d.dispatchToWorker(w, r, appDir, appName, version, cfg, innerPath)
}

// dispatchToWorker implements spec §4.5 step 5: issue a REQUEST message to
// a pool Worker, await RESPONSE/ERROR/timeout, translate to HTTP.
func (d *Dispatcher) dispatchToWorker(w http.ResponseWriter, r *http.Request, appDir, appName, version string, cfg *types.WorkerConfig, innerPath string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		d.fail(w, types.WrapError(types.ErrorKindInvalidConfig, "failed to read request body", err))
		return
	}

	reqID := uuid.NewString()
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	wireReq := &types.WireRequest{
		ReqID:   reqID,
		Method:  r.Method,
		URL:     innerPathWithQuery(innerPath, r.URL.RawQuery),
		Headers: flattenHeaders(r.Header),
		Body:    body,
	}
	wireReq.Headers["x-app-name"] = appName

	resp, err := d.pool.Dispatch(ctx, appDir, appName, version, cfg, wireReq)
	if err != nil {
		d.fail(w, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := statusOr200(resp.Status)
	if status < 200 || status >= 300 {
		d.metrics.IncError()
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func innerPathWithQuery(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

func statusOr200(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		out[strings.ToLower(k)] = strings.Join(values, ", ")
	}
	return out
}

// fail writes the JSON error body and status for err per spec §7. Errors
// not already a *types.RuntimeError are treated as internal (500).
func (d *Dispatcher) fail(w http.ResponseWriter, err error) {
	d.metrics.IncError()

	kind := types.ErrorKindWorkerSpawnFailed
	message := err.Error()
	if rtErr, ok := err.(*types.RuntimeError); ok {
		kind = rtErr.Kind
		message = rtErr.Message
	}

	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleMetrics implements spec §6 "GET /_/metrics".
func (d *Dispatcher) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.pool.Metrics())
}

// statsResponse is the §6 "GET /_/stats" shape: pool-wide metrics plus a
// per-worker breakdown keyed the same way the pool keys its own entries.
type statsResponse struct {
	Pool    types.PoolMetrics              `json:"pool"`
	Workers map[string]types.WorkerSnapshot `json:"workers"`
}

func (d *Dispatcher) handleStats(w http.ResponseWriter, r *http.Request) {
	m := d.pool.Metrics()
	writeJSON(w, statsResponse{Pool: m, Workers: m.Workers})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// handleSSE implements spec §6 "GET /_/sse": one snapshot on connect (via
// the stream's replay buffer), then one per second until the client
// disconnects. The stream never buffers beyond the latest snapshot, so a
// slow client is simply dropped, never backed up (spec §4.5).
func (d *Dispatcher) handleSSE(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("stream", statsStream)
	r.URL.RawQuery = q.Encode()
	d.sse.ServeHTTP(w, r)
}

// publishLoop pushes one PoolMetrics/stats snapshot to the SSE stream per
// second until Close is called.
func (d *Dispatcher) publishLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.publishSnapshot()
		case <-d.stopSSE:
			return
		}
	}
}

func (d *Dispatcher) publishSnapshot() {
	m := d.pool.Metrics()
	data, err := json.Marshal(statsResponse{Pool: m, Workers: m.Workers})
	if err != nil {
		return
	}
	d.sse.Publish(statsStream, &sse.Event{Data: bytes.TrimRight(data, "\n")})
}
