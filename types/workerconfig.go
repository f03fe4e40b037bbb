package types

import "regexp"

// WorkerConfig is the validated, immutable per-app configuration produced by
// the worker config loader. All durations are milliseconds. See
// workerconfig.Load for how a worker.config.json / package.json source is
// turned into one of these.
type WorkerConfig struct {
	Entrypoint    string
	IdleTimeoutMs int64
	TTLMs         int64
	MaxRequests   int64
	TimeoutMs     int64
	AutoInstall   bool
	LowMemory     bool
	Proxy         []CompiledProxyRule
}

// DefaultWorkerConfig returns the zero-value defaults per spec: 60s idle,
// unbounded TTL, 1000 max requests, 30s per-request timeout.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		IdleTimeoutMs: 60_000,
		TTLMs:         0,
		MaxRequests:   1_000,
		TimeoutMs:     30_000,
	}
}

// CompiledProxyRule is one entry of a WorkerConfig's ordered proxy list.
// Pattern has already been compiled; Target has already had its ${ENV}
// placeholders expanded. Order in the owning slice is significant: first
// match wins.
type CompiledProxyRule struct {
	Pattern      *regexp.Regexp
	Target       string
	Rewrite      string // "" means no rewrite
	ChangeOrigin bool
	Secure       bool
	Headers      map[string]string
	WS           bool // default true; explicit false disables WebSocket proxying for this rule
}
