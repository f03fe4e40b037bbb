// Package workerconfig implements the Worker Config Loader (spec §4.2):
// reading and validating per-app config (worker.config.json or the
// workerConfig field of package.json), compiling proxy regex rules, and
// materializing durations in milliseconds.
package workerconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/buntimehq/buntime/envexpand"
	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/types"
)

// rawConfig mirrors the worker.config.json schema (camelCase keys) per
// spec §6. Unknown fields are ignored (lenient decode — deliberate
// divergence from the bootstrap config loader's strict KnownFields, see
// DESIGN.md).
type rawConfig struct {
	Entrypoint  string         `json:"entrypoint"`
	IdleTimeout *seconds       `json:"idleTimeout"`
	TTL         *seconds       `json:"ttl"`
	MaxRequests *int64         `json:"maxRequests"`
	Timeout     *seconds       `json:"timeout"`
	AutoInstall bool           `json:"autoInstall"`
	LowMemory   bool           `json:"lowMemory"`
	Proxy       []rawProxyRule `json:"proxy"`
}

// rawPackageJSON extracts only the workerConfig field; the rest of
// package.json is irrelevant to this loader.
type rawPackageJSON struct {
	WorkerConfig *rawConfig `json:"workerConfig"`
}

type rawProxyRule struct {
	Pattern      string            `json:"pattern"`
	Target       string            `json:"target"`
	Rewrite      string            `json:"rewrite"`
	ChangeOrigin bool              `json:"changeOrigin"`
	Secure       bool              `json:"secure"`
	Headers      map[string]string `json:"headers"`
	WS           *bool             `json:"ws"`
}

// Load reads the worker config for appDir, following the precedence
// worker.config.json > package.json's workerConfig field > defaults
// (spec §4.2). logger receives a warning for each dropped proxy rule;
// pass nil to discard warnings (e.g. in tests that don't care).
func Load(appDir string, logger *log.Logger) (*types.WorkerConfig, error) {
	raw, err := loadRaw(appDir)
	if err != nil {
		return nil, types.WrapError(types.ErrorKindInvalidConfig, fmt.Sprintf("invalid config for %s", appDir), err)
	}

	cfg := types.DefaultWorkerConfig()
	if raw == nil {
		return &cfg, nil
	}

	if raw.Entrypoint != "" {
		cfg.Entrypoint = raw.Entrypoint
	}
	if raw.IdleTimeout != nil {
		cfg.IdleTimeoutMs = raw.IdleTimeout.Milliseconds()
	}
	if raw.TTL != nil {
		cfg.TTLMs = raw.TTL.Milliseconds()
	}
	if raw.MaxRequests != nil {
		cfg.MaxRequests = *raw.MaxRequests
	}
	if raw.Timeout != nil {
		cfg.TimeoutMs = raw.Timeout.Milliseconds()
	}
	cfg.AutoInstall = raw.AutoInstall
	cfg.LowMemory = raw.LowMemory

	if err := validateNonNegative(cfg); err != nil {
		return nil, types.WrapError(types.ErrorKindInvalidConfig, fmt.Sprintf("invalid config for %s", appDir), err)
	}

	cfg.Proxy = compileProxyRules(raw.Proxy, logger)

	return &cfg, nil
}

// loadRaw resolves the highest-precedence config source, or nil if
// neither exists (defaults apply whole).
func loadRaw(appDir string) (*rawConfig, error) {
	workerConfigPath := filepath.Join(appDir, "worker.config.json")
	if data, err := os.ReadFile(workerConfigPath); err == nil {
		var cfg rawConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("malformed JSON in %s: %w", workerConfigPath, err)
		}
		return &cfg, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read %s: %w", workerConfigPath, err)
	}

	packageJSONPath := filepath.Join(appDir, "package.json")
	if data, err := os.ReadFile(packageJSONPath); err == nil {
		var pkg rawPackageJSON
		if err := json.Unmarshal(data, &pkg); err != nil {
			return nil, fmt.Errorf("malformed JSON in %s: %w", packageJSONPath, err)
		}
		return pkg.WorkerConfig, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read %s: %w", packageJSONPath, err)
	}

	return nil, nil
}

func validateNonNegative(cfg types.WorkerConfig) error {
	switch {
	case cfg.IdleTimeoutMs < 0:
		return fmt.Errorf("idleTimeout must be non-negative")
	case cfg.TTLMs < 0:
		return fmt.Errorf("ttl must be non-negative")
	case cfg.MaxRequests < 0:
		return fmt.Errorf("maxRequests must be non-negative")
	case cfg.TimeoutMs < 0:
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// compileProxyRules compiles each rule's pattern and expands its target's
// ${ENV} placeholders. Invalid patterns are dropped with a warning, never
// a hard failure (spec §4.2, §7: "never throws at request time" — the
// corollary is load time is where we fail soft).
func compileProxyRules(raw []rawProxyRule, logger *log.Logger) []types.CompiledProxyRule {
	compiled := make([]types.CompiledProxyRule, 0, len(raw))
	for i, r := range raw {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			if logger != nil {
				logger.Warn("dropping proxy rule with invalid pattern", map[string]any{
					"index":   i,
					"pattern": r.Pattern,
					"error":   err.Error(),
				})
			}
			continue
		}
		compiled = append(compiled, types.CompiledProxyRule{
			Pattern:      re,
			Target:       envexpand.Expand(r.Target),
			Rewrite:      r.Rewrite,
			ChangeOrigin: r.ChangeOrigin,
			Secure:       r.Secure,
			Headers:      r.Headers,
			WS:           r.WS == nil || *r.WS,
		})
	}
	return compiled
}
