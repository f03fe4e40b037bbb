// Package worker implements the Worker component (spec §4.3): both the
// dispatcher-side handle (spawn, request round-trip, lifecycle messages)
// and the code that runs inside the spawned subprocess.
//
// Dynamic entrypoint loading (the source's "import the app's code" step)
// has no Go equivalent, so it is replaced by a Provider abstraction
// (spec §9): given an app directory and a WorkerConfig, Select produces a
// Provider, and how that Provider was produced is implementation-defined.
// Two concrete Providers exist: one serving a routes.json table, and one
// serving static files (with SPA fallback when the entrypoint is an .html
// file). There is no Provider for a fetch-style handler entrypoint.
package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/buntimehq/buntime/types"
)

// Provider maps one request to one response for a single app. It is the
// Go-native replacement for "the entrypoint's exported handler".
type Provider interface {
	Handle(req *types.WireRequest) (*types.WireResponse, error)
}

// Select inspects appDir and the loaded config to decide which entrypoint
// shape applies, per spec §4.3 step 3:
//  1. a routes.json manifest (path -> handler | method-map | static response)
//  2. a static-content root (entrypoint ends in ".html"; SPA fallback)
//  3. otherwise, a bare static file root (no SPA fallback)
func Select(appDir string, cfg *types.WorkerConfig) (Provider, error) {
	manifestPath := filepath.Join(appDir, "routes.json")
	if data, err := os.ReadFile(manifestPath); err == nil {
		var manifest RouteManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("malformed routes.json: %w", err)
		}
		return &routesProvider{root: appDir, manifest: manifest}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read routes.json: %w", err)
	}

	entrypoint := cfg.Entrypoint
	if entrypoint == "" {
		entrypoint = "index.html"
	}
	if strings.HasSuffix(entrypoint, ".html") {
		return &staticProvider{root: appDir, fallback: entrypoint, spa: true}, nil
	}

	return &staticProvider{root: appDir, spa: false}, nil
}

// RouteManifest is the routes.json schema.
type RouteManifest struct {
	Routes   map[string]RouteEntry `json:"routes"`
	Fallback *RouteEntry           `json:"fallback,omitempty"`
}

// RouteEntry is either a static file reference, a literal static response,
// or a per-method map of either.
type RouteEntry struct {
	File    string                `json:"file,omitempty"`
	Status  int                   `json:"status,omitempty"`
	Body    string                `json:"body,omitempty"`
	Headers map[string]string     `json:"headers,omitempty"`
	Methods map[string]RouteEntry `json:"methods,omitempty"`
}

type routesProvider struct {
	root     string
	manifest RouteManifest
}

func (p *routesProvider) Handle(req *types.WireRequest) (*types.WireResponse, error) {
	path := req.URL
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	entry, ok := p.manifest.Routes[path]
	if !ok {
		if p.manifest.Fallback != nil {
			return p.render(*p.manifest.Fallback, req)
		}
		return &types.WireResponse{ReqID: req.ReqID, Status: http.StatusNotFound, Body: []byte("not found")}, nil
	}

	if methodEntry, ok := entry.Methods[req.Method]; ok {
		return p.render(methodEntry, req)
	}
	if len(entry.Methods) > 0 {
		if _, ok := entry.Methods[req.Method]; !ok {
			return &types.WireResponse{ReqID: req.ReqID, Status: http.StatusMethodNotAllowed}, nil
		}
	}
	return p.render(entry, req)
}

func (p *routesProvider) render(entry RouteEntry, req *types.WireRequest) (*types.WireResponse, error) {
	if entry.File != "" {
		return serveFile(p.root, entry.File, req.ReqID)
	}
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &types.WireResponse{
		ReqID:   req.ReqID,
		Status:  status,
		Headers: entry.Headers,
		Body:    []byte(entry.Body),
	}, nil
}

// staticProvider serves files from root. With spa set, any path that
// doesn't resolve to a file on disk falls back to the configured
// entrypoint HTML file (spec §4.3 "static-content root").
type staticProvider struct {
	root     string
	fallback string
	spa      bool
}

func (p *staticProvider) Handle(req *types.WireRequest) (*types.WireResponse, error) {
	path := req.URL
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		path = "index.html"
	}

	resp, err := serveFile(p.root, path, req.ReqID)
	if err == nil && resp.Status != http.StatusNotFound {
		return resp, nil
	}
	if p.spa {
		return serveFile(p.root, p.fallback, req.ReqID)
	}
	return resp, err
}

func serveFile(root, rel string, reqID string) (*types.WireResponse, error) {
	clean := filepath.Clean("/" + rel)[1:] // neutralize ".." traversal
	full := filepath.Join(root, clean)

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.WireResponse{ReqID: reqID, Status: http.StatusNotFound, Body: []byte("not found")}, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", full, err)
	}

	return &types.WireResponse{
		ReqID:   reqID,
		Status:  http.StatusOK,
		Headers: map[string]string{"content-type": contentTypeFor(full)},
		Body:    data,
	}, nil
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
