// Package proxy implements the regex-based per-app reverse-proxy stage
// (spec §4.5 step 4): ordered rule matching against the request's
// app-relative path, optional path rewriting, and forwarding to the rule's
// target — either a plain HTTP reverse proxy or a WebSocket pipe.
package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/types"
)

// Match returns the first CompiledProxyRule whose Pattern matches
// innerPath, along with its captured groups, or (nil, nil) if none match.
// Order in rules is significant: first match wins (spec §4.5).
func Match(rules []types.CompiledProxyRule, innerPath string) (*types.CompiledProxyRule, []string) {
	for i := range rules {
		rule := &rules[i]
		groups := rule.Pattern.FindStringSubmatch(innerPath)
		if groups != nil {
			return rule, groups
		}
	}
	return nil, nil
}

// RewritePath substitutes $1..$N in rewrite with groups[1:], or returns
// innerPath unchanged if rewrite is empty (spec §4.5: "if rewrite is
// provided, substitute $1…$N with captured groups").
func RewritePath(innerPath, rewrite string, groups []string) string {
	if rewrite == "" {
		return innerPath
	}
	out := rewrite
	for i := len(groups) - 1; i >= 1; i-- {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), groups[i])
	}
	return out
}

// Forward performs the proxy stage for one matched rule: HTTP forward via
// httputil.ReverseProxy, or a WebSocket pipe via gorilla/websocket when the
// inbound request is an upgrade and the rule allows it.
func Forward(w http.ResponseWriter, r *http.Request, rule *types.CompiledProxyRule, rewrittenPath string, logger *log.Logger) {
	targetURL, err := url.Parse(rule.Target)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "invalid proxy target")
		return
	}

	if rule.WS && isWebSocketUpgrade(r) {
		forwardWebSocket(w, r, targetURL, rewrittenPath, rule, logger)
		return
	}

	forwardHTTP(w, r, targetURL, rewrittenPath, rule)
}

// writeJSONError writes the {"error": "..."} envelope spec §7 requires for
// every error response body, including proxy-stage failures — the same
// shape dispatcher.fail writes for worker-stage and resolver failures.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func forwardHTTP(w http.ResponseWriter, r *http.Request, target *url.URL, rewrittenPath string, rule *types.CompiledProxyRule) {
	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = rewrittenPath
		req.URL.RawPath = ""
		if rule.ChangeOrigin {
			req.Host = target.Host
		} else {
			req.Host = r.Host
		}
		for k, v := range rule.Headers {
			req.Header.Set(k, v)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		writeJSONError(w, http.StatusBadGateway, err.Error())
	}
	proxy.ServeHTTP(w, r)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// forwardWebSocket opens a WebSocket connection to target+rewrittenPath,
// upgrades the inbound connection, and pipes frames in both directions
// until either side closes (spec §4.5).
func forwardWebSocket(w http.ResponseWriter, r *http.Request, target *url.URL, rewrittenPath string, rule *types.CompiledProxyRule, logger *log.Logger) {
	upstreamURL := *target
	upstreamURL.Scheme = wsScheme(target.Scheme)
	upstreamURL.Path = rewrittenPath
	upstreamURL.RawQuery = r.URL.RawQuery

	header := http.Header{}
	for k, v := range rule.Headers {
		header.Set(k, v)
	}

	upstreamConn, _, err := websocket.DefaultDialer.Dial(upstreamURL.String(), header)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to connect to proxy target")
		return
	}
	defer upstreamConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	defer clientConn.Close()

	done := make(chan struct{}, 2)
	go pipeWebSocket(clientConn, upstreamConn, done)
	go pipeWebSocket(upstreamConn, clientConn, done)
	<-done
}

func wsScheme(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}

func pipeWebSocket(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
