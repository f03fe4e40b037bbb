package worker

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/buntimehq/buntime/ipc"
	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/types"
	"github.com/buntimehq/buntime/workerconfig"
)

// Env vars Spawn sets for the worker subprocess (spec §6). Run reads
// EnvAppDir and EnvAppName; cmd/buntime recognizes worker mode by its
// __worker argument.
const (
	EnvWorkerMode  = "BUNTIME_WORKER_MODE"
	EnvAppDir      = "BUNTIME_APP_DIR"
	EnvAppName     = "BUNTIME_APP_NAME"
	EnvAppVersion  = "BUNTIME_APP_VERSION"
)

// Run is the worker-side entry point: invoked by cmd/buntime's hidden
// __worker branch after it re-execs itself with BUNTIME_WORKER_MODE=1. It
// reads its startup bindings from the environment, loads the app's worker
// config, selects a Provider, announces READY on stdout, and then serves
// REQUEST/IDLE/TERMINATE frames from stdin until TERMINATE or EOF.
func Run(stdin io.Reader, stdout io.Writer, logger *log.Logger) error {
	appDir := os.Getenv(EnvAppDir)
	appName := os.Getenv(EnvAppName)
	if appDir == "" {
		return fmt.Errorf("%s is required in worker mode", EnvAppDir)
	}

	workerLogger := logger.WithOutput(os.Stderr).With(map[string]any{"app": appName, "app_dir": appDir})

	cfg, err := workerconfig.Load(appDir, workerLogger)
	if err != nil {
		return fmt.Errorf("failed to load worker config: %w", err)
	}

	if cfg.AutoInstall {
		if err := runAutoInstall(appDir, workerLogger); err != nil {
			return fmt.Errorf("dependency install failed: %w", err)
		}
	}

	provider, err := Select(appDir, cfg)
	if err != nil {
		return fmt.Errorf("failed to select provider: %w", err)
	}

	return serve(stdin, stdout, provider, appName, workerLogger)
}

// runAutoInstall runs the app's dependency install step synchronously
// before the entrypoint loads (spec §4.3 step 2). A non-zero exit aborts
// startup; there is no retry, matching the "first runs ... synchronously"
// wording — install failures are a spawn failure, not a soft warning.
func runAutoInstall(appDir string, logger *log.Logger) error {
	if _, err := os.Stat(appDir + "/package.json"); err != nil {
		return nil
	}
	logger.Info("running dependency install", map[string]any{"app_dir": appDir})
	cmd := exec.Command("npm", "install", "--omit=dev")
	cmd.Dir = appDir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func serve(stdin io.Reader, stdout io.Writer, provider Provider, appName string, logger *log.Logger) error {
	decoder := ipc.NewFrameDecoder(bufio.NewReader(stdin))
	out := bufio.NewWriter(stdout)

	if err := ipc.WriteFrame(out, &types.Frame{Type: types.FrameReady}); err != nil {
		return fmt.Errorf("failed to write ready frame: %w", err)
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("failed to flush ready frame: %w", err)
	}

	for {
		frame, err := decoder.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		switch frame.Type {
		case types.FrameTerminate:
			return nil

		case types.FrameIdle:
			// Advisory only: nothing is released and no reply is sent.

		case types.FrameRequest:
			req := &types.WireRequest{
				ReqID:   frame.ReqID,
				Method:  frame.Method,
				URL:     frame.URL,
				Headers: frame.Headers,
				Body:    frame.Body,
			}

			resp, handleErr := dispatchRequest(provider, req)
			if handleErr != nil {
				if err := ipc.WriteFrame(out, &types.Frame{Type: types.FrameError, ReqID: req.ReqID, Error: handleErr.Error()}); err != nil {
					return fmt.Errorf("failed to write error frame: %w", err)
				}
			} else {
				applyBaseInjection(resp, appName)
				if err := ipc.WriteFrame(out, &types.Frame{
					Type:    types.FrameResponse,
					ReqID:   resp.ReqID,
					Status:  resp.Status,
					Headers: resp.Headers,
					Body:    resp.Body,
				}); err != nil {
					return fmt.Errorf("failed to write response frame: %w", err)
				}
			}
			if err := out.Flush(); err != nil {
				return fmt.Errorf("failed to flush frame: %w", err)
			}

		default:
			logger.Warn("unexpected frame type from dispatcher", map[string]any{"type": string(frame.Type)})
		}
	}
}

// dispatchRequest serves the built-in /health liveness route (spec §4.3:
// "always responds 200 OK without invoking the app") before falling
// through to the app's own Provider. The pool itself never sends this
// request; the route answers any /health request the dispatcher forwards.
func dispatchRequest(provider Provider, req *types.WireRequest) (*types.WireResponse, error) {
	path := req.URL
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "/health" {
		return &types.WireResponse{ReqID: req.ReqID, Status: 200, Body: []byte("ok")}, nil
	}
	return provider.Handle(req)
}

// applyBaseInjection rewrites text/html responses to carry a <base> tag
// pointing at the app's mount path, so relative asset URLs resolve under
// /{app}/ in the browser (spec §4.3). A mutation performed here, not in
// the dispatcher, because only the Worker knows its own response body.
func applyBaseInjection(resp *types.WireResponse, appName string) {
	if appName == "" || resp == nil || len(resp.Body) == 0 {
		return
	}
	contentType := resp.Headers["content-type"]
	if !strings.HasPrefix(contentType, "text/html") {
		return
	}

	const marker = "<head>"
	idx := bytes.Index(resp.Body, []byte(marker))
	if idx < 0 {
		return
	}

	insertAt := idx + len(marker)
	baseTag := fmt.Sprintf(`<base href="/%s/" />`, appName)

	rewritten := make([]byte, 0, len(resp.Body)+len(baseTag))
	rewritten = append(rewritten, resp.Body[:insertAt]...)
	rewritten = append(rewritten, []byte(baseTag)...)
	rewritten = append(rewritten, resp.Body[insertAt:]...)
	resp.Body = rewritten
}
