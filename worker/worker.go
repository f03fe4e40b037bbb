package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/buntimehq/buntime/iox"
	"github.com/buntimehq/buntime/ipc"
	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/types"
)

// pendingCall is one in-flight request awaiting its RESPONSE/ERROR frame.
type pendingCall struct {
	resp chan *types.WireResponse
	err  chan error
}

// Worker is the dispatcher-side handle to one spawned subprocess: one
// running app version, serving at most one request at a time (spec §3,
// §4.3).
type Worker struct {
	Key     string // pool key name@version, e.g. "hello@1.2.0"
	AppName string
	Version string

	cfg    *types.WorkerConfig
	logger *log.SugaredLogger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu           sync.Mutex
	state        types.WorkerState
	spawnedAt    time.Time
	lastActiveAt time.Time
	requestCount int64

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	readLoopDone chan struct{}
	crashed      chan error // receives the read loop's error (at most once) if it dies unexpectedly
}

// Spawn starts the subprocess for appDir under binPath (the runtime's own
// binary, re-exec'd in worker mode per spec §6's WORKER_BIN convention),
// writes its startup bindings via environment variables, and blocks until
// the Worker's READY frame arrives or ctx is done.
func Spawn(ctx context.Context, binPath, appDir, appName, version string, cfg *types.WorkerConfig, logger *log.Logger) (*Worker, error) {
	cmd := exec.CommandContext(ctx, binPath, "__worker")
	cmd.Env = append(os.Environ(),
		"BUNTIME_WORKER_MODE=1",
		"BUNTIME_APP_DIR="+appDir,
		"BUNTIME_APP_NAME="+appName,
		"BUNTIME_APP_VERSION="+version,
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, types.WrapError(types.ErrorKindWorkerSpawnFailed, "failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.WrapError(types.ErrorKindWorkerSpawnFailed, "failed to open stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, types.WrapError(types.ErrorKindWorkerSpawnFailed, "failed to start worker process", err)
	}

	key := types.AppKey{Name: appName, Selector: version}.String()
	w, err := attach(ctx, key, appName, version, cfg, stdin, stdout, logger.With(map[string]any{"worker_key": appDir}))
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	w.cmd = cmd
	return w, nil
}

// Attach wires a Worker handle to an already-open request/response pipe
// pair without spawning a subprocess — the transport-agnostic half of
// Spawn, useful for non-os/exec transports and for tests that stand in a
// fake peer on the other end of the pipes.
func Attach(ctx context.Context, key, appName, version string, cfg *types.WorkerConfig, stdin io.WriteCloser, stdout io.ReadCloser, logger *log.Logger) (*Worker, error) {
	return attach(ctx, key, appName, version, cfg, stdin, stdout, logger)
}

func attach(ctx context.Context, key, appName, version string, cfg *types.WorkerConfig, stdin io.WriteCloser, stdout io.ReadCloser, logger *log.Logger) (*Worker, error) {
	w := &Worker{
		Key:          key,
		AppName:      appName,
		Version:      version,
		cfg:          cfg,
		logger:       logger.Sugar(),
		cmd:          &exec.Cmd{},
		stdin:        stdin,
		stdout:       stdout,
		state:        types.WorkerSpawning,
		spawnedAt:    time.Now(),
		lastActiveAt: time.Now(),
		pending:      make(map[string]*pendingCall),
		readLoopDone: make(chan struct{}),
		crashed:      make(chan error, 1),
	}

	ready := make(chan error, 1)
	go w.readLoop(ready)

	select {
	case err := <-ready:
		if err != nil {
			_ = w.Kill()
			return nil, types.WrapError(types.ErrorKindWorkerSpawnFailed, "worker failed to become ready", err)
		}
	case <-ctx.Done():
		_ = w.Kill()
		return nil, types.WrapError(types.ErrorKindWorkerTimeout, "worker spawn timed out", ctx.Err())
	}

	w.mu.Lock()
	w.state = types.WorkerReady
	w.mu.Unlock()

	return w, nil
}

// readLoop pumps frames off the subprocess's stdout for the lifetime of the
// Worker, dispatching RESPONSE/ERROR frames to their waiting caller and
// signaling readiness on the first READY frame. Grounded on the teacher's
// executor read-loop shape (runtime/browser_reuse.go): one goroutine owns
// the read side of the pipe so request/response correlation never races.
func (w *Worker) readLoop(ready chan<- error) {
	defer close(w.readLoopDone)

	decoder := ipc.NewFrameDecoder(bufio.NewReader(w.stdout))
	signaledReady := false

	for {
		frame, err := decoder.ReadFrame()
		if err != nil {
			if !signaledReady {
				ready <- err
			}
			w.failAllPending(fmt.Errorf("worker closed connection: %w", err))
			select {
			case w.crashed <- err:
			default:
			}
			return
		}

		switch frame.Type {
		case types.FrameReady:
			if !signaledReady {
				signaledReady = true
				ready <- nil
			}
		case types.FrameResponse:
			w.resolve(frame.ReqID, &types.WireResponse{
				ReqID:   frame.ReqID,
				Status:  frame.Status,
				Headers: frame.Headers,
				Body:    frame.Body,
			}, nil)
		case types.FrameError:
			w.resolve(frame.ReqID, nil, fmt.Errorf("%s", frame.Error))
		default:
			w.logger.Warnf("unexpected frame type from worker: %s", frame.Type)
		}
	}
}

func (w *Worker) resolve(reqID string, resp *types.WireResponse, err error) {
	w.pendingMu.Lock()
	call, ok := w.pending[reqID]
	if ok {
		delete(w.pending, reqID)
	}
	w.pendingMu.Unlock()

	if !ok {
		return
	}
	if err != nil {
		call.err <- err
		return
	}
	call.resp <- resp
}

func (w *Worker) failAllPending(err error) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for reqID, call := range w.pending {
		call.err <- err
		delete(w.pending, reqID)
	}
}

// Dispatch sends req to the Worker and blocks for its response, respecting
// ctx and the app's configured per-request timeout (spec §4.3, §8 S...
// request timeout scenario). At most one Dispatch call is ever in flight
// per Worker; the pool enforces that invariant (spec §3).
func (w *Worker) Dispatch(ctx context.Context, req *types.WireRequest) (*types.WireResponse, error) {
	w.mu.Lock()
	w.state = types.WorkerBusy
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.state = types.WorkerReady
		w.lastActiveAt = time.Now()
		w.requestCount++
		w.mu.Unlock()
	}()

	call := &pendingCall{resp: make(chan *types.WireResponse, 1), err: make(chan error, 1)}
	w.pendingMu.Lock()
	w.pending[req.ReqID] = call
	w.pendingMu.Unlock()

	timeout := time.Duration(w.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame := &types.Frame{
		Type:    types.FrameRequest,
		ReqID:   req.ReqID,
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Body:    req.Body,
	}
	// The write runs beside the wait, so a peer that stops reading its input
	// cannot hold this call past ctx or the per-request timeout.
	writeErr := make(chan error, 1)
	go func() { writeErr <- ipc.WriteFrame(w.stdin, frame) }()

	for {
		select {
		case err := <-writeErr:
			if err != nil {
				w.pendingMu.Lock()
				delete(w.pending, req.ReqID)
				w.pendingMu.Unlock()
				return nil, types.WrapError(types.ErrorKindWorkerCrashed, "failed to write request frame", err)
			}
			writeErr = nil
		case resp := <-call.resp:
			return resp, nil
		case err := <-call.err:
			return nil, types.WrapError(types.ErrorKindWorkerCrashed, "worker returned an error", err)
		case <-reqCtx.Done():
			w.pendingMu.Lock()
			delete(w.pending, req.ReqID)
			w.pendingMu.Unlock()
			return nil, types.WrapError(types.ErrorKindWorkerTimeout, "worker did not respond in time", reqCtx.Err())
		case err := <-w.crashed:
			return nil, types.WrapError(types.ErrorKindWorkerCrashed, "worker process exited", err)
		}
	}
}

// Idle sends the advisory IDLE frame (spec §3, §4.3). The worker side takes
// no action on it; idle/TTL/max-request limits are enforced by the pool.
func (w *Worker) Idle() error {
	return ipc.WriteFrame(w.stdin, &types.Frame{Type: types.FrameIdle})
}

// Drain asks the Worker to shut down gracefully: it sends TERMINATE and
// waits up to grace for the process to exit before escalating to Kill.
func (w *Worker) Drain(grace time.Duration) error {
	w.mu.Lock()
	w.state = types.WorkerDraining
	w.mu.Unlock()

	_ = ipc.WriteFrame(w.stdin, &types.Frame{Type: types.FrameTerminate})

	select {
	case <-w.readLoopDone:
	case <-time.After(grace):
		return w.Kill()
	}

	w.mu.Lock()
	w.state = types.WorkerTerminated
	w.mu.Unlock()
	return nil
}

// Kill forcibly terminates the subprocess (spec §3: "forceful kill" after a
// grace period elapses without exit") and releases its pipes. Close errors
// on an already-dead process are unactionable, so the pipes are closed via
// iox.DiscardClose rather than propagated.
func (w *Worker) Kill() error {
	w.mu.Lock()
	w.state = types.WorkerTerminated
	w.mu.Unlock()

	defer iox.DiscardClose(w.stdin)
	defer iox.DiscardClose(w.stdout)

	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

// Snapshot returns a point-in-time view of this Worker's counters, safe to
// read outside the pool's lock (spec §3.1).
func (w *Worker) Snapshot() types.WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	return types.WorkerSnapshot{
		Key:          w.Key,
		AppName:      w.AppName,
		Version:      w.Version,
		State:        w.state,
		Age:          time.Since(w.spawnedAt),
		Idle:         time.Since(w.lastActiveAt),
		RequestCount: w.requestCount,
	}
}

// State returns the Worker's current lifecycle state.
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// RequestCount returns the number of requests served so far.
func (w *Worker) RequestCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requestCount
}

// IdleSince returns how long the Worker has gone without serving a request.
func (w *Worker) IdleSince() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastActiveAt)
}

// Age returns how long the Worker has been alive.
func (w *Worker) Age() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.spawnedAt)
}
