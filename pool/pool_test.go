package pool

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntimehq/buntime/ipc"
	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/metrics"
	"github.com/buntimehq/buntime/types"
	"github.com/buntimehq/buntime/worker"
)

// fakePeer spins up an in-memory peer that answers each frame with whatever
// responder returns, standing in for a real subprocess. Each frame is
// answered on its own goroutine, so the peer never serializes requests
// itself. newFakeSpawner wraps it in a closure matching pool.spawn.
func fakePeer(t *testing.T, stdinR io.ReadCloser, stdoutW io.WriteCloser, responder func(*types.Frame) *types.Frame) {
	t.Helper()
	go func() {
		decoder := ipc.NewFrameDecoder(stdinR)
		for {
			frame, err := decoder.ReadFrame()
			if err != nil {
				return
			}
			if frame.Type == types.FrameTerminate {
				return
			}
			go func(frame *types.Frame) {
				if resp := responder(frame); resp != nil {
					_ = ipc.WriteFrame(stdoutW, resp)
				}
			}(frame)
		}
	}()
}

func newFakeSpawner(t *testing.T, responder func(*types.Frame) *types.Frame) func(ctx context.Context, binPath, appDir, appName, version string, cfg *types.WorkerConfig, logger *log.Logger) (*worker.Worker, error) {
	return func(ctx context.Context, binPath, appDir, appName, version string, cfg *types.WorkerConfig, logger *log.Logger) (*worker.Worker, error) {
		stdinR, stdinW := io.Pipe()
		stdoutR, stdoutW := io.Pipe()

		go func() {
			_ = ipc.WriteFrame(stdoutW, &types.Frame{Type: types.FrameReady})
		}()
		fakePeer(t, stdinR, stdoutW, responder)

		key := appName + "@" + version
		return worker.Attach(ctx, key, appName, version, cfg, stdinW, stdoutR, logger)
	}
}

func echoResponder(frame *types.Frame) *types.Frame {
	if frame.Type != types.FrameRequest {
		return nil
	}
	return &types.Frame{Type: types.FrameResponse, ReqID: frame.ReqID, Status: 200, Body: []byte("ok")}
}

func TestPool_GetOrCreate_ReturnsSameWorkerForSameKey(t *testing.T) {
	p := New("buntime", 10, log.New(), metrics.NewCollector())
	p.spawn = newFakeSpawner(t, echoResponder)

	cfg := &types.WorkerConfig{TimeoutMs: 1000}
	w1, err := p.GetOrCreate(context.Background(), "/apps/hello/1.0.0", "hello", "1.0.0", cfg)
	require.NoError(t, err)
	w2, err := p.GetOrCreate(context.Background(), "/apps/hello/1.0.0", "hello", "1.0.0", cfg)
	require.NoError(t, err)
	assert.Same(t, w1, w2)
}

func TestPool_GetOrCreate_ConcurrentCallersShareOneSpawn(t *testing.T) {
	var spawnCount int32
	p := New("buntime", 10, log.New(), metrics.NewCollector())
	spawner := newFakeSpawner(t, echoResponder)
	p.spawn = func(ctx context.Context, binPath, appDir, appName, version string, cfg *types.WorkerConfig, logger *log.Logger) (*worker.Worker, error) {
		atomic.AddInt32(&spawnCount, 1)
		time.Sleep(20 * time.Millisecond)
		return spawner(ctx, binPath, appDir, appName, version, cfg, logger)
	}

	cfg := &types.WorkerConfig{TimeoutMs: 1000}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.GetOrCreate(context.Background(), "/apps/hello/1.0.0", "hello", "1.0.0", cfg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&spawnCount))
}

func TestPool_Dispatch_RoundTrip(t *testing.T) {
	p := New("buntime", 10, log.New(), metrics.NewCollector())
	p.spawn = newFakeSpawner(t, echoResponder)

	cfg := &types.WorkerConfig{TimeoutMs: 1000}
	resp, err := p.Dispatch(context.Background(), "/apps/hello/1.0.0", "hello", "1.0.0", cfg, &types.WireRequest{ReqID: "1", Method: "GET", URL: "/"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestPool_Dispatch_SerializesRequestsToSameWorker(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	responder := func(frame *types.Frame) *types.Frame {
		if frame.Type != types.FrameRequest {
			return nil
		}
		n := atomic.AddInt32(&concurrent, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return &types.Frame{Type: types.FrameResponse, ReqID: frame.ReqID, Status: 200}
	}

	p := New("buntime", 10, log.New(), metrics.NewCollector())
	p.spawn = newFakeSpawner(t, responder)

	cfg := &types.WorkerConfig{TimeoutMs: 2000}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Dispatch(context.Background(), "/apps/hello/1.0.0", "hello", "1.0.0", cfg, &types.WireRequest{ReqID: string(rune('a' + i)), Method: "GET", URL: "/"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&maxConcurrent))
}

func TestPool_Metrics_ReflectsLiveWorkers(t *testing.T) {
	p := New("buntime", 10, log.New(), metrics.NewCollector())
	p.spawn = newFakeSpawner(t, echoResponder)

	cfg := &types.WorkerConfig{TimeoutMs: 1000}
	_, err := p.GetOrCreate(context.Background(), "/apps/hello/1.0.0", "hello", "1.0.0", cfg)
	require.NoError(t, err)

	m := p.Metrics()
	assert.Equal(t, 1, m.IdleWorkers)
	assert.Len(t, m.Workers, 1)
}

func TestPool_EvictsLRUReadyWorkerAtCapacity(t *testing.T) {
	p := New("buntime", 1, log.New(), metrics.NewCollector())
	p.spawn = newFakeSpawner(t, echoResponder)

	cfg := &types.WorkerConfig{TimeoutMs: 1000}
	_, err := p.GetOrCreate(context.Background(), "/apps/a/1.0.0", "a", "1.0.0", cfg)
	require.NoError(t, err)
	_, err = p.GetOrCreate(context.Background(), "/apps/b/1.0.0", "b", "1.0.0", cfg)
	require.NoError(t, err)

	p.mu.Lock()
	_, aStillPresent := p.entries["a@1.0.0"]
	_, bPresent := p.entries["b@1.0.0"]
	p.mu.Unlock()

	assert.False(t, aStillPresent)
	assert.True(t, bPresent)
}

func TestPool_GetOrCreate_RejectsAfterShutdown(t *testing.T) {
	p := New("buntime", 10, log.New(), metrics.NewCollector())
	p.spawn = newFakeSpawner(t, echoResponder)

	require.NoError(t, p.Shutdown(context.Background(), time.Second))

	cfg := &types.WorkerConfig{TimeoutMs: 1000}
	_, err := p.GetOrCreate(context.Background(), "/apps/hello/1.0.0", "hello", "1.0.0", cfg)
	require.Error(t, err)

	var rtErr *types.RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, types.ErrorKindPoolShuttingDown, rtErr.Kind)
}
