package worker

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntimehq/buntime/ipc"
	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/types"
)

func TestServe_ReadyRequestResponseThenTerminate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hi.json"), []byte(`{"ok":true}`), 0o644))
	provider, err := Select(dir, &types.WorkerConfig{Entrypoint: "server.js"})
	require.NoError(t, err)

	dispatcherR, workerW := io.Pipe() // worker writes frames, dispatcher reads
	workerR, dispatcherW := io.Pipe() // dispatcher writes frames, worker reads

	done := make(chan error, 1)
	go func() { done <- serve(workerR, workerW, provider, "hello", log.New()) }()

	decoder := ipc.NewFrameDecoder(dispatcherR)
	ready, err := decoder.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, types.FrameReady, ready.Type)

	require.NoError(t, ipc.WriteFrame(dispatcherW, &types.Frame{Type: types.FrameRequest, ReqID: "1", Method: "GET", URL: "/hi.json"}))
	resp, err := decoder.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, types.FrameResponse, resp.Type)
	assert.Equal(t, 200, resp.Status)

	require.NoError(t, ipc.WriteFrame(dispatcherW, &types.Frame{Type: types.FrameTerminate}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after TERMINATE")
	}
}

func TestServe_HealthRouteBypassesProvider(t *testing.T) {
	dir := t.TempDir()
	provider, err := Select(dir, &types.WorkerConfig{})
	require.NoError(t, err)

	dispatcherR, workerW := io.Pipe()
	workerR, dispatcherW := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- serve(workerR, workerW, provider, "hello", log.New()) }()

	decoder := ipc.NewFrameDecoder(dispatcherR)
	_, err = decoder.ReadFrame() // READY
	require.NoError(t, err)

	require.NoError(t, ipc.WriteFrame(dispatcherW, &types.Frame{Type: types.FrameRequest, ReqID: "1", Method: "GET", URL: "/health"}))
	resp, err := decoder.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, types.FrameResponse, resp.Type)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok", string(resp.Body))

	require.NoError(t, ipc.WriteFrame(dispatcherW, &types.Frame{Type: types.FrameTerminate}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after TERMINATE")
	}
}

func TestRunAutoInstall_SkipsWithoutPackageJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, runAutoInstall(dir, log.New()))
}

func TestApplyBaseInjection_RewritesHTML(t *testing.T) {
	resp := &types.WireResponse{
		Status:  200,
		Headers: map[string]string{"content-type": "text/html; charset=utf-8"},
		Body:    []byte("<html><head><title>x</title></head><body></body></html>"),
	}
	applyBaseInjection(resp, "hello")
	assert.Contains(t, string(resp.Body), `<head><base href="/hello/" />`)
}

func TestApplyBaseInjection_SkipsNonHTML(t *testing.T) {
	resp := &types.WireResponse{
		Headers: map[string]string{"content-type": "application/json"},
		Body:    []byte(`{"ok":true}`),
	}
	original := string(resp.Body)
	applyBaseInjection(resp, "hello")
	assert.Equal(t, original, string(resp.Body))
}

func TestApplyBaseInjection_SkipsWhenAppNameEmpty(t *testing.T) {
	resp := &types.WireResponse{
		Headers: map[string]string{"content-type": "text/html"},
		Body:    []byte("<html><head></head></html>"),
	}
	original := string(resp.Body)
	applyBaseInjection(resp, "")
	assert.Equal(t, original, string(resp.Body))
}

func TestApplyBaseInjection_NoHeadTagLeavesBodyUnchanged(t *testing.T) {
	resp := &types.WireResponse{
		Headers: map[string]string{"content-type": "text/html"},
		Body:    []byte("<html><body>no head here</body></html>"),
	}
	original := string(resp.Body)
	applyBaseInjection(resp, "hello")
	assert.Equal(t, original, string(resp.Body))
}
