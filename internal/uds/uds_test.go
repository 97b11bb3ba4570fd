package uds

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sockDir keeps socket paths short enough for the 104-byte sun_path limit.
func sockDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "hd-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func setupTestServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := filepath.Join(sockDir(t), "t.sock")

	server := NewServer(sockPath, nil)
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func pong(context.Context, *Request) *Response {
	return SuccessResponse(map[string]string{"status": "pong"})
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := filepath.Join(sockDir(t), "f.sock")

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	// ~1MB document body
	raw := strings.Repeat("x", 1024*1024)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		if req.Command != CmdLint {
			t.Errorf("expected command %q, got %q", CmdLint, req.Command)
		}
		if req.ProtocolVersion != ProtocolVersion {
			t.Errorf("expected protocol_version %d, got %d", ProtocolVersion, req.ProtocolVersion)
		}
		var params LintParams
		if err := req.DecodeParams(&params); err != nil {
			t.Errorf("decode params: %v", err)
		}
		_ = WriteFrame(conn, SuccessResponse(map[string]int{"length": len(params.Raw)}))
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, err := NewRequest(CmdLint, LintParams{Raw: raw})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))

	var data map[string]int
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, len(raw), data["length"])
	<-done
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// length prefix only: 0xFFFFFFFF
		_, _ = client.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()

	var req Request
	err := ReadFrame(server, &req)
	if err == nil || !strings.Contains(err.Error(), "frame too large") {
		t.Fatalf("expected frame too large, got %v", err)
	}
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: CmdPing})
	require.NoError(t, err)

	if resp.Success {
		t.Error("expected failure for version mismatch")
	}
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client, _ := setupTestServer(t)
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("nonexistent", nil, nil)

	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail), "expected *ErrorDetail, got %v", err)
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
}

func TestHandleTyped_Submit(t *testing.T) {
	server, client, _ := setupTestServer(t)

	HandleTyped(server, CmdSubmit, func(_ context.Context, p SubmitParams) (SubmitResult, error) {
		if p.Doc["type"] == nil {
			return SubmitResult{}, Rejected("type: required")
		}
		if p.Doc["type"] == "explode" {
			return SubmitResult{}, errors.New("queue dir unwritable")
		}
		return SubmitResult{Entry: "scaffold_route_1771722000.yaml", Type: p.Doc["type"].(string)}, nil
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	got, err := client.Submit(SubmitParams{Doc: map[string]any{"type": "scaffold_route"}, Source: "cli"})
	require.NoError(t, err)
	assert.Equal(t, "scaffold_route", got.Type)
	assert.Equal(t, "scaffold_route_1771722000.yaml", got.Entry)

	_, err = client.Submit(SubmitParams{Doc: map[string]any{"name": "x"}})
	detail, ok := IsRejected(err)
	require.True(t, ok, "expected REJECTED, got %v", err)
	assert.Equal(t, []string{"type: required"}, detail.Details)

	_, err = client.Submit(SubmitParams{Doc: map[string]any{"type": "explode"}})
	var internal *ErrorDetail
	require.True(t, errors.As(err, &internal))
	assert.Equal(t, ErrCodeInternal, internal.Code)
	_, ok = IsRejected(err)
	assert.False(t, ok)
}

func TestHandleTyped_BadParams(t *testing.T) {
	server, client, _ := setupTestServer(t)
	HandleTyped(server, CmdLint, func(_ context.Context, p LintParams) (string, error) {
		return p.Raw, nil
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: ProtocolVersion, Command: CmdLint, Params: json.RawMessage(`["not", "an", "object"]`)})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeBadRequest, resp.Error.Code)
}

func TestClient_TypedCalls(t *testing.T) {
	server, client, _ := setupTestServer(t)
	var paused atomic.Bool
	HandleTyped(server, CmdPing, func(context.Context, struct{}) (PingResult, error) {
		return PingResult{Status: "ok", Pid: 99}, nil
	})
	HandleTyped(server, CmdPause, func(context.Context, struct{}) (ToggleResult, error) {
		changed := paused.CompareAndSwap(false, true)
		return ToggleResult{Paused: true, Changed: changed}, nil
	})
	shutdown := make(chan struct{}, 1)
	HandleTyped(server, CmdShutdown, func(context.Context, struct{}) (map[string]string, error) {
		shutdown <- struct{}{}
		return map[string]string{"status": "shutdown_accepted"}, nil
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	ping, err := client.Ping()
	require.NoError(t, err)
	assert.Equal(t, PingResult{Status: "ok", Pid: 99}, ping)

	res, err := client.Pause()
	require.NoError(t, err)
	assert.Equal(t, ToggleResult{Paused: true, Changed: true}, res)
	res, err = client.Pause()
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = client.Resume()
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)

	require.NoError(t, client.Shutdown())
	assert.Len(t, shutdown, 1)
}

func TestServer_HandlerSeesCancelledContextAfterStop(t *testing.T) {
	server, client, _ := setupTestServer(t)

	ctxs := make(chan context.Context, 1)
	server.Handle(CmdStatus, func(ctx context.Context, _ *Request) *Response {
		ctxs <- ctx
		return SuccessResponse(nil)
	})
	require.NoError(t, server.Start())

	require.NoError(t, client.Call(CmdStatus, nil, nil))
	ctx := <-ctxs
	assert.NoError(t, ctx.Err())

	server.Stop()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestServer_MultipleClients(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			var out map[string]string
			errs <- c.Call(CmdPing, nil, &out)
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
}

func TestServer_RecoversFromHandlerPanic(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdPause, func(context.Context, *Request) *Response {
		panic("boom")
	})
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call(CmdPause, nil, nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail), "expected *ErrorDetail, got %v", err)
	assert.Equal(t, ErrCodeInternal, detail.Code)

	assert.NoError(t, client.Call(CmdPing, nil, nil))
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(1 * time.Second)

	_, err := client.Ping()
	if err == nil {
		t.Fatal("expected error when daemon not running")
	}
	if !errors.Is(err, ErrDaemonUnavailable) {
		t.Errorf("expected daemon connection error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "heimdall daemon") {
		t.Errorf("expected hint about 'heimdall daemon', got: %v", err)
	}
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.SetConnTimeout(500 * time.Millisecond)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	// Connect but send nothing.
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(800 * time.Millisecond)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, readErr := conn.Read(buf); readErr == nil {
		t.Error("expected read error on timed-out connection, but read succeeded")
	}

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	if err := client.Call(CmdPing, nil, nil); err != nil {
		t.Fatalf("client after timeout: %v", err)
	}
}

func TestServer_SocketLifecycle(t *testing.T) {
	server, _, sockPath := setupTestServer(t)

	// stale socket file from a previous run
	require.NoError(t, os.WriteFile(sockPath, nil, 0o600))

	require.NoError(t, server.Start())

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected permissions 0600, got %04o", perm)
	}

	server.Stop()
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after stop")
	}
}

func TestResponseDecode(t *testing.T) {
	resp := ErrorResponse(ErrCodeInternal, "something failed")
	err := resp.Decode(nil)
	require.Error(t, err)
	assert.Equal(t, "INTERNAL_ERROR: something failed", err.Error())

	resp = SuccessResponse(map[string]int{"count": 42})
	var data map[string]int
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, 42, data["count"])

	resp = SuccessResponse(nil)
	assert.Nil(t, resp.Data)
	assert.NoError(t, resp.Decode(&data))

	var raw json.RawMessage
	assert.NoError(t, (&Response{Success: true, Data: json.RawMessage(`[1]`)}).Decode(&raw))
	assert.Equal(t, `[1]`, string(raw))
}
