package httpout

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/modules/modtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	p       *modtest.Pipeline
	capture *modtest.FakeCapture
	server  *Server
	client  *http.Client
	base    string
}

// start runs the fake capture module and one http output with extra args.
func start(t *testing.T, args string) *harness {
	t.Helper()

	p := modtest.New(t)
	h := &harness{
		p:       p,
		capture: p.WithFakeCapture(t),
		client:  &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 10 * time.Second},
	}
	p.Register(t, host.RoleDelivery, Name, func() host.Module {
		h.server = &Server{}
		return h.server
	})
	require.NoError(t, p.Start(modtest.FakeCaptureName, "http --port 0 --listen 127.0.0.1 "+args))
	h.base = "http://" + h.server.Addr().String()
	return h
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.client.Get(h.base + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) post(t *testing.T, path, body string) (int, string) {
	t.Helper()
	resp, err := h.client.Post(h.base+path, "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	h := start(t, "")
	gen := h.capture.Publish(t, []byte("jpeg-1"))

	resp := h.get(t, "/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, strconv.FormatUint(gen, 10), resp.Header.Get("X-Generation"))
	assert.NotEmpty(t, resp.Header.Get("X-Timestamp"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-1", string(body))
}

func TestSnapshotWaitsForFirstFrame(t *testing.T) {
	t.Parallel()

	h := start(t, "")
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.capture.Publish(t, []byte("late"))
	}()

	resp := h.get(t, "/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "late", string(body))
}

func TestStreamDeliversFramesUntilShutdown(t *testing.T) {
	t.Parallel()

	h := start(t, "")
	h.capture.Publish(t, []byte("frame-1"))

	resp := h.get(t, "/stream")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace;boundary="+boundary, resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Session-Id"))

	mr := multipart.NewReader(resp.Body, boundary)
	readPart := func() string {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "frame-1", readPart())

	h.capture.Publish(t, []byte("frame-2"))
	assert.Equal(t, "frame-2", readPart())

	out, err := h.p.State.Command("http", "sessions")
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	assert.Equal(t, 0, h.p.Shutdown())
	_, err = mr.NextPart()
	require.Error(t, err, "stream ends on shutdown")
}

func TestWebSocket(t *testing.T) {
	t.Parallel()

	h := start(t, "")
	h.capture.Publish(t, []byte("ws-1"))

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+h.server.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, "ws-1", string(data))

	h.capture.Publish(t, []byte("ws-2"))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ws-2", string(data))

	h.p.Shutdown()
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	h := start(t, "")
	h.capture.Publish(t, []byte("abc"))

	resp := h.get(t, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "http#0", st.Output)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, 3, st.FrameSize)
	assert.Equal(t, 1, st.Outputs)
	require.Len(t, st.Modules, 2)
	assert.Equal(t, modtest.FakeCaptureName, st.Modules[0].Name)
	assert.Equal(t, "running", st.Modules[1].State)
	assert.Positive(t, st.Process.PID)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	h := start(t, "")
	h.capture.Publish(t, []byte("abc"))

	resp := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "framecast_frames_published_total 1")
}

func TestCommandEndpoint(t *testing.T) {
	t.Parallel()

	h := start(t, "")

	code, body := h.post(t, "/command/http", "status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "sessions=0")

	code, _ = h.post(t, "/command/http", "explode")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.post(t, "/command/"+modtest.FakeCaptureName, "anything")
	assert.Equal(t, http.StatusBadRequest, code, "fake capture has no Cmd")

	code, _ = h.post(t, "/command/missing", "x")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.post(t, "/command/http", strings.Repeat("x", maxCommandSize+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	h := start(t, "--credentials admin:secret")

	resp := h.get(t, "/status")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.base+"/status", http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	authed, err := h.client.Do(req)
	require.NoError(t, err)
	defer func() { _ = authed.Body.Close() }()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestIndex(t *testing.T) {
	t.Parallel()

	h := start(t, "")
	resp := h.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/stream")
}

func TestPortInUseFailsInit(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	p := modtest.New(t)
	p.WithFakeCapture(t)
	p.Register(t, host.RoleDelivery, Name, New)
	err = p.Start(modtest.FakeCaptureName, fmt.Sprintf("http --listen 127.0.0.1 --port %d", port))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork), "got %v", err)
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()

	for _, args := range []string{
		"--port 70000",
		"--credentials nocolon",
		"--credentials :pw",
		"--session-ttl 0s",
	} {
		t.Run(args, func(t *testing.T) {
			t.Parallel()
			p := modtest.New(t)
			p.WithFakeCapture(t)
			p.Register(t, host.RoleDelivery, Name, New)
			err := p.Start(modtest.FakeCaptureName, "http --port 0 "+args)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "got %v", err)
		})
	}
}

func TestSessionStore(t *testing.T) {
	t.Parallel()

	st := newSessionStore(time.Hour)
	a := st.open("stream", "10.0.0.1")
	b := st.open("websocket", "10.0.0.2")
	b.frames.Add(3)
	assert.Equal(t, 2, st.active())

	st.close(a)
	assert.Equal(t, 1, st.active())

	list := st.list()
	require.Len(t, list, 2)
	byID := map[string]sessionInfo{list[0].ID: list[0], list[1].ID: list[1]}
	assert.False(t, byID[a.id].Ended.IsZero())
	assert.True(t, byID[b.id].Ended.IsZero())
	assert.Equal(t, uint64(3), byID[b.id].Frames)
}

func TestBasicAuthCredentialsFromEnvironment(t *testing.T) {
	t.Setenv("FRAMECAST_TEST_CREDENTIALS", "viewer:s3cret")

	h := start(t, "--credentials ${FRAMECAST_TEST_CREDENTIALS}")

	req, err := http.NewRequest(http.MethodGet, h.base+"/status", http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("viewer", "s3cret")
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	for _, m := range status.Modules {
		assert.NotContains(t, m.Args, "FRAMECAST_TEST_CREDENTIALS")
	}
}
