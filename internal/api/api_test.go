package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/adapter/claudeline"
	"github.com/agentmoor/moor/internal/adapter/partstream"
	"github.com/agentmoor/moor/internal/host"
	"github.com/agentmoor/moor/internal/hub"
	"github.com/agentmoor/moor/internal/persist"
	"github.com/agentmoor/moor/internal/profile"
	"github.com/agentmoor/moor/internal/sandbox"
)

const agentOutput = `{"type":"assistant","uuid":"u1","timestamp":"2024-05-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"text","text":"hi there"}]}}
{"type":"result","subtype":"success","result":"done","duration_ms":500}
`

type stubExecStream struct {
	stdout io.Reader
	stderr io.Reader
}

func (s *stubExecStream) Stdout() io.Reader { return s.stdout }
func (s *stubExecStream) Stderr() io.Reader { return s.stderr }

func (s *stubExecStream) Wait(ctx context.Context) (int, error) { return 0, nil }
func (s *stubExecStream) Close() error                          { return nil }

type stubSandbox struct {
	id string
}

func (s *stubSandbox) ID() string           { return s.id }
func (s *stubSandbox) WorkspaceDir() string { return "" }

func (s *stubSandbox) Exec(ctx context.Context, cmd []string, env map[string]string) (sandbox.ExecStream, error) {
	return &stubExecStream{
		stdout: strings.NewReader(agentOutput),
		stderr: strings.NewReader(""),
	}, nil
}

func (s *stubSandbox) IsRunning(ctx context.Context) (bool, error) { return true, nil }

func (s *stubSandbox) Terminate(ctx context.Context) error { return nil }

type stubProvider struct{}

func (p *stubProvider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	return &stubSandbox{id: "box-" + spec.SessionID}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *host.Host) {
	t.Helper()

	dir := t.TempDir()
	store, err := persist.NewSQLite(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	adapters := adapter.NewRegistry()
	adapters.Register(claudeline.Architecture, func() adapter.Converter { return claudeline.New() })
	adapters.Register(partstream.Architecture, func() adapter.Converter { return partstream.New() })

	profiles := profile.NewRegistry(profile.Defaults("agent:test")...)
	wsHub := hub.New()
	sessions := host.New(adapters, profiles, &stubProvider{}, store, wsHub, dir)
	t.Cleanup(func() { _ = sessions.Shutdown(context.Background()) })

	r := chi.NewRouter()
	NewHandler(sessions, store, wsHub, "").RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sessions
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp, decoded
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestCreateSessionEndpoint(t *testing.T) {
	t.Parallel()
	srv, sessions := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"sessionId":             "s1",
		"agentProfileReference": "claude",
		"files":                 map[string]string{"main.go": "package main\n"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "s1", body["sessionId"])
	require.Equal(t, claudeline.Architecture, body["architecture"])
	require.NotNil(t, sessions.GetSession("s1"))
}

func TestCreateSessionRequiresProfile(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/sessions/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueryEndpointRunsInBackground(t *testing.T) {
	t.Parallel()
	srv, sessions := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"sessionId":             "s1",
		"agentProfileReference": "claude",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/s1/query", map[string]any{
		"query": "say hi",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "running", body["status"])

	require.Eventually(t, func() bool {
		s := sessions.GetSession("s1")
		return s != nil && len(s.State().Blocks) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueryEndpointValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/ghost/query", map[string]any{"query": "hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"sessionId":             "s1",
		"agentProfileReference": "claude",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/sessions/s1/query", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSessionsReportsLoaded(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"sessionId":             "s1",
		"agentProfileReference": "claude",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var summaries []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, "s1", summaries[0]["sessionId"])
	require.Equal(t, true, summaries[0]["loaded"])
}

func TestUpdateOptionsEndpoint(t *testing.T) {
	t.Parallel()
	srv, sessions := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"sessionId":             "s1",
		"agentProfileReference": "claude",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/sessions/s1/options", map[string]any{
		"sessionOptions": map[string]any{"model": "sonnet"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]any{"model": "sonnet"}, sessions.GetSession("s1").Options())
}

func TestDeleteSessionEndpoint(t *testing.T) {
	t.Parallel()
	srv, sessions := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"sessionId":             "s1",
		"agentProfileReference": "claude",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, sessions.GetSession("s1"))

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/sessions/s1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObserveStreamsSnapshotThenEvents(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"sessionId":             "s1",
		"agentProfileReference": "claude",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/s1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var first map[string]any
	require.NoError(t, json.Unmarshal(data, &first))
	require.Equal(t, "snapshot", first["type"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/sessions/s1/query", map[string]any{
		"query": "say hi",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The user block is the first live frame.
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "block:upsert", frame["type"])
}
