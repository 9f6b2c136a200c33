package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalpana.dev/agent"
)

// scriptedStream replays a fixed chunk sequence.
type scriptedStream struct {
	chunks []agent.Chunk
	err    error
	i      int
}

func (s *scriptedStream) Next(ctx context.Context) (agent.Chunk, bool, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, true, nil
	}
	if s.err != nil {
		return agent.Chunk{}, false, s.err
	}
	return agent.Chunk{}, false, nil
}

func newTestServer(t *testing.T, streams StreamFactory) (*Server, *echo.Echo) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	srv := NewServer(Config{AgentID: "agent-1", WorkspaceDir: "/workspace"}, rdb, streams, nil)
	e := echo.New()
	srv.Register(e)
	return srv, e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "/workspace", body["workspace"])
}

func TestExecute(t *testing.T) {
	streams := func(ctx context.Context, req StreamRequest) (agent.ModelStream, error) {
		return &scriptedStream{chunks: []agent.Chunk{
			{Type: agent.EventTextDelta, Text: "done"},
			{Type: agent.EventToolCall, ToolCallID: "tc-1", ToolName: "readFile"},
			{Type: agent.EventToolResult, ToolCallID: "tc-1"},
		}}, nil
	}
	srv, e := newTestServer(t, streams)

	rec := doJSON(e, http.MethodPost, "/agent/execute", `{"task":"list files","apiKey":"sk-test"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.State.ToolCallsCount)

	history := srv.pub.History()
	require.Len(t, history, 2)
	assert.Equal(t, "list files", history[0].Content)
}

func TestExecuteValidation(t *testing.T) {
	_, e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodPost, "/agent/execute", `{"apiKey":"sk-test"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodPost, "/agent/execute", `{"task":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteProviderFailure(t *testing.T) {
	streams := func(ctx context.Context, req StreamRequest) (agent.ModelStream, error) {
		return &scriptedStream{err: &agent.ProviderError{StatusCode: 401}}, nil
	}
	_, e := newTestServer(t, streams)

	rec := doJSON(e, http.MethodPost, "/agent/execute", `{"task":"x","apiKey":"bad"}`)
	require.Equal(t, http.StatusOK, rec.Code, "a drained run responds 200 even on provider failure")

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid or expired API key", resp.Error)
}

func TestChatRequiresInitialized(t *testing.T) {
	_, e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodPost, "/agent/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatContinuesConversation(t *testing.T) {
	streams := func(ctx context.Context, req StreamRequest) (agent.ModelStream, error) {
		return &scriptedStream{chunks: []agent.Chunk{{Type: agent.EventTextDelta, Text: "reply"}}}, nil
	}
	srv, e := newTestServer(t, streams)

	rec := doJSON(e, http.MethodPost, "/agent/execute", `{"task":"first","apiKey":"sk"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodPost, "/agent/chat", `{"message":"second"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	history := srv.pub.History()
	require.Len(t, history, 4)
	assert.Equal(t, "second", history[2].Content)
}

func TestExecuteSeedsHistory(t *testing.T) {
	streams := func(ctx context.Context, req StreamRequest) (agent.ModelStream, error) {
		return &scriptedStream{}, nil
	}
	srv, e := newTestServer(t, streams)

	rec := doJSON(e, http.MethodPost, "/agent/execute",
		`{"task":"continue","apiKey":"sk","conversationHistory":[{"role":"user","content":"earlier"},{"role":"assistant","content":"ok"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	history := srv.pub.History()
	require.Len(t, history, 3)
	assert.Equal(t, "earlier", history[0].Content)
	assert.Equal(t, "continue", history[2].Content)
}

func TestStatus(t *testing.T) {
	streams := func(ctx context.Context, req StreamRequest) (agent.ModelStream, error) {
		return &scriptedStream{chunks: []agent.Chunk{{Type: agent.EventTextDelta, Text: "x"}}}, nil
	}
	_, e := newTestServer(t, streams)

	rec := doJSON(e, http.MethodGet, "/agent/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, false, status["initialized"])

	doJSON(e, http.MethodPost, "/agent/execute", `{"task":"x","apiKey":"sk"}`)

	rec = doJSON(e, http.MethodGet, "/agent/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["initialized"])
}

func TestCommandForwarding(t *testing.T) {
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req BridgeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": req.ID, "success": true, "data": "bridge reply",
		})
	}))
	defer bridge.Close()

	srv, e := newTestServer(t, nil)
	srv.bridge = NewBridgeClient(bridge.URL)

	rec := doJSON(e, http.MethodPost, "/command",
		`{"id":"1","type":"runCommand","payload":{"command":"git status"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "bridge reply", resp["data"])
}

func TestCommandWhitelistRejection(t *testing.T) {
	_, e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodPost, "/command",
		`{"id":"1","type":"runCommand","payload":{"command":"curl http://evil"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "Command not allowed", resp["error"])
}

func TestCommandPathContainment(t *testing.T) {
	_, e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodPost, "/command",
		`{"id":"1","type":"readFile","payload":{"path":"../etc/passwd"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["error"], "escapes the workspace")
}

func TestAllowedCommand(t *testing.T) {
	assert.True(t, AllowedCommand("ls -la"))
	assert.True(t, AllowedCommand("npm install"))
	assert.False(t, AllowedCommand("curl http://example.com"))
	assert.False(t, AllowedCommand(""))
	assert.False(t, AllowedCommand("sudo rm -rf /"))
}

func TestContainedPath(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		inside bool
	}{
		{"relative inside", "src/main.go", true},
		{"workspace root", "/workspace", true},
		{"absolute inside", "/workspace/pkg", true},
		{"dot dot escape", "../etc/passwd", false},
		{"absolute outside", "/etc/passwd", false},
		{"sneaky traversal", "src/../../root", false},
		{"prefix sibling", "/workspace2/file", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, inside := ContainedPath("/workspace", tt.path)
			assert.Equal(t, tt.inside, inside)
		})
	}
}
