package debug

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/coroutine-mcp/debug"
	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/fakeproc"
)

type fakeSession struct {
	id   string
	addr string
	proc *fakeproc.Process
}

func (s *fakeSession) GetID() string                  { return s.id }
func (s *fakeSession) Addr() string                   { return s.addr }
func (s *fakeSession) Process() common.Process        { return s.proc }
func (s *fakeSession) Guard() *common.SuspendGuard    { return s.proc.Guard() }
func (s *fakeSession) Sync(ctx context.Context) error { return nil }
func (s *fakeSession) Close() error                   { return nil }

func newServer(t *testing.T, proc *fakeproc.Process) *server.MCPServer {
	t.Helper()
	sm := debug.NewSessionManager(debug.Options{
		Dialer: func(ctx context.Context, transport string, id string, addr string, opts debug.DialOptions) (common.Session, error) {
			return &fakeSession{id: id, addr: addr, proc: proc}, nil
		},
	})
	t.Cleanup(sm.Close)

	s := server.NewMCPServer("Test Server", "1.0.0")
	RegisterTools(s, sm)
	return s
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func (r toolResult) text() string {
	if len(r.Content) == 0 {
		return ""
	}
	return r.Content[0].Text
}

var reqID int

func send(t *testing.T, s *server.MCPServer, method string, params interface{}) json.RawMessage {
	t.Helper()
	reqID++
	req := map[string]interface{}{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"id":      reqID,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	reqJSON, err := json.Marshal(req)
	require.NoError(t, err, "Failed to marshal request")

	resp := s.HandleMessage(context.Background(), reqJSON)
	jsonResp, ok := resp.(mcp.JSONRPCResponse)
	require.True(t, ok, "Unexpected response type: %T", resp)

	result, err := json.Marshal(jsonResp.Result)
	require.NoError(t, err, "Failed to marshal result")
	return result
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]interface{}) toolResult {
	t.Helper()
	raw := send(t, s, "tools/call", map[string]interface{}{"name": name, "arguments": args})
	var result toolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

func TestToolsRegistration(t *testing.T) {
	s := newServer(t, fakeproc.New())
	raw := send(t, s, "tools/list", nil)

	var result struct {
		Tools []struct {
			Name        string                 `json:"name"`
			InputSchema map[string]interface{} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &result), "Failed to unmarshal tools")

	names := make(map[string]map[string]interface{})
	for _, tool := range result.Tools {
		names[tool.Name] = tool.InputSchema
	}
	for _, name := range []string{"attach_session", "detach_session", "list_sessions", "dump_coroutines", "coroutine_scope", "mark_resumed", "mark_suspended"} {
		assert.Contains(t, names, name)
	}

	// the transport parameter offers exactly the supported transports
	properties, ok := names["attach_session"]["properties"].(map[string]interface{})
	require.True(t, ok, "Failed to get properties from schema")
	transport, ok := properties["transport"].(map[string]interface{})
	require.True(t, ok, "transport property not found in schema")
	assert.ElementsMatch(t, []interface{}{"headless", "dap"}, transport["enum"])
}

var sessionIDPattern = regexp.MustCompile(`session-[0-9a-f-]+`)

func TestDumpFlow(t *testing.T) {
	proc := fakeproc.New()
	k := fakeproc.NewKotlin(proc, fakeproc.KotlinOptions{Probes: true, Bulk: true, PerObject: true})
	id := int64(12)
	name := "loader"
	cont := k.Continuation("demo.MainKt$load$1", &common.SymbolicFrame{ClassName: "demo.MainKt", MethodName: "load", FileName: "Main.kt", Line: 40},
		fakeproc.Spill{Field: "L$0", Variable: "url", Value: common.StringValue("https://example.com")},
	)
	job := k.Job(true)
	k.Link(cont, common.ObjectValue(job))
	k.SetContext(cont, common.ObjectValue(k.Context(common.ObjectValue(job), name, "Dispatchers.IO")))
	k.AddCoroutine(fakeproc.Coroutine{Name: &name, ID: &id, State: "SUSPENDED", Frame: common.ObjectValue(cont)})

	s := newServer(t, proc)

	attached := callTool(t, s, "attach_session", map[string]interface{}{"addr": "127.0.0.1:5006"})
	require.False(t, attached.IsError, attached.text())
	sessionID := sessionIDPattern.FindString(attached.text())
	require.NotEmpty(t, sessionID)

	listed := callTool(t, s, "list_sessions", nil)
	assert.Contains(t, listed.text(), sessionID)
	assert.Contains(t, listed.text(), "State: suspended")

	scope := callTool(t, s, "coroutine_scope", map[string]interface{}{"session_id": sessionID, "coroutine_id": 12})
	assert.True(t, scope.IsError, "scope before any dump")

	dump := callTool(t, s, "dump_coroutines", map[string]interface{}{"session_id": sessionID, "include_frames": true})
	require.False(t, dump.IsError, dump.text())
	assert.Contains(t, dump.text(), `Coroutine "loader#12", state: SUSPENDED`)
	assert.Contains(t, dump.text(), "\tat demo.MainKt.load(Main.kt:40)\n")
	assert.Contains(t, dump.text(), "\t\turl (L$0)\n")

	scope = callTool(t, s, "coroutine_scope", map[string]interface{}{"session_id": sessionID, "coroutine_id": 12})
	require.False(t, scope.IsError, scope.text())
	assert.Contains(t, scope.text(), "runs in scope "+job.String())

	resumed := callTool(t, s, "mark_resumed", map[string]interface{}{"session_id": sessionID})
	require.False(t, resumed.IsError)
	dump = callTool(t, s, "dump_coroutines", map[string]interface{}{"session_id": sessionID})
	assert.True(t, dump.IsError)
	assert.Contains(t, dump.text(), "No coroutine information available")

	callTool(t, s, "mark_suspended", map[string]interface{}{"session_id": sessionID})
	dump = callTool(t, s, "dump_coroutines", map[string]interface{}{"session_id": sessionID})
	assert.False(t, dump.IsError, dump.text())

	detached := callTool(t, s, "detach_session", map[string]interface{}{"session_id": sessionID})
	require.False(t, detached.IsError)
	assert.Equal(t, "No active sessions", callTool(t, s, "list_sessions", nil).text())
}

func TestUnknownSession(t *testing.T) {
	s := newServer(t, fakeproc.New())
	for _, tool := range []string{"dump_coroutines", "mark_resumed", "mark_suspended", "detach_session"} {
		result := callTool(t, s, tool, map[string]interface{}{"session_id": "session-nope"})
		assert.True(t, result.IsError, tool)
		assert.Contains(t, result.text(), "session not found", tool)
	}
}

func TestAttachInvalidArgs(t *testing.T) {
	s := newServer(t, fakeproc.New())
	result := callTool(t, s, "attach_session", map[string]interface{}{"addr": "x", "transport": "dap", "attach_args": "{"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.text(), "Invalid attach_args")
}
