package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/coroutine-mcp/debug"
)

// RegisterTools registers the coroutine debug tools with the MCP server
func RegisterTools(s *server.MCPServer, sessionManager *debug.SessionManager) {
	registerAttachSessionTool(s, sessionManager)
	registerDetachSessionTool(s, sessionManager)
	registerListSessionsTool(s, sessionManager)
	registerDumpCoroutinesTool(s, sessionManager)
	registerCoroutineScopeTool(s, sessionManager)
	registerMarkResumedTool(s, sessionManager)
	registerMarkSuspendedTool(s, sessionManager)
}

// registerAttachSessionTool registers the attach session tool
func registerAttachSessionTool(s *server.MCPServer, sessionManager *debug.SessionManager) {
	tool := mcp.NewTool("attach_session",
		mcp.WithDescription("Attach to a suspended JVM to inspect its Kotlin coroutines"),
		mcp.WithString("addr",
			mcp.Required(),
			mcp.Description("Address of the debug agent (headless) or the Java debug adapter (dap), e.g. 127.0.0.1:5006"),
		),
		mcp.WithString("transport",
			mcp.Description("Transport: 'headless' for the JSON-RPC debug agent, 'dap' for a Java debug adapter. Defaults to the configured transport"),
			mcp.Enum(debug.TransportHeadless, debug.TransportDAP),
		),
		mcp.WithString("attach_args",
			mcp.Description("JSON object passed as the DAP attach arguments, dap transport only"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		addr, _ := request.Params.Arguments["addr"].(string)
		transport, _ := request.Params.Arguments["transport"].(string)
		attachArgsJSON, _ := request.Params.Arguments["attach_args"].(string)

		var attachArgs map[string]interface{}
		if attachArgsJSON != "" {
			if err := json.Unmarshal([]byte(attachArgsJSON), &attachArgs); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Invalid attach_args: %v", err)), nil
			}
		}

		info, err := sessionManager.CreateSession(ctx, transport, addr, attachArgs)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to attach: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Session attached with ID: %s\nTransport: %s\nAddr: %s\nState: %s",
			info.ID, info.Transport, info.Addr, info.State)), nil
	})
}

// registerDetachSessionTool registers the detach session tool
func registerDetachSessionTool(s *server.MCPServer, sessionManager *debug.SessionManager) {
	tool := mcp.NewTool("detach_session",
		mcp.WithDescription("Detach from a target and release the session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the session to detach"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, _ := request.Params.Arguments["session_id"].(string)
		if err := sessionManager.TerminateSession(sessionID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to detach session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Session %s detached", sessionID)), nil
	})
}

// registerListSessionsTool registers the list sessions tool
func registerListSessionsTool(s *server.MCPServer, sessionManager *debug.SessionManager) {
	tool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List attached sessions"),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := sessionManager.ListSessions()
		if len(sessions) == 0 {
			return mcp.NewToolResultText("No active sessions"), nil
		}

		var b strings.Builder
		b.WriteString("Active sessions:\n\n")
		for _, session := range sessions {
			fmt.Fprintf(&b, "ID: %s\nTransport: %s\nAddr: %s\nState: %s\n\n",
				session.ID, session.Transport, session.Addr, session.State)
		}
		return mcp.NewToolResultText(b.String()), nil
	})
}

// registerDumpCoroutinesTool registers the dump coroutines tool
func registerDumpCoroutinesTool(s *server.MCPServer, sessionManager *debug.SessionManager) {
	tool := mcp.NewTool("dump_coroutines",
		mcp.WithDescription("Dump every coroutine of the suspended target with its state, dispatcher, creation stack and, optionally, its continuation frames"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the session"),
		),
		mcp.WithBoolean("include_frames",
			mcp.Description("Walk the continuation chain of every coroutine and list its frames and spilled variables"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, _ := request.Params.Arguments["session_id"].(string)
		includeFrames, _ := request.Params.Arguments["include_frames"].(bool)

		session, err := sessionManager.GetSession(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cache, text, err := session.Dump(ctx, includeFrames)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to dump coroutines: %v", err)), nil
		}
		if !cache.IsOk() {
			return mcp.NewToolResultError(text), nil
		}
		return mcp.NewToolResultText(text), nil
	})
}

// registerCoroutineScopeTool registers the coroutine scope tool
func registerCoroutineScopeTool(s *server.MCPServer, sessionManager *debug.SessionManager) {
	tool := mcp.NewTool("coroutine_scope",
		mcp.WithDescription("Find the CoroutineScope a coroutine of the last dump runs in"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the session"),
		),
		mcp.WithNumber("coroutine_id",
			mcp.Required(),
			mcp.Description("Coroutine id as shown by dump_coroutines after '#'"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, _ := request.Params.Arguments["session_id"].(string)
		coroutineID, ok := request.Params.Arguments["coroutine_id"].(float64)
		if !ok {
			return mcp.NewToolResultError("coroutine_id must be a number"), nil
		}

		session, err := sessionManager.GetSession(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		scope, found, err := session.Scope(ctx, int64(coroutineID))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to find scope: %v", err)), nil
		}
		if !found {
			return mcp.NewToolResultText(fmt.Sprintf("Coroutine %d has no recoverable scope", int64(coroutineID))), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Coroutine %d runs in scope %s", int64(coroutineID), scope)), nil
	})
}

// registerMarkResumedTool registers the mark resumed tool
func registerMarkResumedTool(s *server.MCPServer, sessionManager *debug.SessionManager) {
	tool := mcp.NewTool("mark_resumed",
		mcp.WithDescription("Record that the target was resumed outside this server. Handles from the current suspension become unusable"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the session"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, _ := request.Params.Arguments["session_id"].(string)
		session, err := sessionManager.GetSession(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		session.MarkResumed()
		return mcp.NewToolResultText(fmt.Sprintf("Session %s marked as running", sessionID)), nil
	})
}

// registerMarkSuspendedTool registers the mark suspended tool
func registerMarkSuspendedTool(s *server.MCPServer, sessionManager *debug.SessionManager) {
	tool := mcp.NewTool("mark_suspended",
		mcp.WithDescription("Record that the target was suspended again outside this server"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the session"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, _ := request.Params.Arguments["session_id"].(string)
		session, err := sessionManager.GetSession(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		session.MarkSuspended()
		return mcp.NewToolResultText(fmt.Sprintf("Session %s marked as suspended", sessionID)), nil
	})
}
