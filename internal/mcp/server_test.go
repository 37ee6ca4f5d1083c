package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("test", "0.1.0", WithInstructions("call heartbeat often"))
	t.Cleanup(s.Close)

	s.RegisterTool(Tool{
		Name:        "echo",
		Description: "Echo the input back.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"text": {Type: "string"},
			},
			Required: []string{"text"},
		},
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		if p.Text == "explode" {
			return nil, errors.New("kaboom")
		}
		return SuccessResult(p.Text), nil
	})

	s.RegisterResources(
		[]Resource{{URI: "project://state", Name: "Project state"}},
		[]ResourceTemplate{{URITemplate: "project://messages/{role}", Name: "Messages"}},
		func(ctx context.Context, uri string) (*ReadResourceResult, error) {
			if uri == "project://state" {
				return JSONResource(uri, map[string]string{"phase": "running"})
			}
			return nil, nil
		},
	)
	return s
}

func call(t *testing.T, s *Server, conn *Conn, id int, method string, params any) *Response {
	t.Helper()
	req := map[string]any{"jsonrpc": JSONRPCVersion, "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	raw := s.HandleMessage(context.Background(), conn, body)
	require.NotNil(t, raw)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func initialize(t *testing.T, s *Server, conn *Conn) {
	t.Helper()
	resp := call(t, s, conn, 1, "initialize", InitializeParams{ProtocolVersion: ProtocolVersion})
	require.Nil(t, resp.Error)
	notif := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Nil(t, s.HandleMessage(context.Background(), conn, notif))
	require.True(t, conn.Initialized())
}

func TestInitializeHandshake(t *testing.T) {
	s := newTestServer(t)
	conn := NewConn()

	resp := call(t, s, conn, 1, "initialize", InitializeParams{ProtocolVersion: ProtocolVersion})
	require.Nil(t, resp.Error)

	var result InitializeResult
	remarshal(t, resp.Result, &result)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test", result.ServerInfo.Name)
	assert.Equal(t, "call heartbeat often", result.Instructions)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.NotNil(t, result.Capabilities.Resources)

	// The gate opens only after the initialized notification.
	assert.False(t, conn.Initialized())
}

func TestRequestsBeforeInitializeAreRejected(t *testing.T) {
	s := newTestServer(t)
	conn := NewConn()

	for _, method := range []string{"tools/list", "tools/call", "resources/list", "resources/read"} {
		resp := call(t, s, conn, 2, method, nil)
		require.NotNil(t, resp.Error, "expected %s to be gated", method)
		assert.Equal(t, ErrCodeNotInitialized, resp.Error.Code)
	}

	// ping is exempt from the gate.
	resp := call(t, s, conn, 3, "ping", nil)
	assert.Nil(t, resp.Error)
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t)
	conn := NewConn()
	initialize(t, s, conn)

	resp := call(t, s, conn, 2, "tools/list", nil)
	require.Nil(t, resp.Error)

	var result ToolsListResult
	remarshal(t, resp.Result, &result)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
}

func TestToolsCall(t *testing.T) {
	s := newTestServer(t)
	conn := NewConn()
	initialize(t, s, conn)

	t.Run("success", func(t *testing.T) {
		resp := call(t, s, conn, 3, "tools/call", ToolCallParams{
			Name: "echo", Arguments: json.RawMessage(`{"text":"hello"}`),
		})
		require.Nil(t, resp.Error)
		var result ToolCallResult
		remarshal(t, resp.Result, &result)
		assert.False(t, result.IsError)
		require.Len(t, result.Content, 1)
		assert.Equal(t, "hello", result.Content[0].Text)
	})

	t.Run("handler error becomes tool result", func(t *testing.T) {
		resp := call(t, s, conn, 4, "tools/call", ToolCallParams{
			Name: "echo", Arguments: json.RawMessage(`{"text":"explode"}`),
		})
		require.Nil(t, resp.Error)
		var result ToolCallResult
		remarshal(t, resp.Result, &result)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content[0].Text, "kaboom")
	})

	t.Run("unknown tool is an RPC error", func(t *testing.T) {
		resp := call(t, s, conn, 5, "tools/call", ToolCallParams{Name: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeToolNotFound, resp.Error.Code)
	})
}

func TestResources(t *testing.T) {
	s := newTestServer(t)
	conn := NewConn()
	initialize(t, s, conn)

	resp := call(t, s, conn, 2, "resources/list", nil)
	require.Nil(t, resp.Error)
	var list ResourcesListResult
	remarshal(t, resp.Result, &list)
	require.Len(t, list.Resources, 1)
	assert.Equal(t, "project://state", list.Resources[0].URI)

	resp = call(t, s, conn, 3, "resources/templates/list", nil)
	require.Nil(t, resp.Error)
	var templates ResourceTemplatesListResult
	remarshal(t, resp.Result, &templates)
	require.Len(t, templates.ResourceTemplates, 1)

	resp = call(t, s, conn, 4, "resources/read", ReadResourceParams{URI: "project://state"})
	require.Nil(t, resp.Error)
	var read ReadResourceResult
	remarshal(t, resp.Result, &read)
	require.Len(t, read.Contents, 1)
	assert.Contains(t, read.Contents[0].Text, "running")

	resp = call(t, s, conn, 5, "resources/read", ReadResourceParams{URI: "project://nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeResourceNotFound, resp.Error.Code)
}

func TestMalformedJSON(t *testing.T) {
	s := newTestServer(t)
	raw := s.HandleMessage(context.Background(), NewConn(), []byte(`{not json`))
	require.NotNil(t, raw)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	conn := NewConn()
	initialize(t, s, conn)

	resp := call(t, s, conn, 9, "bogus/method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestConnectionsAreGatedIndependently(t *testing.T) {
	s := newTestServer(t)
	ready := NewConn()
	initialize(t, s, ready)
	fresh := NewConn()

	resp := call(t, s, ready, 2, "tools/list", nil)
	assert.Nil(t, resp.Error)

	resp = call(t, s, fresh, 2, "tools/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotInitialized, resp.Error.Code)
}

// remarshal converts an any-typed Result back into a concrete type.
func remarshal(t *testing.T, from any, to any) {
	t.Helper()
	data, err := json.Marshal(from)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, to))
}

func TestRPCErrorError(t *testing.T) {
	err := NewToolNotFound("frobnicate")
	assert.Equal(t, fmt.Sprintf("RPC error %d: Unknown tool: frobnicate", ErrCodeToolNotFound), err.Error())
}
