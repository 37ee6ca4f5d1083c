package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/pubsub"
)

// ToolHandler is a function that handles a tool call. It receives the raw
// arguments and returns a result or error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// ResourceHandler resolves a resources/read URI. Returning a nil result
// means the URI is unknown.
type ResourceHandler func(ctx context.Context, uri string) (*ReadResourceResult, error)

// ToolEvent records one tool invocation for observers.
type ToolEvent struct {
	Timestamp time.Time
	ToolName  string
	Duration  time.Duration
	IsError   bool
	Error     string
}

// Server holds the registered tools and resources and processes JSON-RPC
// messages. Transport is separate: each SSE connection owns a Conn and
// feeds messages through HandleMessage.
type Server struct {
	info         ImplementationInfo
	instructions string

	mu        sync.RWMutex
	tools     map[string]Tool
	handlers  map[string]ToolHandler
	resources []Resource
	templates []ResourceTemplate
	readFn    ResourceHandler

	broker *pubsub.Broker[ToolEvent]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the server instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// NewServer creates a new MCP server.
func NewServer(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		info: ImplementationInfo{
			Name:    name,
			Version: version,
		},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		broker:   pubsub.NewBrokerWithBuffer[ToolEvent](128),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool registers a tool with its handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "Registered tool", "name", tool.Name)
}

// RegisterResources installs the resource catalog and its read handler.
func (s *Server) RegisterResources(resources []Resource, templates []ResourceTemplate, read ResourceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = resources
	s.templates = templates
	s.readFn = read
}

// Broker returns the tool event broker for observability consumers.
func (s *Server) Broker() *pubsub.Broker[ToolEvent] {
	return s.broker
}

// Close shuts down the tool event broker.
func (s *Server) Close() {
	s.broker.Close()
}

// Conn is per-connection protocol state. Each transport connection must
// complete the initialize handshake before calling tools or reading
// resources.
type Conn struct {
	mu          sync.Mutex
	initialized bool
}

// NewConn returns a fresh, uninitialized connection state.
func NewConn() *Conn {
	return &Conn{}
}

// Initialized reports whether the handshake completed.
func (c *Conn) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Conn) markInitialized() {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
}

// HandleMessage processes a single JSON-RPC message for conn and returns
// the marshalled response, or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, conn *Conn, body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return marshalResponse(NewErrorResponse(nil, NewParseError(err.Error())))
	}

	// json.RawMessage is []byte; length distinguishes requests from
	// notifications.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		s.handleNotification(conn, &req)
		return nil
	}

	log.Debug(log.CatMCP, "Handling request", "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "ping":
		result = struct{}{}
	default:
		if !conn.Initialized() {
			rpcErr = NewNotInitialized()
			break
		}
		switch req.Method {
		case "tools/list":
			result, rpcErr = s.handleToolsList()
		case "tools/call":
			result, rpcErr = s.handleToolsCall(ctx, req.Params)
		case "resources/list":
			result, rpcErr = s.handleResourcesList()
		case "resources/templates/list":
			result, rpcErr = s.handleResourceTemplatesList()
		case "resources/read":
			result, rpcErr = s.handleResourcesRead(ctx, req.Params)
		default:
			rpcErr = NewMethodNotFound(req.Method)
		}
	}

	if rpcErr != nil {
		return marshalResponse(NewErrorResponse(req.ID, rpcErr))
	}
	return marshalResponse(NewResponse(req.ID, result))
}

func (s *Server) handleNotification(conn *Conn, req *Request) {
	switch req.Method {
	case "notifications/initialized":
		conn.markInitialized()
		log.Debug(log.CatMCP, "Client initialized")
	case "notifications/cancelled":
		log.Debug(log.CatMCP, "Request cancelled")
	default:
		// Unknown notifications are ignored per spec
		log.Debug(log.CatMCP, "Unknown notification", "method", req.Method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "Initialize request",
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools:     &ToolsCapability{ListChanged: false},
			Resources: &ResourcesCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleToolsList() (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	return ToolsListResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()

	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	log.Debug(log.CatMCP, "Calling tool", "name", p.Name)

	start := time.Now()
	result, err := handler(ctx, p.Arguments)
	s.publishToolEvent(p.Name, result, err, time.Since(start))

	if err != nil {
		log.Debug(log.CatMCP, "Tool execution failed", "name", p.Name, "error", err)
		// Tool failures travel as tool results, not RPC errors.
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}

func (s *Server) handleResourcesList() (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ResourcesListResult{Resources: append([]Resource(nil), s.resources...)}, nil
}

func (s *Server) handleResourceTemplatesList() (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ResourceTemplatesListResult{ResourceTemplates: append([]ResourceTemplate(nil), s.templates...)}, nil
}

func (s *Server) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	read := s.readFn
	s.mu.RUnlock()

	if read == nil {
		return nil, NewResourceNotFound(p.URI)
	}
	result, err := read(ctx, p.URI)
	if err != nil {
		return nil, NewInternalError(err.Error())
	}
	if result == nil {
		return nil, NewResourceNotFound(p.URI)
	}
	return result, nil
}

func (s *Server) publishToolEvent(toolName string, result *ToolCallResult, err error, duration time.Duration) {
	evt := ToolEvent{
		Timestamp: time.Now(),
		ToolName:  toolName,
		Duration:  duration,
	}
	if err != nil {
		evt.IsError = true
		evt.Error = err.Error()
	} else if result != nil && result.IsError {
		evt.IsError = true
	}
	s.broker.Publish(pubsub.CreatedEvent, evt)
}

func marshalResponse(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatMCP, "Failed to marshal response", "error", err)
		fallback := NewErrorResponse(resp.ID, NewInternalError("marshal failure"))
		data, _ = json.Marshal(fallback)
	}
	return data
}
