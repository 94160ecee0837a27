package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/metalmcp/metalmcp/internal/audit"
	"github.com/metalmcp/metalmcp/internal/cache"
	"github.com/metalmcp/metalmcp/internal/maas"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// ServerName and ServerVersion identify the gateway in the initialize
// handshake.
const (
	ServerName    = "metalmcp"
	ServerVersion = "0.1.0"
)

const (
	defaultPollInterval     = 10 * time.Second
	defaultOperationTimeout = 30 * time.Minute
)

// Upstream is the provisioning API surface the server depends on.
// *maas.Client satisfies it.
type Upstream interface {
	ListMachines(ctx context.Context, filters maas.MachineFilters) ([]maas.Machine, error)
	GetMachine(ctx context.Context, systemID string) (*maas.Machine, error)
	AllocateMachine(ctx context.Context, params maas.AllocateParams) (*maas.Machine, error)
	DeployMachine(ctx context.Context, systemID string, params maas.DeployParams) (*maas.Machine, error)
	ReleaseMachine(ctx context.Context, systemID, comment string) (*maas.Machine, error)
	PowerOn(ctx context.Context, systemID string) (*maas.Machine, error)
	PowerOff(ctx context.Context, systemID string) (*maas.Machine, error)
	ListSubnets(ctx context.Context) ([]maas.Subnet, error)
	GetSubnet(ctx context.Context, id int) (*maas.Subnet, error)
}

// Server serves the MCP protocol over HTTP: JSON-RPC on POST /mcp and
// notifications on GET /mcp/ws.
type Server struct {
	logger   observability.Logger
	upstream Upstream
	cache    *cache.Manager
	registry *Registry
	hub      *Hub
	audit    audit.Logger

	pollInterval     time.Duration
	operationTimeout time.Duration
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*Server)

// WithAuditLogger sets the audit logger. Defaults to a no-op.
func WithAuditLogger(auditor audit.Logger) ServerOption {
	return func(s *Server) {
		if auditor != nil {
			s.audit = auditor
		}
	}
}

// WithPollInterval sets the machine status poll period for long-running
// operations.
func WithPollInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithOperationTimeout bounds how long a deploy or release may run.
func WithOperationTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.operationTimeout = timeout
		}
	}
}

// NewServer creates an MCP server. All collaborators are injected;
// nothing is global.
func NewServer(
	upstream Upstream,
	cacheManager *cache.Manager,
	registry *Registry,
	hub *Hub,
	logger observability.Logger,
	opts ...ServerOption,
) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}

	s := &Server{
		logger:           logger,
		upstream:         upstream,
		cache:            cacheManager,
		registry:         registry,
		hub:              hub,
		audit:            audit.Nop(),
		pollInterval:     defaultPollInterval,
		operationTimeout: defaultOperationTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Register mounts the protocol endpoints on the router group.
func (s *Server) Register(r gin.IRoutes) {
	r.POST("/mcp", s.handleRPC)
	r.GET("/mcp/ws", s.hub.Handle)
}

// handleRPC decodes one JSON-RPC request and dispatches it.
func (s *Server) handleRPC(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, newErrorResponse(nil, CodeParseError, "parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, newErrorResponse(req.ID, CodeInvalidRequest, "invalid request"))
		return
	}

	resp := s.dispatch(c.Request.Context(), req)

	// Notifications get no response body.
	if len(req.ID) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "initialize":
		return newResponse(req.ID, s.initializeResult())

	case "ping":
		return newResponse(req.ID, map[string]any{})

	case "tools/list":
		return newResponse(req.ID, s.listTools())

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return newErrorResponse(req.ID, CodeInvalidParams, "tool name is required")
		}

		result, rpcErr := s.callTool(ctx, params.Name, params.Arguments)
		if rpcErr != nil {
			return Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		}
		return newResponse(req.ID, result)

	case "resources/list":
		return newResponse(req.ID, s.listResources())

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
			return newErrorResponse(req.ID, CodeInvalidParams, "resource uri is required")
		}

		result, rpcErr := s.readResource(ctx, params.URI)
		if rpcErr != nil {
			return Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		}
		return newResponse(req.ID, result)
	}

	return newErrorResponse(req.ID, CodeMethodNotFound, "method not found")
}

func (s *Server) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}
}

// upstreamError maps provisioning API failures onto JSON-RPC errors.
func (s *Server) upstreamError(err error) *RPCError {
	switch {
	case errors.Is(err, maas.ErrNotFound):
		return &RPCError{Code: CodeInvalidParams, Message: "resource not found"}
	case errors.Is(err, maas.ErrUnauthorized):
		return &RPCError{Code: CodeInternalError, Message: "upstream rejected the gateway credentials"}
	case errors.Is(err, maas.ErrCircuitOpen):
		return &RPCError{Code: CodeInternalError, Message: "upstream temporarily unavailable"}
	}

	s.logger.Error("upstream request failed", observability.Error(err))
	return &RPCError{Code: CodeInternalError, Message: "upstream request failed"}
}
