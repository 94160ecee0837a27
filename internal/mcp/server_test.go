package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalmcp/metalmcp/internal/cache"
	"github.com/metalmcp/metalmcp/internal/config"
	"github.com/metalmcp/metalmcp/internal/maas"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeUpstream struct {
	mu         sync.Mutex
	listCalls  int
	getCalls   int
	machines   []maas.Machine
	machine    *maas.Machine
	subnets    []maas.Subnet
	subnet     *maas.Subnet
	statusName string
	err        error
}

func (f *fakeUpstream) calls() (list, get int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.getCalls
}

func (f *fakeUpstream) ListMachines(ctx context.Context, filters maas.MachineFilters) ([]maas.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.machines, f.err
}

func (f *fakeUpstream) GetMachine(ctx context.Context, systemID string) (*maas.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.err != nil {
		return nil, f.err
	}
	m := *f.machine
	m.SystemID = systemID
	if f.statusName != "" {
		m.StatusName = f.statusName
	}
	return &m, nil
}

func (f *fakeUpstream) AllocateMachine(ctx context.Context, params maas.AllocateParams) (*maas.Machine, error) {
	return f.machine, f.err
}

func (f *fakeUpstream) DeployMachine(ctx context.Context, systemID string, params maas.DeployParams) (*maas.Machine, error) {
	return f.machine, f.err
}

func (f *fakeUpstream) ReleaseMachine(ctx context.Context, systemID, comment string) (*maas.Machine, error) {
	return f.machine, f.err
}

func (f *fakeUpstream) PowerOn(ctx context.Context, systemID string) (*maas.Machine, error) {
	return f.machine, f.err
}

func (f *fakeUpstream) PowerOff(ctx context.Context, systemID string) (*maas.Machine, error) {
	return f.machine, f.err
}

func (f *fakeUpstream) ListSubnets(ctx context.Context) ([]maas.Subnet, error) {
	return f.subnets, f.err
}

func (f *fakeUpstream) GetSubnet(ctx context.Context, id int) (*maas.Subnet, error) {
	return f.subnet, f.err
}

func newTestServer(t *testing.T, upstream Upstream, opts ...ServerOption) (*Server, *gin.Engine) {
	t.Helper()

	manager, err := cache.NewManager(config.CacheConfig{
		Enabled:         true,
		Strategy:        config.CacheStrategyLRU,
		MaxSize:         100,
		MaxAge:          config.Duration(time.Minute),
		CleanupInterval: config.Duration(time.Hour),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(manager.Stop)

	hub := NewHub(nil)
	t.Cleanup(hub.Close)

	registry := NewRegistry(hub, nil, WithProgressMinInterval(time.Millisecond))
	srv := NewServer(upstream, manager, registry, hub, nil, opts...)

	r := gin.New()
	srv.Register(r)
	return srv, r
}

func rpc(t *testing.T, r *gin.Engine, method string, params any) Response {
	t.Helper()

	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func resultAs(t *testing.T, resp Response, out any) {
	t.Helper()
	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestInitialize(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})

	resp := rpc(t, r, "initialize", nil)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	resultAs(t, resp, &result)

	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, ServerName, result.ServerInfo.Name)
}

func TestPing(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})
	resp := rpc(t, r, "ping", nil)
	assert.Nil(t, resp.Error)
}

func TestMethodNotFound(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})
	resp := rpc(t, r, "nope/nope", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte("{not json")))
	r.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestListTools(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})

	var result ListToolsResult
	resultAs(t, rpc(t, r, "tools/list", nil), &result)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, ToolListMachines)
	assert.Contains(t, names, ToolDeployMachine)
	assert.Contains(t, names, ToolOperationStatus)
}

func TestListResources(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})

	var result ListResourcesResult
	resultAs(t, rpc(t, r, "resources/list", nil), &result)
	assert.Len(t, result.Resources, 4)
}

func TestReadResourceCaches(t *testing.T) {
	upstream := &fakeUpstream{
		machines: []maas.Machine{{SystemID: "abc123", Hostname: "node1"}},
	}
	_, r := newTestServer(t, upstream)

	read := func() ReadResourceResult {
		var result ReadResourceResult
		resultAs(t, rpc(t, r, "resources/read", map[string]any{"uri": "maas://machines"}), &result)
		return result
	}

	first := read()
	require.Len(t, first.Contents, 1)
	assert.False(t, first.Meta.Cached)
	assert.Contains(t, first.Contents[0].Text, "abc123")

	second := read()
	assert.True(t, second.Meta.Cached)

	list, _ := upstream.calls()
	assert.Equal(t, 1, list)
}

func TestReadResourceQueryFiltersKeySeparately(t *testing.T) {
	upstream := &fakeUpstream{}
	_, r := newTestServer(t, upstream)

	rpc(t, r, "resources/read", map[string]any{"uri": "maas://machines"})
	rpc(t, r, "resources/read", map[string]any{"uri": "maas://machines?zone=az1"})

	list, _ := upstream.calls()
	assert.Equal(t, 2, list)
}

func TestReadResourceUnknownURI(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})

	resp := rpc(t, r, "resources/read", map[string]any{"uri": "maas://nonsense"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestReadMachineByID(t *testing.T) {
	upstream := &fakeUpstream{machine: &maas.Machine{Hostname: "node1"}}
	_, r := newTestServer(t, upstream)

	var result ReadResourceResult
	resultAs(t, rpc(t, r, "resources/read", map[string]any{"uri": "maas://machines/abc123"}), &result)
	assert.Contains(t, result.Contents[0].Text, "abc123")
}

func TestToolCallPowerOnInvalidatesCache(t *testing.T) {
	upstream := &fakeUpstream{
		machine:  &maas.Machine{SystemID: "abc123"},
		machines: []maas.Machine{{SystemID: "abc123"}},
	}
	_, r := newTestServer(t, upstream)

	// Warm both the machine entry and the listing.
	rpc(t, r, "resources/read", map[string]any{"uri": "maas://machines/abc123"})
	rpc(t, r, "resources/read", map[string]any{"uri": "maas://machines"})

	var result CallToolResult
	resultAs(t, rpc(t, r, "tools/call", map[string]any{
		"name":      ToolPowerOn,
		"arguments": map[string]any{"system_id": "abc123"},
	}), &result)
	assert.False(t, result.IsError)

	// Both entries should be refetched.
	rpc(t, r, "resources/read", map[string]any{"uri": "maas://machines/abc123"})
	rpc(t, r, "resources/read", map[string]any{"uri": "maas://machines"})

	list, get := upstream.calls()
	assert.Equal(t, 2, list)
	assert.Equal(t, 2, get)
}

func TestToolCallUpstreamErrorReportedInBand(t *testing.T) {
	upstream := &fakeUpstream{err: maas.ErrNotFound}
	_, r := newTestServer(t, upstream)

	var result CallToolResult
	resultAs(t, rpc(t, r, "tools/call", map[string]any{
		"name":      ToolGetMachine,
		"arguments": map[string]any{"system_id": "missing"},
	}), &result)
	assert.True(t, result.IsError)
}

func TestToolCallMissingRequiredArg(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})

	resp := rpc(t, r, "tools/call", map[string]any{
		"name":      ToolGetMachine,
		"arguments": map[string]any{},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestToolCallUnknownTool(t *testing.T) {
	_, r := newTestServer(t, &fakeUpstream{})

	resp := rpc(t, r, "tools/call", map[string]any{"name": "maas_frobnicate"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestDeployRunsToCompletion(t *testing.T) {
	upstream := &fakeUpstream{
		machine:    &maas.Machine{SystemID: "abc123"},
		statusName: "Deployed",
	}
	srv, r := newTestServer(t, upstream,
		WithPollInterval(time.Millisecond),
		WithOperationTimeout(time.Second))

	var op Operation
	resultAsToolJSON(t, rpc(t, r, "tools/call", map[string]any{
		"name": ToolDeployMachine,
		"arguments": map[string]any{
			"system_id":     "abc123",
			"distro_series": "jammy",
		},
	}), &op)
	require.NotEmpty(t, op.ID)
	assert.Equal(t, OperationRunning, op.Status)

	assert.Eventually(t, func() bool {
		got, ok := srv.registry.Get(op.ID)
		return ok && got.Status == OperationCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestDeployFailureMarksOperationFailed(t *testing.T) {
	upstream := &fakeUpstream{err: maas.ErrNotFound}
	srv, r := newTestServer(t, upstream,
		WithPollInterval(time.Millisecond),
		WithOperationTimeout(time.Second))

	var op Operation
	resultAsToolJSON(t, rpc(t, r, "tools/call", map[string]any{
		"name":      ToolDeployMachine,
		"arguments": map[string]any{"system_id": "abc123"},
	}), &op)

	assert.Eventually(t, func() bool {
		got, ok := srv.registry.Get(op.ID)
		return ok && got.Status == OperationFailed
	}, time.Second, 5*time.Millisecond)
}

func TestOperationStatusTool(t *testing.T) {
	upstream := &fakeUpstream{
		machine:    &maas.Machine{SystemID: "abc123"},
		statusName: "Deployed",
	}
	_, r := newTestServer(t, upstream,
		WithPollInterval(time.Millisecond),
		WithOperationTimeout(time.Second))

	var op Operation
	resultAsToolJSON(t, rpc(t, r, "tools/call", map[string]any{
		"name":      ToolReleaseMachine,
		"arguments": map[string]any{"system_id": "abc123"},
	}), &op)

	var status Operation
	resultAsToolJSON(t, rpc(t, r, "tools/call", map[string]any{
		"name":      ToolOperationStatus,
		"arguments": map[string]any{"operation_id": op.ID},
	}), &status)
	assert.Equal(t, op.ID, status.ID)

	resp := rpc(t, r, "tools/call", map[string]any{
		"name":      ToolOperationStatus,
		"arguments": map[string]any{"operation_id": "nope"},
	})
	require.NotNil(t, resp.Error)
}

func TestSubnetTools(t *testing.T) {
	upstream := &fakeUpstream{
		subnets: []maas.Subnet{{ID: 1, CIDR: "10.0.0.0/24"}},
		subnet:  &maas.Subnet{ID: 1, CIDR: "10.0.0.0/24"},
	}
	_, r := newTestServer(t, upstream)

	var result CallToolResult
	resultAs(t, rpc(t, r, "tools/call", map[string]any{"name": ToolListSubnets}), &result)
	assert.Contains(t, result.Content[0].Text, "10.0.0.0/24")

	resultAs(t, rpc(t, r, "tools/call", map[string]any{
		"name":      ToolGetSubnet,
		"arguments": map[string]any{"id": 1},
	}), &result)
	assert.Contains(t, result.Content[0].Text, "10.0.0.0/24")
}

// resultAsToolJSON decodes the JSON payload of a tool result's first
// text block.
func resultAsToolJSON(t *testing.T, resp Response, out any) {
	t.Helper()

	var result CallToolResult
	resultAs(t, resp, &result)
	require.NotEmpty(t, result.Content)
	require.False(t, result.IsError, "tool returned error: %s", result.Content[0].Text)
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), out))
}
