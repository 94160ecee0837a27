package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metalmcp/metalmcp/internal/audit"
	"github.com/metalmcp/metalmcp/internal/maas"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// Tool names.
const (
	ToolListMachines    = "maas_list_machines"
	ToolGetMachine      = "maas_get_machine"
	ToolAllocateMachine = "maas_allocate_machine"
	ToolDeployMachine   = "maas_deploy_machine"
	ToolReleaseMachine  = "maas_release_machine"
	ToolPowerOn         = "maas_power_on"
	ToolPowerOff        = "maas_power_off"
	ToolListSubnets     = "maas_list_subnets"
	ToolGetSubnet       = "maas_get_subnet"
	ToolOperationStatus = "maas_operation_status"
)

// ToolDescriptor describes one callable tool.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolContent is one content block of a tools/call result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the tools/call result. Upstream failures are
// reported in-band with IsError set, per the protocol.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ListToolsResult is the tools/list result.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (s *Server) listTools() ListToolsResult {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	num := func(desc string) map[string]any {
		return map[string]any{"type": "integer", "description": desc}
	}
	strs := func(desc string) map[string]any {
		return map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": desc,
		}
	}

	return ListToolsResult{
		Tools: []ToolDescriptor{
			{
				Name:        ToolListMachines,
				Description: "List machines, optionally filtered by hostname, zone, pool or tags.",
				InputSchema: schema(map[string]any{
					"hostname": str("Exact hostname filter."),
					"zone":     str("Availability zone name."),
					"pool":     str("Resource pool name."),
					"tags":     strs("Tags the machine must carry."),
				}),
			},
			{
				Name:        ToolGetMachine,
				Description: "Get one machine by system ID.",
				InputSchema: schema(map[string]any{
					"system_id": str("Machine system ID."),
				}, "system_id"),
			},
			{
				Name:        ToolAllocateMachine,
				Description: "Allocate a ready machine matching the given constraints.",
				InputSchema: schema(map[string]any{
					"hostname":   str("Specific machine hostname."),
					"zone":       str("Availability zone name."),
					"pool":       str("Resource pool name."),
					"tags":       strs("Tags the machine must carry."),
					"min_cpu":    num("Minimum CPU core count."),
					"min_mem_mb": num("Minimum memory in MiB."),
				}),
			},
			{
				Name:        ToolDeployMachine,
				Description: "Deploy an operating system on an allocated machine. Returns an operation ID; progress arrives as notifications and via " + ToolOperationStatus + ".",
				InputSchema: schema(map[string]any{
					"system_id":     str("Machine system ID."),
					"distro_series": str("OS series to deploy, e.g. \"jammy\"."),
					"user_data":     str("Base64-encoded cloud-init user data."),
				}, "system_id"),
			},
			{
				Name:        ToolReleaseMachine,
				Description: "Release a machine back to the ready pool. Returns an operation ID.",
				InputSchema: schema(map[string]any{
					"system_id": str("Machine system ID."),
					"comment":   str("Reason recorded in the MAAS event log."),
				}, "system_id"),
			},
			{
				Name:        ToolPowerOn,
				Description: "Power a machine on.",
				InputSchema: schema(map[string]any{
					"system_id": str("Machine system ID."),
				}, "system_id"),
			},
			{
				Name:        ToolPowerOff,
				Description: "Power a machine off.",
				InputSchema: schema(map[string]any{
					"system_id": str("Machine system ID."),
				}, "system_id"),
			},
			{
				Name:        ToolListSubnets,
				Description: "List all subnets.",
				InputSchema: schema(map[string]any{}),
			},
			{
				Name:        ToolGetSubnet,
				Description: "Get one subnet by ID.",
				InputSchema: schema(map[string]any{
					"id": num("Subnet ID."),
				}, "id"),
			},
			{
				Name:        ToolOperationStatus,
				Description: "Get the status of a long-running operation started by " + ToolDeployMachine + " or " + ToolReleaseMachine + ".",
				InputSchema: schema(map[string]any{
					"operation_id": str("Operation ID."),
				}, "operation_id"),
			},
		},
	}
}

// callTool dispatches a tools/call request.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, *RPCError) {
	switch name {
	case ToolListMachines:
		return s.toolListMachines(ctx, args)
	case ToolGetMachine:
		return s.toolGetMachine(ctx, args)
	case ToolAllocateMachine:
		return s.toolAllocateMachine(ctx, args)
	case ToolDeployMachine:
		return s.toolDeployMachine(ctx, args)
	case ToolReleaseMachine:
		return s.toolReleaseMachine(ctx, args)
	case ToolPowerOn:
		return s.toolPower(ctx, args, true)
	case ToolPowerOff:
		return s.toolPower(ctx, args, false)
	case ToolListSubnets:
		return s.toolListSubnets(ctx)
	case ToolGetSubnet:
		return s.toolGetSubnet(ctx, args)
	case ToolOperationStatus:
		return s.toolOperationStatus(args)
	}

	return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown tool %q", name)}
}

func decodeArgs(args json.RawMessage, out any) *RPCError {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, out); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: "malformed tool arguments"}
	}
	return nil
}

func toolResult(value any) (*CallToolResult, *RPCError) {
	text, err := json.Marshal(value)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: "encoding tool result failed"}
	}
	return &CallToolResult{
		Content: []ToolContent{{Type: "text", Text: string(text)}},
	}, nil
}

func toolError(err error) *CallToolResult {
	return &CallToolResult{
		Content: []ToolContent{{Type: "text", Text: err.Error()}},
		IsError: true,
	}
}

func (s *Server) toolListMachines(ctx context.Context, args json.RawMessage) (*CallToolResult, *RPCError) {
	var params struct {
		Hostname string   `json:"hostname"`
		Zone     string   `json:"zone"`
		Pool     string   `json:"pool"`
		Tags     []string `json:"tags"`
	}
	if rpcErr := decodeArgs(args, &params); rpcErr != nil {
		return nil, rpcErr
	}

	machines, err := s.upstream.ListMachines(ctx, maas.MachineFilters{
		Hostname: params.Hostname,
		Zone:     params.Zone,
		Pool:     params.Pool,
		Tags:     params.Tags,
	})
	if err != nil {
		return toolError(err), nil
	}
	return toolResult(machines)
}

func (s *Server) toolGetMachine(ctx context.Context, args json.RawMessage) (*CallToolResult, *RPCError) {
	var params struct {
		SystemID string `json:"system_id"`
	}
	if rpcErr := decodeArgs(args, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.SystemID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "system_id is required"}
	}

	machine, err := s.upstream.GetMachine(ctx, params.SystemID)
	if err != nil {
		return toolError(err), nil
	}
	return toolResult(machine)
}

func (s *Server) toolAllocateMachine(ctx context.Context, args json.RawMessage) (*CallToolResult, *RPCError) {
	var params struct {
		Hostname string   `json:"hostname"`
		Zone     string   `json:"zone"`
		Pool     string   `json:"pool"`
		Tags     []string `json:"tags"`
		MinCPU   int      `json:"min_cpu"`
		MinMemMB int64    `json:"min_mem_mb"`
	}
	if rpcErr := decodeArgs(args, &params); rpcErr != nil {
		return nil, rpcErr
	}

	machine, err := s.upstream.AllocateMachine(ctx, maas.AllocateParams{
		Hostname: params.Hostname,
		Zone:     params.Zone,
		Pool:     params.Pool,
		Tags:     params.Tags,
		MinCPU:   params.MinCPU,
		MinMemMB: params.MinMemMB,
	})

	s.auditMutation(ctx, ToolAllocateMachine, machineID(machine), err, map[string]any{
		"zone": params.Zone,
		"pool": params.Pool,
	})
	if err != nil {
		return toolError(err), nil
	}

	s.invalidateMachine(machine.SystemID)
	return toolResult(machine)
}

func (s *Server) toolDeployMachine(ctx context.Context, args json.RawMessage) (*CallToolResult, *RPCError) {
	var params struct {
		SystemID     string `json:"system_id"`
		DistroSeries string `json:"distro_series"`
		UserData     string `json:"user_data"`
	}
	if rpcErr := decodeArgs(args, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.SystemID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "system_id is required"}
	}

	op := s.registry.Start("deploy", params.SystemID)
	go s.runDeploy(op, params.SystemID, maas.DeployParams{
		DistroSeries: params.DistroSeries,
		UserData:     params.UserData,
	})

	return toolResult(op)
}

func (s *Server) toolReleaseMachine(ctx context.Context, args json.RawMessage) (*CallToolResult, *RPCError) {
	var params struct {
		SystemID string `json:"system_id"`
		Comment  string `json:"comment"`
	}
	if rpcErr := decodeArgs(args, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.SystemID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "system_id is required"}
	}

	op := s.registry.Start("release", params.SystemID)
	go s.runRelease(op, params.SystemID, params.Comment)

	return toolResult(op)
}

func (s *Server) toolPower(ctx context.Context, args json.RawMessage, on bool) (*CallToolResult, *RPCError) {
	var params struct {
		SystemID string `json:"system_id"`
	}
	if rpcErr := decodeArgs(args, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.SystemID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "system_id is required"}
	}

	var (
		machine *maas.Machine
		err     error
		action  = ToolPowerOff
	)
	if on {
		action = ToolPowerOn
		machine, err = s.upstream.PowerOn(ctx, params.SystemID)
	} else {
		machine, err = s.upstream.PowerOff(ctx, params.SystemID)
	}

	s.auditMutation(ctx, action, params.SystemID, err, nil)
	if err != nil {
		return toolError(err), nil
	}

	s.invalidateMachine(params.SystemID)
	return toolResult(machine)
}

func (s *Server) toolListSubnets(ctx context.Context) (*CallToolResult, *RPCError) {
	subnets, err := s.upstream.ListSubnets(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return toolResult(subnets)
}

func (s *Server) toolGetSubnet(ctx context.Context, args json.RawMessage) (*CallToolResult, *RPCError) {
	var params struct {
		ID int `json:"id"`
	}
	if rpcErr := decodeArgs(args, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.ID <= 0 {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "id is required"}
	}

	subnet, err := s.upstream.GetSubnet(ctx, params.ID)
	if err != nil {
		return toolError(err), nil
	}
	return toolResult(subnet)
}

func (s *Server) toolOperationStatus(args json.RawMessage) (*CallToolResult, *RPCError) {
	var params struct {
		OperationID string `json:"operation_id"`
	}
	if rpcErr := decodeArgs(args, &params); rpcErr != nil {
		return nil, rpcErr
	}

	op, ok := s.registry.Get(params.OperationID)
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown operation %q", params.OperationID)}
	}
	return toolResult(op)
}

// runDeploy drives a deployment to completion: issue the deploy, then
// follow the machine status until it settles.
func (s *Server) runDeploy(op Operation, systemID string, params maas.DeployParams) {
	ctx, cancel := context.WithTimeout(context.Background(), s.operationTimeout)
	defer cancel()

	_, err := s.upstream.DeployMachine(ctx, systemID, params)
	s.auditMutation(ctx, ToolDeployMachine, systemID, err, map[string]any{
		"operation":     op.ID,
		"distro_series": params.DistroSeries,
	})
	if err != nil {
		s.registry.Complete(op.ID, err)
		return
	}

	s.invalidateMachine(systemID)
	s.registry.Update(op.ID, 10, "deployment requested")

	err = s.awaitStatus(ctx, op.ID, systemID, "Deployed", "Failed deployment")
	s.invalidateMachine(systemID)
	s.registry.Complete(op.ID, err)
}

// runRelease drives a release to completion.
func (s *Server) runRelease(op Operation, systemID, comment string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.operationTimeout)
	defer cancel()

	_, err := s.upstream.ReleaseMachine(ctx, systemID, comment)
	s.auditMutation(ctx, ToolReleaseMachine, systemID, err, map[string]any{
		"operation": op.ID,
	})
	if err != nil {
		s.registry.Complete(op.ID, err)
		return
	}

	s.invalidateMachine(systemID)
	s.registry.Update(op.ID, 10, "release requested")

	err = s.awaitStatus(ctx, op.ID, systemID, "Ready", "Failed releasing")
	s.invalidateMachine(systemID)
	s.registry.Complete(op.ID, err)
}

// awaitStatus polls the machine until it reaches the wanted status or a
// failure status. Progress is reported from the poll loop; the notifier
// throttles it on the way out.
func (s *Server) awaitStatus(ctx context.Context, opID, systemID, want, failed string) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		machine, err := s.upstream.GetMachine(ctx, systemID)
		if err != nil {
			s.logger.Warn("status poll failed",
				observability.String("system_id", systemID),
				observability.Error(err))
			continue
		}

		switch machine.StatusName {
		case want:
			return nil
		case failed:
			return fmt.Errorf("machine %s entered status %q", systemID, failed)
		default:
			s.registry.Update(opID, 50, machine.StatusName)
		}
	}
}

// invalidateMachine drops the cached entries a machine mutation makes
// stale: the machine itself and every machines listing.
func (s *Server) invalidateMachine(systemID string) {
	byID, err := s.cache.InvalidateResourceByID(resourceMachine, systemID)
	if err != nil {
		s.logger.Warn("cache invalidation failed", observability.Error(err))
		return
	}
	lists, err := s.cache.InvalidateResource(resourceMachines)
	if err != nil {
		s.logger.Warn("cache invalidation failed", observability.Error(err))
		return
	}

	s.logger.Debug("cache invalidated after mutation",
		observability.String("system_id", systemID),
		observability.Int("entries", byID+lists))
}

func (s *Server) auditMutation(ctx context.Context, action, systemID string, err error, detail map[string]any) {
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "tools/call:" + action,
		Resource:   resourceMachine,
		ResourceID: systemID,
		Outcome:    outcome,
		Detail:     detail,
	})
}

func machineID(machine *maas.Machine) string {
	if machine == nil {
		return ""
	}
	return machine.SystemID
}
