package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rakunlabs/flowcore/internal/service"
	"github.com/rakunlabs/flowcore/internal/service/workflow"
	"github.com/rakunlabs/flowcore/pkg/mcp"
)

// mcpServer builds (once) the Model Context Protocol bridge exposing saved
// workflows to MCP clients as two tools: list_workflows and run_workflow.
// The tool set itself is static; both handlers read workflowStore at call
// time so creating or editing a workflow never requires re-registering.
func (s *Server) mcpServer() *mcp.MCP {
	s.mcpOnce.Do(func() {
		m := mcp.New()

		m.AddTool(mcp.Tool{
			Name:        "list_workflows",
			Description: "List saved workflow definitions that can be run.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		}, s.mcpListWorkflows)

		m.AddTool(mcp.Tool{
			Name:        "run_workflow",
			Description: "Run a saved workflow to completion and return its output node values.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"workflow_id": map[string]any{
						"type":        "string",
						"description": "ID of the workflow to run",
					},
					"inputs": map[string]any{
						"type":        "object",
						"description": "Values fed to the workflow's input nodes",
					},
				},
				"required": []string{"workflow_id"},
			},
		}, s.mcpRunWorkflow)

		m.AddResource(mcp.Resource{
			URI:         "workflow://all",
			Name:        "All workflows",
			Description: "Every saved workflow definition, as JSON",
			MimeType:    "application/json",
		}, func(string) (any, error) {
			return s.mcpListWorkflows(nil)
		})

		m.Complete = s.mcpComplete

		s.mcp = m
	})

	return s.mcp
}

// MCPHandler handles POST /v1/mcp, the JSON-RPC endpoint MCP clients speak
// to discover and invoke workflow tools.
func (s *Server) MCPHandler(w http.ResponseWriter, r *http.Request) {
	s.mcpServer().ServeHTTP(w, r)
}

// mcpComplete suggests workflow IDs for the run_workflow tool's workflow_id
// argument and the workflow:// resource template's workflow_id segment,
// filtered by whatever prefix the client has typed.
func (s *Server) mcpComplete(_ mcp.CompletionRef, argument, value string) []string {
	if argument != "workflow_id" || s.workflowStore == nil {
		return nil
	}

	wfs, err := s.workflowStore.ListWorkflows(context.Background())
	if err != nil {
		return nil
	}

	var values []string
	for _, wf := range wfs {
		if value == "" || strings.HasPrefix(wf.ID, value) {
			values = append(values, wf.ID)
		}
	}
	return values
}

func (s *Server) mcpListWorkflows(_ map[string]any) (any, error) {
	if s.workflowStore == nil {
		return nil, fmt.Errorf("workflow store not configured")
	}

	wfs, err := s.workflowStore.ListWorkflows(context.Background())
	if err != nil {
		return nil, err
	}

	list := make([]map[string]any, 0, len(wfs))
	for _, wf := range wfs {
		list = append(list, map[string]any{
			"id":          wf.ID,
			"name":        wf.Name,
			"description": wf.Description,
		})
	}

	return map[string]any{"workflows": list}, nil
}

func (s *Server) mcpRunWorkflow(args map[string]any) (any, error) {
	if s.workflowStore == nil {
		return nil, fmt.Errorf("workflow store not configured")
	}

	id, _ := args["workflow_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("workflow_id is required")
	}

	inputs, _ := args["inputs"].(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}

	ctx := context.Background()

	wf, err := s.workflowStore.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %q not found", id)
	}

	engine := workflow.NewEngine(
		s.mcpProviderLookup,
		s.mcpSkillLookup(ctx),
		s.mcpVarLookup(ctx),
		s.mcpVarLister(ctx),
		s.mcpNodeConfigLookup(ctx),
		s.mcpWorkflowLookup(),
	)

	var entryNodeIDs []string
	for _, n := range wf.Graph.Nodes {
		if n.Type == "input" {
			entryNodeIDs = append(entryNodeIDs, n.ID)
		}
	}

	result, err := engine.Run(ctx, wf.Graph, inputs, entryNodeIDs, nil)
	if err != nil {
		return nil, fmt.Errorf("workflow execution failed: %w", err)
	}

	return map[string]any{"outputs": result.Outputs}, nil
}

// The lookup builders below mirror RunWorkflowAPI's: an MCP-triggered run
// wires the same provider/skill/variable/node-config/workflow-call context
// a dashboard-triggered run gets, just without an HTTP request or an
// activeRuns entry to cancel.

func (s *Server) mcpProviderLookup(key string) (service.LLMProvider, string, error) {
	s.providerMu.RLock()
	info, ok := s.providers[key]
	s.providerMu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("provider %q not found", key)
	}
	return info.provider, info.defaultModel, nil
}

func (s *Server) mcpSkillLookup(ctx context.Context) workflow.SkillLookup {
	if s.skillStore == nil {
		return nil
	}
	return func(nameOrID string) (*service.Skill, error) {
		sk, err := s.skillStore.GetSkill(ctx, nameOrID)
		if err != nil {
			return nil, err
		}
		if sk != nil {
			return sk, nil
		}
		return s.skillStore.GetSkillByName(ctx, nameOrID)
	}
}

func (s *Server) mcpVarLookup(ctx context.Context) workflow.VarLookup {
	if s.variableStore == nil {
		return nil
	}
	return func(key string) (string, error) {
		v, err := s.variableStore.GetVariableByKey(ctx, key)
		if err != nil {
			return "", err
		}
		if v == nil {
			return "", fmt.Errorf("variable %q not found", key)
		}
		return v.Value, nil
	}
}

func (s *Server) mcpVarLister(ctx context.Context) workflow.VarLister {
	if s.variableStore == nil {
		return nil
	}
	return func() (map[string]string, error) {
		vars, err := s.variableStore.ListVariables(ctx)
		if err != nil {
			return nil, err
		}
		m := make(map[string]string, len(vars))
		for _, v := range vars {
			m[v.Key] = v.Value
		}
		return m, nil
	}
}

func (s *Server) mcpNodeConfigLookup(ctx context.Context) workflow.NodeConfigLookup {
	if s.nodeConfigStore == nil {
		return nil
	}
	return func(id string) (*service.NodeConfig, error) {
		return s.nodeConfigStore.GetNodeConfig(ctx, id)
	}
}

func (s *Server) mcpWorkflowLookup() workflow.WorkflowLookup {
	if s.workflowStore == nil {
		return nil
	}
	return func(ctx context.Context, id string) (*service.Workflow, error) {
		return s.workflowStore.GetWorkflow(ctx, id)
	}
}
