package mcp

import (
	"encoding/json"
)

type MCP struct {
	Tools     Tools
	Resources Resources
	Prompts   Prompts

	// Complete answers completion/complete requests for a given ref/prompt
	// or ref/resource reference and argument. Nil means no suggestions are
	// offered (an empty completion list).
	Complete CompletionFunc
}

// CompletionFunc suggests values for a prompt or resource-template argument
// given what the client has typed so far.
type CompletionFunc func(ref CompletionRef, argument, value string) []string

// ToolHandler represents a function that handles tool calls
type ToolHandler func(args map[string]any) (any, error)

// ResourceHandler represents a function that provides resource content
type ResourceHandler func(uri string) (any, error)

// PromptHandler represents a function that generates prompt content
type PromptHandler func(args map[string]string) (GetPromptResult, error)

func New() *MCP {
	mcp := &MCP{
		Tools: Tools{
			handlers: make(map[string]ToolHandler),
		},
		Resources: Resources{
			handlers: make(map[string]ResourceHandler),
		},
		Prompts: Prompts{
			handlers: make(map[string]PromptHandler),
		},
	}

	return mcp
}

// createErrorResponse builds a JSON-RPC error response with the given
// error code (one of the standard -326xx codes or an MCP-specific one)
// and message.
func (s *MCP) createErrorResponse(id any, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

func (s *MCP) handleInitialize(id any, params json.RawMessage) JSONRPCResponse {
	var initParams InitializeParams
	if err := decodeJSON(params, &initParams); err != nil {
		return s.createErrorResponse(id, -32602, "Invalid params")
	}

	result := InitializeResult{
		ProtocolVersion: "2025-06-18",
		Capabilities: Capabilities{
			Tools: &ToolsCapability{
				ListChanged: false,
			},
			Resources: &ResourcesCapability{
				Subscribe:   true,
				ListChanged: false,
			},
			Prompts: &PromptsCapability{
				ListChanged: false,
			},
			Logging:     &LoggingCapability{},
			Completions: &CompletionsCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    "flowcore",
			Version: "1.0.0",
		},
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// handleInitialized is a no-op: the client has finished its handshake, and
// this notification carries no response.
func (s *MCP) handleInitialized() {}

func (s *MCP) handlePromptsList(id any) JSONRPCResponse {
	prompts := s.Prompts.List()

	result := map[string]any{
		"prompts": prompts,
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func (s *MCP) handlePromptsGet(id any, params json.RawMessage) JSONRPCResponse {
	var getParams struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}

	if err := decodeJSON(params, &getParams); err != nil {
		return s.createErrorResponse(id, -32602, "Invalid params")
	}

	// Get the handler for this prompt
	handler := s.Prompts.GetHandler(getParams.Name)
	if handler == nil {
		return s.createErrorResponse(id, -32602, "Unknown prompt: "+getParams.Name)
	}

	// Call the handler
	result, err := handler(getParams.Arguments)
	if err != nil {
		return s.createErrorResponse(id, -32603, "Prompt generation error: "+err.Error())
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func (s *MCP) handleResourcesTemplatesList(id any) JSONRPCResponse {
	templates := []ResourceTemplate{
		{
			URITemplate: "workflow://{workflow_id}",
			Name:        "Workflow definition",
			Title:       "Workflow Definitions",
			Description: "The node graph of a saved workflow",
			MimeType:    "application/json",
		},
		{
			URITemplate: "run://{run_id}",
			Name:        "Run status",
			Title:       "Workflow Run Status",
			Description: "Status of a workflow execution started via run_workflow",
			MimeType:    "application/json",
		},
	}

	result := map[string]any{
		"resourceTemplates": templates,
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// handleResourcesSubscribe acknowledges a subscription. Resource update
// notifications aren't pushed in this implementation, so there is nothing
// to track past validating the request.
func (s *MCP) handleResourcesSubscribe(id any, params json.RawMessage) JSONRPCResponse {
	var subscribeParams SubscribeRequest
	if err := decodeJSON(params, &subscribeParams); err != nil {
		return s.createErrorResponse(id, -32602, "Invalid params")
	}

	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: map[string]any{}}
}

func (s *MCP) handleResourcesUnsubscribe(id any, params json.RawMessage) JSONRPCResponse {
	var unsubscribeParams UnsubscribeRequest
	if err := decodeJSON(params, &unsubscribeParams); err != nil {
		return s.createErrorResponse(id, -32602, "Invalid params")
	}

	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: map[string]any{}}
}

func (s *MCP) handleCompletionComplete(id any, params json.RawMessage) JSONRPCResponse {
	var completeParams CompleteRequest
	if err := decodeJSON(params, &completeParams); err != nil {
		return s.createErrorResponse(id, -32602, "Invalid params")
	}

	var values []string
	if s.Complete != nil {
		values = s.Complete(completeParams.Ref, completeParams.Argument.Name, completeParams.Argument.Value)
	}

	result := CompleteResult{
		Completion: CompletionValues{
			Values:  values,
			Total:   len(values),
			HasMore: false,
		},
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// handleLoggingSetLevel acknowledges a level change. Nothing in this
// package's own logging path reads it back yet.
func (s *MCP) handleLoggingSetLevel(id any, params json.RawMessage) JSONRPCResponse {
	var levelParams SetLevelRequest
	if err := decodeJSON(params, &levelParams); err != nil {
		return s.createErrorResponse(id, -32602, "Invalid params")
	}

	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: map[string]any{}}
}

// Public API methods for users to register their own tools, resources, and prompts

// AddTool allows users to register their own tools
func (s *MCP) AddTool(tool Tool, handler ToolHandler) {
	s.Tools.Add(tool, handler)
}

// AddResource allows users to register their own resources
func (s *MCP) AddResource(resource Resource, handler ResourceHandler) {
	s.Resources.Add(resource, handler)
}

// AddPrompt allows users to register their own prompts
func (s *MCP) AddPrompt(prompt Prompt, handler PromptHandler) {
	s.Prompts.Add(prompt, handler)
}

// Client-originated notifications carry no response. None of them need
// server-side bookkeeping in this implementation; they decode-and-discard,
// failing open on a bad payload since notifications are fire-and-forget.
func (s *MCP) handleToolsListChanged()     {}
func (s *MCP) handleResourcesListChanged() {}
func (s *MCP) handlePromptsListChanged()   {}

func (s *MCP) handleResourceUpdated(params json.RawMessage) {
	var updateParams ResourceUpdatedNotification
	_ = decodeJSON(params, &updateParams)
}

func (s *MCP) handleLogMessage(params json.RawMessage) {
	var logParams LogMessageParams
	_ = decodeJSON(params, &logParams)
}
