package mcp

import (
	"encoding/json"
	"testing"
)

func TestHandleRequestInitialize(t *testing.T) {
	m := New()

	params, _ := json.Marshal(InitializeParams{ProtocolVersion: "2025-06-18"})
	resp := m.handleRequest(JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params:  params,
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(InitializeResult)
	if !ok {
		t.Fatalf("expected InitializeResult, got %T", resp.Result)
	}
	if result.ServerInfo.Name != "flowcore" {
		t.Errorf("ServerInfo.Name = %q, want %q", result.ServerInfo.Name, "flowcore")
	}
}

func TestHandleRequestUnknownMethod(t *testing.T) {
	m := New()

	resp := m.handleRequest(JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "nope"})

	if resp.Error == nil {
		t.Fatal("expected an error for an unknown method")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("Error.Code = %d, want -32601", resp.Error.Code)
	}
}

func TestToolsListAndCallRoundTrip(t *testing.T) {
	m := New()
	m.AddTool(Tool{Name: "echo", Description: "echoes input"}, func(args map[string]any) (any, error) {
		return map[string]any{"text": args["text"]}, nil
	})

	listResp := m.handleRequest(JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	result, ok := listResp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", listResp.Result)
	}
	tools, ok := result["tools"].([]Tool)
	if !ok || len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tools list: %+v", result["tools"])
	}

	callParams, _ := json.Marshal(map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"text": "hi"},
	})
	callResp := m.handleRequest(JSONRPCRequest{
		JSONRPC: "2.0", ID: 2, Method: "tools/call", Params: callParams,
	})
	if callResp.Error != nil {
		t.Fatalf("unexpected error calling tool: %+v", callResp.Error)
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	m := New()

	callParams, _ := json.Marshal(map[string]any{"name": "nope"})
	resp := m.handleRequest(JSONRPCRequest{
		JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: callParams,
	})

	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected -32601 unknown-tool error, got %+v", resp.Error)
	}
}

func TestCompletionCompleteDelegatesToHook(t *testing.T) {
	m := New()
	m.Complete = func(ref CompletionRef, argument, value string) []string {
		if argument == "workflow_id" {
			return []string{"wf_1", "wf_2"}
		}
		return nil
	}

	params, _ := json.Marshal(CompleteRequest{
		Ref:      CompletionRef{Type: "ref/resource"},
		Argument: CompleteArgument{Name: "workflow_id"},
	})
	resp := m.handleRequest(JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "completion/complete", Params: params})

	result, ok := resp.Result.(CompleteResult)
	if !ok {
		t.Fatalf("expected CompleteResult, got %T", resp.Result)
	}
	if len(result.Completion.Values) != 2 || result.Completion.Total != 2 {
		t.Fatalf("unexpected completion result: %+v", result.Completion)
	}
}

func TestNotificationsReturnEmptyResponse(t *testing.T) {
	m := New()

	resp := m.handleRequest(JSONRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"})

	if resp.Result != nil || resp.Error != nil || resp.ID != nil {
		t.Fatalf("expected an empty response for a notification, got %+v", resp)
	}
}

func TestPing(t *testing.T) {
	m := New()

	resp := m.handleRequest(JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "ping"})

	result, ok := resp.Result.(map[string]any)
	if !ok || result["status"] != "pong" {
		t.Fatalf("unexpected ping result: %+v", resp.Result)
	}
}
