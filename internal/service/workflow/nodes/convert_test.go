package nodes

import (
	"context"
	"testing"

	"github.com/rakunlabs/flowcore/internal/service"
	"github.com/rakunlabs/flowcore/internal/service/workflow"
)

func TestConvertNodeValidateRequiresExpression(t *testing.T) {
	n, err := newConvertNode(service.WorkflowNode{Data: map[string]any{}})
	if err != nil {
		t.Fatalf("newConvertNode: %v", err)
	}
	if err := n.Validate(context.Background(), &workflow.Registry{}); err == nil {
		t.Fatal("expected validation error when expression is missing")
	}
}

func TestConvertNodeRunReshapesInput(t *testing.T) {
	n, err := newConvertNode(service.WorkflowNode{Data: map[string]any{
		"expression": "return sum(input.values)",
	}})
	if err != nil {
		t.Fatalf("newConvertNode: %v", err)
	}

	result, err := n.Run(context.Background(), &workflow.Registry{}, map[string]any{
		"data": map[string]any{"values": []any{1.0, 2.0, 3.0}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := result.Data()["data"]; got != float64(6) {
		t.Fatalf("Data()[data] = %v, want 6", got)
	}
}

func TestConvertNodeRunInvalidExpressionPassesThrough(t *testing.T) {
	n, err := newConvertNode(service.WorkflowNode{Data: map[string]any{
		"expression": "this is not valid javascript (((",
	}})
	if err != nil {
		t.Fatalf("newConvertNode: %v", err)
	}

	result, err := n.Run(context.Background(), &workflow.Registry{}, map[string]any{
		"data": map[string]any{"unchanged": true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, ok := result.Data()["data"].(map[string]any)
	if !ok || got["unchanged"] != true {
		t.Fatalf("Data()[data] = %v, want original input unchanged", result.Data()["data"])
	}
}
