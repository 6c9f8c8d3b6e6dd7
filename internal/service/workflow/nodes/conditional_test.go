package nodes

import (
	"context"
	"testing"

	"github.com/rakunlabs/flowcore/internal/service"
	"github.com/rakunlabs/flowcore/internal/service/workflow"
)

func TestConditionalNodeValidateRequiresExpression(t *testing.T) {
	n, err := newConditionalNode(service.WorkflowNode{Data: map[string]any{}})
	if err != nil {
		t.Fatalf("newConditionalNode: %v", err)
	}
	if err := n.Validate(context.Background(), &workflow.Registry{}); err == nil {
		t.Fatal("expected validation error when expression is missing")
	}
}

func TestConditionalNodeRunTrueBranch(t *testing.T) {
	n, err := newConditionalNode(service.WorkflowNode{Data: map[string]any{
		"expression": "data.score > 0.8",
	}})
	if err != nil {
		t.Fatalf("newConditionalNode: %v", err)
	}

	result, err := n.Run(context.Background(), &workflow.Registry{}, map[string]any{
		"data": map[string]any{"score": 0.95},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	sel, ok := result.(workflow.NodeResultSelection)
	if !ok {
		t.Fatal("expected a NodeResultSelection")
	}
	if got := sel.Selection(); len(got) != 1 || got[0] != "true" {
		t.Fatalf("Selection() = %v, want [true]", got)
	}
	if result.Data()["result"] != true {
		t.Fatalf("Data()[result] = %v, want true", result.Data()["result"])
	}
}

func TestConditionalNodeRunFalseBranch(t *testing.T) {
	n, err := newConditionalNode(service.WorkflowNode{Data: map[string]any{
		"expression": "data.score > 0.8",
	}})
	if err != nil {
		t.Fatalf("newConditionalNode: %v", err)
	}

	result, err := n.Run(context.Background(), &workflow.Registry{}, map[string]any{
		"data": map[string]any{"score": 0.1},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	sel := result.(workflow.NodeResultSelection)
	if got := sel.Selection(); len(got) != 1 || got[0] != "false" {
		t.Fatalf("Selection() = %v, want [false]", got)
	}
}

func TestConditionalNodeRunInvalidExpression(t *testing.T) {
	n, err := newConditionalNode(service.WorkflowNode{Data: map[string]any{
		"expression": "this is not valid javascript (((",
	}})
	if err != nil {
		t.Fatalf("newConditionalNode: %v", err)
	}

	if _, err := n.Run(context.Background(), &workflow.Registry{}, map[string]any{}); err == nil {
		t.Fatal("expected an expression evaluation error")
	}
}
