package nodes

import (
	"context"
	"testing"

	"github.com/rakunlabs/flowcore/internal/service"
	"github.com/rakunlabs/flowcore/internal/service/workflow"
)

func TestNewTemplateNodeRequiresTemplate(t *testing.T) {
	if _, err := newTemplateNode(service.WorkflowNode{Data: map[string]any{}}); err == nil {
		t.Fatal("expected error when 'template' is missing")
	}

	if _, err := newTemplateNode(service.WorkflowNode{Data: map[string]any{"template": 42}}); err == nil {
		t.Fatal("expected error when 'template' is not a string")
	}
}

func TestTemplateNodeValidateEmptyText(t *testing.T) {
	n, err := newTemplateNode(service.WorkflowNode{Data: map[string]any{"template": "   "}})
	if err != nil {
		t.Fatalf("newTemplateNode: %v", err)
	}
	if err := n.Validate(context.Background(), &workflow.Registry{}); err == nil {
		t.Fatal("expected validation error for blank template text")
	}
}

func TestTemplateNodeRunUsesDataAsContext(t *testing.T) {
	n, err := newTemplateNode(service.WorkflowNode{Data: map[string]any{
		"template": "Hello, {{.name}}!",
	}})
	if err != nil {
		t.Fatalf("newTemplateNode: %v", err)
	}

	result, err := n.Run(context.Background(), &workflow.Registry{}, map[string]any{
		"data": map[string]any{"name": "world"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := result.Data()["text"]; got != "Hello, world!" {
		t.Fatalf("Data()[text] = %q, want %q", got, "Hello, world!")
	}
}

func TestTemplateNodeRunMultipleInputsUsesRawMap(t *testing.T) {
	n, err := newTemplateNode(service.WorkflowNode{Data: map[string]any{
		"template": "{{.data}}",
	}})
	if err != nil {
		t.Fatalf("newTemplateNode: %v", err)
	}

	// With more than one input key, the raw inputs map is the template
	// context, so ".data" resolves the "data" entry rather than its fields.
	result, err := n.Run(context.Background(), &workflow.Registry{}, map[string]any{
		"data":  map[string]any{"name": "world"},
		"extra": "value",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Data()["text"] == "" {
		t.Fatal("expected non-empty rendered text")
	}
}
