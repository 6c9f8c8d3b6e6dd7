package nodes

import (
	"context"
	"fmt"

	"github.com/rakunlabs/flowcore/internal/service"
	"github.com/rakunlabs/flowcore/internal/service/workflow"
)

// convertNode reshapes the upstream "data" value through an expression
// evaluated in workflow.RunConversionFunc's restricted sandbox: allowlisted
// pure builtins only, no network/filesystem/module access, bounded CPU and
// payload size. Unlike scriptNode (which runs operator-authored automation
// code with full httpGet/httpPost access), a convert node sits on a plain
// data edge and must be safe to evaluate on every value that crosses it.
//
// Config (node.Data):
//
//	"expression": string — JS expression/function body; "input" is bound
//	                       to the incoming "data" value (required)
//
// Input ports:  "data"
// Output ports: "data" — the expression's return value
//
// A compile error, runtime error, or timeout in the expression does not
// fail the node: the original input passes through unchanged, per the
// sandbox's fail-open contract.
type convertNode struct {
	expression string
}

func init() {
	workflow.RegisterNodeType("convert", newConvertNode)
}

func newConvertNode(node service.WorkflowNode) (workflow.Noder, error) {
	expr, _ := node.Data["expression"].(string)
	return &convertNode{expression: expr}, nil
}

func (n *convertNode) Type() string { return "convert" }

func (n *convertNode) Validate(_ context.Context, _ *workflow.Registry) error {
	if n.expression == "" {
		return fmt.Errorf("convert: 'expression' is required")
	}
	return nil
}

func (n *convertNode) Run(_ context.Context, _ *workflow.Registry, inputs map[string]any) (workflow.NodeResult, error) {
	result := workflow.RunConversionFunc(n.expression, inputs["data"])
	return workflow.NewResult(map[string]any{"data": result}), nil
}
