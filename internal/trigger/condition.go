package trigger

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditionEnv is what a subscription condition can see of an event.
func conditionEnv(ev CRMEvent) map[string]interface{} {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"event":      ev.Name,
		"entityType": ev.EntityType,
		"entityId":   ev.EntityID,
		"userId":     ev.UserID,
		"payload":    payload,
	}
}

// CompileCondition compiles a boolean event condition such as
//
//	payload.amount > 10000 && payload.stage == "Negotiation"
//
// Unknown top-level variables are compile errors.
func CompileCondition(src string) (*vm.Program, error) {
	prog, err := expr.Compile(src, expr.Env(conditionEnv(CRMEvent{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", src, err)
	}
	return prog, nil
}

// matches runs a compiled condition against ev. A nil program matches
// everything; a condition that fails at runtime (a missing payload field
// compared to a number, say) does not match.
func matches(prog *vm.Program, ev CRMEvent) (bool, error) {
	if prog == nil {
		return true, nil
	}
	out, err := expr.Run(prog, conditionEnv(ev))
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}
