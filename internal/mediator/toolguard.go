package mediator

import (
	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/toolguard"
)

// ToolGuard exposes the Tool Guard to whatever RPC surface the agent
// runtime calls back into the kernel on (§4.M: "for agent-initiated tool
// calls during a dispatch, Tool Guard runs before each call"). The
// Mediator doesn't own tool-call policy itself — internal/toolguard does —
// it only wires the guard into the same Deps the rest of the pipeline
// uses, so callers reach it through one Mediator value rather than
// threading a second dependency around.
type ToolGuard interface {
	Evaluate(req toolguard.Request) toolguard.Verdict
	TruncateOutput(s string) (out string, truncated bool)
}

// WithToolGuard attaches the guard used by EvaluateTool/TruncateToolOutput.
// Kept separate from Deps because the guard's own Config is assembled from
// per-scope tables that the rest of Deps doesn't need to know about.
func (m *Mediator) WithToolGuard(g ToolGuard) *Mediator {
	m.toolGuard = g
	return m
}

func (m *Mediator) EvaluateTool(req toolguard.Request) toolguard.Verdict {
	if m.toolGuard == nil {
		return toolguard.Verdict{Decision: policy.Deny, Reason: "tool guard not configured"}
	}
	return m.toolGuard.Evaluate(req)
}

func (m *Mediator) TruncateToolOutput(s string) (string, bool) {
	if m.toolGuard == nil {
		return s, false
	}
	return m.toolGuard.TruncateOutput(s)
}
