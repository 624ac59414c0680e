package mediator

import (
	"context"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/bus"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/scheduler"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/sessions"
)

// SchedulerHandler adapts the Mediator into a scheduler.Handler (§4.L, §3
// Cron Job's action ∈ {private-heartbeat, social-heartbeat[service?]}): the
// scheduler drives autonomous activity through the same pipeline as any
// other inbound message, just with a synthetic message sourced from the
// job's own scope/actor/payload instead of a channel adapter.
//
// A heartbeat is never approval-gated: its payload was authored by the
// operator at job-creation time (via the cron CLI, §6), not supplied by an
// untrusted inbound sender, so a WARN/BLOCK classification here indicates
// the job itself needs fixing rather than a message to route to a human.
// The handler therefore surfaces that as a returned error (recorded in the
// job's run history) rather than silently parking an approval nobody will
// ever see.
func (m *Mediator) SchedulerHandler() scheduler.Handler {
	return func(ctx context.Context, job scheduler.Job) error {
		scope := policy.Scope(job.Scope)
		tier := m.deps.PolicyEngine.ResolveTier(ctx, scope, job.ActorID, m.deps.Identity)

		poolKind := sessions.PoolAutonomous
		msg := bus.InboundMessage{
			Channel:  m.deps.Service,
			SenderID: job.ActorID,
			ChatID:   job.ActorID,
			Content:  job.Payload,
			Metadata: map[string]string{"scope": job.Scope, "pool_kind": string(poolKind)},
		}

		reply, derr := m.dispatch(ctx, scope, msg, job.Payload, tier)
		if derr != nil {
			return derr
		}
		_ = reply // heartbeat replies are posted by the channel adapter that owns job.Scope, not returned here
		return nil
	}
}
