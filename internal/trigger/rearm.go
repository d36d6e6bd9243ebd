package trigger

import (
	"time"

	"push-server/internal/model"
)

// Rearm returns the state a repeating event resumes waiting with after it was
// dispatched at now: one-shot leaves are cleared so they must fire again, and
// price-change leaves keep now as the anchor for their next comparison.
func Rearm(t model.Trigger, now time.Time) model.TriggerState {
	if t.IsCompound() {
		subs := make([]model.TriggerState, len(t.Triggers))
		for i, sub := range t.Triggers {
			subs[i] = Rearm(sub, now)
		}
		return model.Compound(subs...)
	}
	if t.IsRecurring() {
		return model.FiredAt(now)
	}
	return model.TriggerState{}
}
