// Package registry holds the remote-printer entry arena: the persistent
// record of every discovered printer's identity, status, and instances,
// per spec.md §4.4's state machine and §3's identity/instance model.
package registry

import "cups-browsed-go/internal/model"

// Trigger is an event applied to one entry during a reconciliation tick.
type Trigger int

const (
	// TriggerDiscovered: a new logical printer was seen for the first
	// time this tick.
	TriggerDiscovered Trigger = iota
	// TriggerConfirmed: an already-known entry's instance was seen again
	// this tick.
	TriggerConfirmed
	// TriggerMissing: a known entry was not seen this tick.
	TriggerMissing
	// TriggerMasterDeleted: this entry's master was just deleted; it is
	// a candidate for promotion or for following its master out.
	TriggerMasterDeleted
	// TriggerRelease: the daemon is shutting down and this entry's local
	// queue should be released rather than deleted (spec.md's
	// shutdown-policy "to-be-released" transition).
	TriggerRelease
	// TriggerNameCollision: the computed local queue name collided with
	// an existing manually-configured queue at creation time.
	TriggerNameCollision
)

// transition is the pure function spec.md §9's design note calls for: it
// never touches the registry map, a clock, or I/O — it only maps
// (current status, trigger) to (next status, side effect).
func transition(current model.Status, t Trigger) (model.Status, model.SideEffect) {
	switch t {
	case TriggerDiscovered:
		return model.StatusToBeCreated, model.SideEffectCreateOrModify

	case TriggerConfirmed:
		switch current {
		case model.StatusToBeCreated, model.StatusToBeCreatedRenamed:
			return model.StatusConfirmed, model.SideEffectCreateOrModify
		case model.StatusUnconfirmed, model.StatusDisappeared:
			// spec.md §4.3 step 3: rediscovering an entry recovered from a
			// previous session (or one already scheduled for removal)
			// re-arms it for creation rather than just marking it live.
			return model.StatusToBeCreated, model.SideEffectCreateOrModify
		default:
			return model.StatusConfirmed, model.SideEffectNone
		}

	case TriggerMissing:
		switch current {
		case model.StatusConfirmed:
			return model.StatusUnconfirmed, model.SideEffectNone
		case model.StatusUnconfirmed:
			return model.StatusDisappeared, model.SideEffectDelete
		case model.StatusToBeCreated, model.StatusToBeCreatedRenamed:
			// Disappeared before ever being created locally: nothing to
			// delete on the scheduler side.
			return model.StatusDisappeared, model.SideEffectNone
		default:
			return current, model.SideEffectNone
		}

	case TriggerMasterDeleted:
		return model.StatusToBeCreated, model.SideEffectCreateOrModify

	case TriggerRelease:
		return model.StatusToBeReleased, model.SideEffectRelease

	case TriggerNameCollision:
		return model.StatusToBeCreatedRenamed, model.SideEffectCreateOrModify

	default:
		return current, model.SideEffectNone
	}
}
