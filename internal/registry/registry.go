package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cups-browsed-go/internal/model"
)

// Registry is the in-memory entry arena, keyed by EntryID rather than by
// pointer so persistence and cluster bookkeeping can reference entries by
// a stable value, per spec.md §4.4.
type Registry struct {
	mu      sync.RWMutex
	entries map[model.EntryID]*model.Entry
	order   []model.EntryID // insertion order, for stable per-scan ordering (spec.md §5)
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[model.EntryID]*model.Entry)}
}

// NewEntryID generates a fresh, stable entry identifier.
func NewEntryID() model.EntryID {
	return model.EntryID(uuid.NewString())
}

// Load hydrates the registry from persisted entries (component J's
// restart recovery), marking each *unconfirmed* until discovery
// reconfirms it, per spec.md §4.4.
func (r *Registry) Load(entries []model.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range entries {
		e := entries[i]
		e.Status = model.StatusUnconfirmed
		e.Called = false
		ptr := &e
		r.entries[e.ID] = ptr
		r.order = append(r.order, e.ID)
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id model.EntryID) (model.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return model.Entry{}, false
	}
	return *e, true
}

// All returns a snapshot copy of every entry, for the reconciler's scan.
func (r *Registry) All() []model.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// ByQueueName finds an entry by its local queue name.
func (r *Registry) ByQueueName(name string) (model.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.QueueName == name {
			return *e, true
		}
	}
	return model.Entry{}, false
}

// Upsert finds the entry with queueName and merges inst into its
// instance list, applying TriggerConfirmed; if there is none it creates
// one (Cluster set from isCluster), applying TriggerDiscovered. It
// returns the resulting entry and the side effect the reconciler must
// act on.
func (r *Registry) Upsert(inst model.DiscoveryInstance, queueName string, isCluster bool) (model.Entry, model.SideEffect) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.QueueName != queueName {
			continue
		}
		e.Instances = mergeInstance(e.Instances, inst)
		e.Instances = model.SortInstances(e.Instances)
		e.UpdatedAt = now()
		next, effect := transition(e.Status, TriggerConfirmed)
		e.Status = next
		if next == model.StatusToBeCreated {
			e.NextAction = now()
		}
		return *e, effect
	}

	id := NewEntryID()
	e := &model.Entry{
		ID:        id,
		QueueName: queueName,
		Instances: []model.DiscoveryInstance{inst},
		Cluster:   isCluster,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	next, effect := transition(e.Status, TriggerDiscovered)
	e.Status = next
	r.entries[id] = e
	r.order = append(r.order, id)
	return *e, effect
}

// UpsertCluster is Upsert's counterpart for cluster members: distinct
// backing printers that share one local queue name are distinct
// entries (master + slaves), not instances of the same entry, per
// spec.md §4.5 step 4's auto-clustering rule. It keys on deviceURI so
// two printers sharing a queue name don't collapse into one entry.
func (r *Registry) UpsertCluster(deviceURI, queueName string, inst model.DiscoveryInstance) (model.Entry, model.SideEffect) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.QueueName != queueName || e.DeviceURI() != deviceURI {
			continue
		}
		e.Instances = mergeInstance(e.Instances, inst)
		e.Instances = model.SortInstances(e.Instances)
		e.UpdatedAt = now()
		next, effect := transition(e.Status, TriggerConfirmed)
		e.Status = next
		if next == model.StatusToBeCreated {
			e.NextAction = now()
		}
		return *e, effect
	}

	id := NewEntryID()
	e := &model.Entry{
		ID:        id,
		QueueName: queueName,
		Instances: []model.DiscoveryInstance{inst},
		Cluster:   true,
		CreatedAt: now(),
		UpdatedAt: now(),
	}

	master := r.masterOfQueueLocked(queueName)
	if master == nil {
		e.MasterOf = id // first member of this cluster becomes master
	} else {
		e.IsSlave = true
		e.SlaveOf = master.ID
	}

	next, effect := transition(e.Status, TriggerDiscovered)
	e.Status = next
	r.entries[id] = e
	r.order = append(r.order, id)
	return *e, effect
}

func (r *Registry) masterOfQueueLocked(queueName string) *model.Entry {
	for _, e := range r.entries {
		if e.QueueName == queueName && e.Cluster && !e.IsSlave {
			return e
		}
	}
	return nil
}

func mergeInstance(instances []model.DiscoveryInstance, inst model.DiscoveryInstance) []model.DiscoveryInstance {
	for i, existing := range instances {
		if existing.InterfaceName == inst.InterfaceName &&
			existing.Transport == inst.Transport &&
			existing.Family == inst.Family {
			instances[i] = inst
			return instances
		}
	}
	return append(instances, inst)
}

// ExpireLegacyBroadcasts applies TriggerMissing to every confirmed entry
// whose legacy-broadcast expiry deadline has passed, the only
// disappearance signal available for a remote printer learned without a
// DNS-SD goodbye record (spec.md §3/§4.6 step 9).
func (r *Registry) ExpireLegacyBroadcasts(at time.Time) []Transitioned {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Transitioned
	for id, e := range r.entries {
		if e.LegacyExpiry.IsZero() || e.LegacyExpiry.After(at) {
			continue
		}
		next, effect := transition(e.Status, TriggerMissing)
		if next == e.Status && effect == model.SideEffectNone {
			continue
		}
		e.Status = next
		e.LegacyExpiry = time.Time{}
		e.UpdatedAt = now()
		out = append(out, Transitioned{ID: id, Entry: *e, Effect: effect})
	}
	return out
}

// MarkMissing applies TriggerMissing to every entry not present in
// seenQueueNames this tick, returning the ids that transitioned along
// with their side effect, for the reconciler to act on.
func (r *Registry) MarkMissing(seenQueueNames map[string]bool) []Transitioned {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Transitioned
	for id, e := range r.entries {
		if seenQueueNames[e.QueueName] {
			continue
		}
		next, effect := transition(e.Status, TriggerMissing)
		if next == e.Status && effect == model.SideEffectNone {
			continue
		}
		e.Status = next
		e.UpdatedAt = now()
		out = append(out, Transitioned{ID: id, Entry: *e, Effect: effect})
	}
	return out
}

// Transitioned is one entry's (new state, side effect) pair from a batch
// transition pass.
type Transitioned struct {
	ID     model.EntryID
	Entry  model.Entry
	Effect model.SideEffect
}

// Release marks id for release-on-shutdown rather than deletion.
func (r *Registry) Release(id model.EntryID) (model.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return model.Entry{}, false
	}
	next, _ := transition(e.Status, TriggerRelease)
	e.Status = next
	e.UpdatedAt = now()
	return *e, true
}

// Delete removes an entry from the arena outright (after its side effect
// has been carried out), promoting one of its slaves to master first if
// it was itself a master, per spec.md §4.4's promotion rule.
func (r *Registry) Delete(id model.EntryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(id)
}

func (r *Registry) deleteLocked(id model.EntryID) {
	removed, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if removed.MasterOf == "" {
		return
	}
	// removed was itself a master candidate list entry: every slave
	// pointing at it must be reparented (invariant 2 — a slave's master
	// is never a disappeared entry), but only a live one (excluding
	// disappeared/to-be-released, per spec.md §4.4's promotion rule) is
	// eligible for promotion.
	var allSlaves, liveSlaves []*model.Entry
	for _, e := range r.entries {
		if e.IsSlave && e.SlaveOf == id {
			allSlaves = append(allSlaves, e)
			if e.Status != model.StatusDisappeared && e.Status != model.StatusToBeReleased {
				liveSlaves = append(liveSlaves, e)
			}
		}
	}
	if len(liveSlaves) == 0 {
		// No live slave to promote: every slave is reparented to the
		// deleted-master sentinel so its own teardown never mistakes a
		// replacement queue created later in this pass for its master.
		for _, s := range allSlaves {
			s.SlaveOf = model.DeletedMasterID
		}
		return
	}
	promoted := liveSlaves[0]
	for _, s := range liveSlaves[1:] {
		if s.QueueName < promoted.QueueName {
			promoted = s
		}
	}
	promoted.IsSlave = false
	promoted.SlaveOf = model.DeletedMasterID
	for _, s := range allSlaves {
		if s.ID == promoted.ID {
			continue
		}
		s.SlaveOf = promoted.ID
	}
	next, _ := transition(promoted.Status, TriggerMasterDeleted)
	promoted.Status = next
	promoted.UpdatedAt = now()
}

// SetCaps stores a freshly-fetched capability set on id.
func (r *Registry) SetCaps(id model.EntryID, caps model.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Caps = caps
		e.UpdatedAt = now()
	}
}

// InvalidateCaps clears a cached capability set, forcing a refetch
// before any cluster attribute merge is attempted (decided Open
// Question 3).
func (r *Registry) InvalidateCaps(id model.EntryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Caps = model.Capabilities{}
	}
}

// MarkCalled / ClearCalled implement the "called" overlap-protection
// flag: the reconciler sets it before starting work on an entry and
// clears it after, so a second concurrent tick skips entries already in
// flight (spec.md's overlap protection invariant).
func (r *Registry) MarkCalled(id model.EntryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Called {
		return false
	}
	e.Called = true
	return true
}

func (r *Registry) ClearCalled(id model.EntryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Called = false
	}
}

// Due returns a snapshot of entries whose NextAction deadline has
// passed, in stable insertion order, per spec.md §4.6's "scans D in
// order" and §5's "reconciler's per-scan order is stable" guarantee.
func (r *Registry) Due(at time.Time) []model.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Entry
	for _, id := range r.order {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		if e.Called {
			continue
		}
		if !e.NextAction.After(at) {
			out = append(out, *e)
		}
	}
	return out
}

// SetNextAction pushes an entry's next-action deadline, used by the
// reconciler to honor maxUpdatesPerCall/pauseBetweenUpdates budgeting.
func (r *Registry) SetNextAction(id model.EntryID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.NextAction = at
	}
}

// SetStatus forcibly transitions an entry via the given trigger,
// returning the resulting side effect (used by the notification handler
// and the reconciler's overwrite-detection pre-check).
func (r *Registry) SetStatus(id model.EntryID, t Trigger) (model.Entry, model.SideEffect, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return model.Entry{}, model.SideEffectNone, false
	}
	next, effect := transition(e.Status, t)
	e.Status = next
	e.UpdatedAt = now()
	return *e, effect, true
}

// SetStatusText records a human-readable rationale (e.g. "externally
// modified") alongside a transition.
func (r *Registry) SetStatusText(id model.EntryID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.StatusText = text
	}
}

// MarkOverwriteDetected flags an entry as having had its scheduler-side
// queue externally modified, per spec.md §4.6's overwrite pre-check.
func (r *Registry) MarkOverwriteDetected(id model.EntryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.OverwriteDetected = true
	}
}

// IncrementRetry bumps an entry's retry counter and reports whether it
// has now reached HttpMaxRetries.
func (r *Registry) IncrementRetry(id model.EntryID, max int) (count int, exceeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	e.RetryCount++
	return e.RetryCount, e.RetryCount >= max
}

// ResetRetry clears an entry's retry counter on a successful call.
func (r *Registry) ResetRetry(id model.EntryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.RetryCount = 0
	}
}

// SetLegacyExpiry sets (or, with a zero time, clears) an entry's
// legacy-broadcast expiry deadline, per spec.md §3/§4.6 step 9.
func (r *Registry) SetLegacyExpiry(id model.EntryID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.LegacyExpiry = at
	}
}

// SetLastPrinter records the dispatcher's round-robin cursor on a
// cluster master entry.
func (r *Registry) SetLastPrinter(id model.EntryID, idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.LastPrinter = idx
	}
}

// ClusterMembers returns every confirmed entry sharing queueName,
// master first, for the dispatcher's candidate list (spec.md §4.8 step
// 1).
func (r *Registry) ClusterMembers(queueName string) []model.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Entry
	for _, id := range r.order {
		e, ok := r.entries[id]
		if !ok || e.QueueName != queueName || e.Status != model.StatusConfirmed {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// now is a seam for deterministic tests.
var now = time.Now
