// Package reconciler drives the timer-driven loop that realizes the
// registry's intent onto the local print scheduler: creating,
// modifying, releasing, and deleting managed queues.
package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"

	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/logging"
	"cups-browsed-go/internal/metrics"
	"cups-browsed-go/internal/model"
	"cups-browsed-go/internal/optstore"
	"cups-browsed-go/internal/registry"
)

// QueueMark is the option key used to identify a managed queue.
const QueueMark = "cups-browsed"

// Reconciler ties the registry to the local scheduler's IPP admin
// endpoint, running the same ticker-driven scan-and-act loop shape a
// job scheduler would, generalized here from job processing to queue
// create/modify/delete.
type Reconciler struct {
	Registry *registry.Registry
	Local    *ippclient.Client
	Options  *optstore.Store

	Interval            time.Duration
	MaxUpdatesPerCall   int
	PauseBetweenUpdates time.Duration
	HttpMaxRetries      int

	// BrowseTimeout is how long a legacy-broadcast-learned entry's
	// scheduler-visible queue is kept alive without a fresh sighting
	// before it is treated as gone (§4.6 create step 9).
	BrowseTimeout time.Duration

	DefaultOptions                   map[string]string
	AllowResharingRemoteCUPSPrinters bool
	KeepGeneratedQueuesOnShutdown    bool

	// Metrics, when set, receives counts of reconcile actions and
	// retry exhaustion; nil is a valid no-op default.
	Metrics *metrics.Collector

	// FetchCapabilities is called to populate an entry's capability
	// cache when absent; injected so tests can fake IPP round-trips.
	FetchCapabilities func(ctx context.Context, e model.Entry) (model.Capabilities, error)

	// QueueState reports the scheduler's perceived device URI, driver
	// nickname, active job count, and whether a pre-existing queue of
	// this name is a temporary one (CUPS creates these for unmanaged
	// implicit-class members), for the overwrite pre-check (§4.6
	// pre-check) and the create/delete paths.
	QueueState func(ctx context.Context, queueName string) (deviceURI, driverNickname string, activeJobs int, isTemporary bool, err error)

	// SetShared flips a queue's printer-is-shared bit, used to convert a
	// pre-existing temporary queue to permanent (§4.6 create step 2).
	SetShared func(ctx context.Context, queueName string, shared bool) error

	// DisableQueue pauses a queue with a human-readable state message,
	// used by the delete path's active-jobs branch and the
	// default-queue-without-notifications guard (§4.6 delete steps 2-3).
	// New installs one that sends Pause-Printer through Local with the
	// message as printer-state-message.
	DisableQueue func(ctx context.Context, queueName, message string) error

	// DefaultQueueName reports the local scheduler's current default
	// queue name, for the delete path's default-queue guard.
	DefaultQueueName func(ctx context.Context) (string, error)

	// HasDefaultChangeNotifications reports whether this daemon is
	// wired to a live notification channel for default-printer changes
	// (the "D-Bus-equivalent notification channel" of §4.6 delete step
	// 3). When false, a managed default queue is disabled rather than
	// deleted, since there is no other way to learn the default moved.
	HasDefaultChangeNotifications bool

	mu          sync.Mutex // guards terminating
	terminating bool
}

// New builds a Reconciler with defaults applied.
func New(reg *registry.Registry, local *ippclient.Client, opts *optstore.Store) *Reconciler {
	r := &Reconciler{
		Registry:            reg,
		Local:               local,
		Options:             opts,
		Interval:            2 * time.Second,
		MaxUpdatesPerCall:   10,
		PauseBetweenUpdates: 500 * time.Millisecond,
		HttpMaxRetries:      3,
	}
	r.DisableQueue = func(ctx context.Context, queueName, message string) error {
		msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpPausePrinter, uint32(time.Now().UnixNano()))
		msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(local.ResourceURL("/printers/"+queueName))))
		msg.Printer.Add(goipp.MakeAttribute("printer-state-message", goipp.TagText, goipp.String(message)))
		_, err := local.Send(ctx, ippclient.PrinterResource(goipp.OpPausePrinter, queueName), msg, nil)
		return err
	}
	return r
}

// Run ticks every r.Interval, calling ProcessOnce, until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Terminate(ctx)
			return
		case <-ticker.C:
			r.ProcessOnce(ctx)
		}
	}
}

// Terminate runs a final reconciliation pass that removes managed
// queues unless KeepGeneratedQueuesOnShutdown is set.
func (r *Reconciler) Terminate(ctx context.Context) {
	r.mu.Lock()
	r.terminating = true
	r.mu.Unlock()
	if r.KeepGeneratedQueuesOnShutdown {
		return
	}
	for _, e := range r.Registry.All() {
		if r.Registry.MarkCalled(e.ID) {
			r.deleteQueue(ctx, e)
			r.Registry.ClearCalled(e.ID)
		}
	}
}

// ProcessOnce scans the registry for due entries (subject to
// MaxUpdatesPerCall) and processes each on its own worker goroutine, so
// a long-running IPP call never blocks the scan itself.
func (r *Reconciler) ProcessOnce(ctx context.Context) {
	r.mu.Lock()
	terminating := r.terminating
	r.mu.Unlock()
	if terminating {
		return
	}

	r.Registry.ExpireLegacyBroadcasts(time.Now())

	due := r.Registry.Due(time.Now())
	budget := r.MaxUpdatesPerCall
	if budget <= 0 {
		budget = len(due)
	}

	var wg sync.WaitGroup
	processed := 0
	for _, e := range due {
		if processed >= budget {
			r.Registry.SetNextAction(e.ID, time.Now().Add(r.pauseBetweenUpdates()))
			continue
		}
		if !r.Registry.MarkCalled(e.ID) {
			continue
		}
		processed++
		wg.Add(1)
		go func(entry model.Entry) {
			defer wg.Done()
			defer r.Registry.ClearCalled(entry.ID)
			r.processEntry(ctx, entry)
		}(e)
	}
	wg.Wait()
}

func (r *Reconciler) pauseBetweenUpdates() time.Duration {
	if r.PauseBetweenUpdates <= 0 {
		return 500 * time.Millisecond
	}
	return r.PauseBetweenUpdates
}

func (r *Reconciler) processEntry(ctx context.Context, e model.Entry) {
	log := logging.Component("reconciler")

	switch e.Status {
	case model.StatusConfirmed:
		if r.detectOverwrite(ctx, e) {
			return
		}
	case model.StatusDisappeared, model.StatusToBeReleased:
		r.deleteQueue(ctx, e)
		return
	}

	if err := r.createOrModify(ctx, e); err != nil {
		log.Warn().Str("queue", e.QueueName).Err(err).Msg("create/modify failed")
		r.countFailure("create_or_modify")
		count, exceeded := r.Registry.IncrementRetry(e.ID, r.maxRetries())
		if exceeded {
			r.Registry.SetStatus(e.ID, registry.TriggerMissing)
			if r.Metrics != nil {
				r.Metrics.RetryExhausted.Inc()
			}
			return
		}
		r.Registry.SetNextAction(e.ID, time.Now().Add(backoffFor(count)))
		return
	}
	r.countAction("create_or_modify")
	r.Registry.ResetRetry(e.ID)
}

func (r *Reconciler) countAction(kind string) {
	if r.Metrics != nil {
		r.Metrics.ReconcileActions.WithLabelValues(kind).Inc()
	}
}

func (r *Reconciler) countFailure(kind string) {
	if r.Metrics != nil {
		r.Metrics.ReconcileFailures.WithLabelValues(kind).Inc()
	}
}

func (r *Reconciler) maxRetries() int {
	if r.HttpMaxRetries <= 0 {
		return 3
	}
	return r.HttpMaxRetries
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(attempt) * 2 * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// detectOverwrite runs the overwrite pre-check: compares the
// scheduler's perceived device URI and driver nickname for a confirmed
// queue against what this daemon expects.
func (r *Reconciler) detectOverwrite(ctx context.Context, e model.Entry) bool {
	if r.QueueState == nil {
		return false
	}
	deviceURI, _, _, _, err := r.QueueState(ctx, e.QueueName)
	if err != nil {
		return false
	}
	expected := expectedDeviceURI(e)
	if deviceURI != "" && deviceURI != expected {
		r.Registry.MarkOverwriteDetected(e.ID)
		r.Registry.SetStatusText(e.ID, "externally modified: device-uri diverged from "+expected)
		r.Registry.SetStatus(e.ID, registry.TriggerRelease)
		return true
	}
	return false
}

// isRemoteSchedulerDeviceURI reports whether u names a live remote IPP
// scheduler (as opposed to an implicit-class or local backend URI), the
// condition under which a stuck temporary queue must be deleted rather
// than just reshared (§4.6 create step 2).
func isRemoteSchedulerDeviceURI(u string) bool {
	return strings.HasPrefix(u, "ipp://") || strings.HasPrefix(u, "ipps://")
}

// deleteExistingQueue removes a scheduler queue directly, bypassing the
// option-persistence and registry bookkeeping of deleteQueue, for
// clearing a stuck temporary queue out of the way before re-creating it.
func (r *Reconciler) deleteExistingQueue(ctx context.Context, queueName string) error {
	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsDeletePrinter, uint32(time.Now().UnixNano()))
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(r.Local.ResourceURL("/printers/"+queueName))))
	_, err := r.Local.Send(ctx, ippclient.PrinterResource(goipp.OpCupsDeletePrinter, queueName), msg, nil)
	return err
}

func expectedDeviceURI(e model.Entry) string {
	if e.Cluster {
		return "implicitclass:" + e.QueueName
	}
	return e.DeviceURI()
}

// createOrModify runs the create/modify path: fetch capabilities,
// build the IPP add/modify request, apply default options, resume and
// set-as-default if configured, then record the result.
func (r *Reconciler) createOrModify(ctx context.Context, e model.Entry) error {
	// Step 1: acquire capabilities if not cached.
	if !e.Caps.Fetched && r.FetchCapabilities != nil {
		caps, err := r.FetchCapabilities(ctx, e)
		if err != nil {
			return err
		}
		r.Registry.SetCaps(e.ID, caps)
		e.Caps = caps
	}

	// Step 6 (computed early so step 2 knows the desired end state):
	// printer-is-shared policy.
	shared := true
	if e.Cluster && e.CupsQueue && !r.AllowResharingRemoteCUPSPrinters {
		shared = false
	}

	// Step 2: convert a pre-existing temporary queue to permanent by
	// flipping printer-is-shared true then back to the desired value;
	// if the flip fails because the queue actually points at a live
	// remote scheduler, remove the temporary queue first, but only
	// when it has no active jobs.
	if r.QueueState != nil {
		existingURI, _, activeJobs, isTemporary, err := r.QueueState(ctx, e.QueueName)
		if err == nil && isTemporary && r.SetShared != nil {
			if flipErr := r.SetShared(ctx, e.QueueName, true); flipErr != nil {
				if isRemoteSchedulerDeviceURI(existingURI) && activeJobs == 0 {
					_ = r.deleteExistingQueue(ctx, e.QueueName)
				}
			} else {
				_ = r.SetShared(ctx, e.QueueName, shared)
			}
		}
	}

	// Step 3: assemble option defaults (config defaults ⊕ restored
	// per-queue options); no cluster-derived defaults are added.
	options := map[string]string{}
	for k, v := range r.DefaultOptions {
		options[k] = v
	}
	if r.Options != nil {
		if saved, ok := r.Options.LoadQueueOptions(e.QueueName); ok {
			for k, v := range saved {
				options[k] = v
			}
		}
	}

	// Step 5: send the modify request.
	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsAddModifyPrinter, uint32(time.Now().UnixNano()))
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(r.Local.ResourceURL("/printers/"+e.QueueName))))
	msg.Operation.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(e.QueueName)))

	// Step 4: device URI.
	msg.Printer.Add(goipp.MakeAttribute("device-uri", goipp.TagURI, goipp.String(expectedDeviceURI(e))))
	msg.Printer.Add(goipp.MakeAttribute("printer-is-shared", goipp.TagBoolean, goipp.Boolean(shared)))
	msg.Printer.Add(goipp.MakeAttribute(QueueMark, goipp.TagBoolean, goipp.Boolean(true)))
	for k, v := range options {
		msg.Printer.Add(goipp.MakeAttribute(k, goipp.TagText, goipp.String(v)))
	}

	resource := ippclient.PrinterResource(goipp.OpCupsAddModifyPrinter, e.QueueName)
	if _, err := r.Local.Send(ctx, resource, msg, nil); err != nil {
		return err
	}
	if r.Metrics != nil {
		r.Metrics.ManagedQueues.Set(float64(len(r.Registry.All())))
	}

	// Step 7: re-enable if previously disabled.
	resume := goipp.NewRequest(goipp.DefaultVersion, goipp.OpResumePrinter, uint32(time.Now().UnixNano()))
	resume.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(r.Local.ResourceURL("/printers/"+e.QueueName))))
	_, _ = r.Local.Send(ctx, ippclient.PrinterResource(goipp.OpResumePrinter, e.QueueName), resume, nil)

	// Step 8: restore default designation if this queue was default
	// before.
	if r.Options != nil {
		if name, ok := r.Options.LoadRemoteDefault(); ok && name == e.QueueName {
			setDefault := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsSetDefault, uint32(time.Now().UnixNano()))
			setDefault.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(r.Local.ResourceURL("/printers/"+e.QueueName))))
			_, _ = r.Local.Send(ctx, ippclient.PrinterResource(goipp.OpCupsSetDefault, e.QueueName), setDefault, nil)
		}
	}

	// Step 9: transition to confirmed, clearing the legacy-broadcast
	// expiry timer unless this entry was learned via legacy broadcast,
	// in which case it is (re)armed for BrowseTimeout from now: a
	// legacy-broadcast sighting carries no DNS-SD goodbye record, so
	// this is the only signal that tells the reconciler the remote
	// printer is gone.
	r.Registry.SetStatus(e.ID, registry.TriggerConfirmed)
	if inst, ok := e.PreferredInstance(); ok && inst.Origin == model.OriginLegacyBroadcast {
		r.Registry.SetLegacyExpiry(e.ID, time.Now().Add(r.browseTimeout()))
	} else {
		r.Registry.SetLegacyExpiry(e.ID, time.Time{})
	}
	return nil
}

func (r *Reconciler) browseTimeout() time.Duration {
	if r.BrowseTimeout <= 0 {
		return 60 * time.Second
	}
	return r.BrowseTimeout
}

// deleteQueue runs the delete path: check for active jobs, release the
// default-printer option, delete the queue, then clear the entry.
func (r *Reconciler) deleteQueue(ctx context.Context, e model.Entry) {
	// Step 1: persist option defaults unless to-be-released.
	if r.Options != nil && e.Status != model.StatusToBeReleased {
		_ = r.Options.SaveQueueOptions(e.QueueName, e.PersistedOptions)
	}

	// Step 2: active jobs check — disable (with a descriptive state
	// message) rather than delete outright, and reschedule.
	if r.QueueState != nil {
		_, _, activeJobs, _, err := r.QueueState(ctx, e.QueueName)
		if err == nil && activeJobs > 0 {
			if r.DisableQueue != nil {
				_ = r.DisableQueue(ctx, e.QueueName, "Queue removal pending completion of queued jobs")
			}
			r.Registry.SetNextAction(e.ID, time.Now().Add(r.pauseBetweenUpdates()))
			return
		}
	}

	// Step 3: refuse to delete the scheduler default without a live
	// default-change notification channel; disable and reschedule
	// instead, since without that channel we would have no way to learn
	// the default moved elsewhere before recreating this queue.
	if e.Status != model.StatusToBeReleased && !r.HasDefaultChangeNotifications && r.DefaultQueueName != nil {
		if name, err := r.DefaultQueueName(ctx); err == nil && name == e.QueueName {
			if r.DisableQueue != nil {
				_ = r.DisableQueue(ctx, e.QueueName, "Default queue removal deferred: no default-change notifications available")
			}
			r.Registry.SetNextAction(e.ID, time.Now().Add(r.pauseBetweenUpdates()))
			return
		}
	}

	if e.Status == model.StatusToBeReleased {
		r.Registry.Delete(e.ID)
		r.countAction("delete")
		return
	}

	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsDeletePrinter, uint32(time.Now().UnixNano()))
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(r.Local.ResourceURL("/printers/"+e.QueueName))))
	if _, err := r.Local.Send(ctx, ippclient.PrinterResource(goipp.OpCupsDeletePrinter, e.QueueName), msg, nil); err != nil {
		r.countFailure("delete")
		r.Registry.SetNextAction(e.ID, time.Now().Add(r.pauseBetweenUpdates()))
		return
	}
	r.Registry.Delete(e.ID)
	r.countAction("delete")
	if r.Metrics != nil {
		r.Metrics.ManagedQueues.Set(float64(len(r.Registry.All())))
	}
}
