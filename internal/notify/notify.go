// Package notify subscribes to the local print scheduler's IPP event
// feed for printer-deleted, printer-modified, printer-state-changed, and
// job-progress notifications, and turns printer-deleted into a registry
// update and job-progress into a dispatch trigger; printer-modified and
// printer-state-changed are received but not acted on here. It renews its lease
// at half the granted duration and falls back to nothing (the
// reconciler's own polling still converges eventually) if the
// scheduler does not support subscriptions.
package notify

import (
	"context"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/logging"
	"cups-browsed-go/internal/optstore"
	"cups-browsed-go/internal/registry"
)

// Events is the fixed set of event types this daemon subscribes to.
var Events = []string{
	"printer-deleted",
	"printer-modified",
	"printer-state-changed",
	"job-progress",
}

// Handler owns one IPP event subscription against the local scheduler.
type Handler struct {
	Local    *ippclient.Client
	Registry *registry.Registry
	Options  *optstore.Store

	LeaseDuration time.Duration

	// OnJobProcessing is invoked for every job-progress notification,
	// with the queue name from the notifying printer URI and the job id,
	// so the dispatcher can act on it; the notification's job state is
	// not checked.
	OnJobProcessing func(ctx context.Context, queueName string, jobID int)

	subscriptionID int
	leaseExpiry    time.Time
}

// New builds a Handler with spec-default lease duration applied if
// unset.
func New(local *ippclient.Client, reg *registry.Registry, opts *optstore.Store) *Handler {
	return &Handler{Local: local, Registry: reg, Options: opts, LeaseDuration: 24 * time.Hour}
}

// Run subscribes, then loops pulling notifications and renewing the
// lease at its halfway point, until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	log := logging.Component("notify")

	if err := h.subscribe(ctx); err != nil {
		log.Warn().Err(err).Msg("subscribe failed; notifications disabled for this run")
		return
	}

	pollInterval := 2 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.poll(ctx); err != nil {
				log.Warn().Err(err).Msg("get-notifications failed")
			}
			if time.Now().After(h.leaseExpiry) {
				if err := h.renew(ctx); err != nil {
					log.Warn().Err(err).Msg("renew-subscription failed")
					return
				}
			}
		}
	}
}

func (h *Handler) subscribe(ctx context.Context) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCreatePrinterSubscriptions, uint32(time.Now().UnixNano()))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(h.Local.ResourceURL("/"))))

	events := make([]goipp.Value, 0, len(Events))
	for _, e := range Events {
		events = append(events, goipp.String(e))
	}
	leaseSecs := int(h.leaseDuration().Seconds())
	req.Subscription.Add(goipp.MakeAttr("notify-events", goipp.TagKeyword, events[0], events[1:]...))
	req.Subscription.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("ippget")))
	req.Subscription.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(leaseSecs)))

	resp, err := h.Local.Send(ctx, "/", req, nil)
	if err != nil {
		return err
	}
	id := intAttr(resp.Subscription, "notify-subscription-id")
	h.subscriptionID = id
	h.leaseExpiry = time.Now().Add(h.leaseDuration() / 2)
	return nil
}

func (h *Handler) renew(ctx context.Context) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpRenewSubscription, uint32(time.Now().UnixNano()))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(h.subscriptionID)))
	req.Operation.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(int(h.leaseDuration().Seconds()))))

	if _, err := h.Local.Send(ctx, "/", req, nil); err != nil {
		return err
	}
	h.leaseExpiry = time.Now().Add(h.leaseDuration() / 2)
	return nil
}

func (h *Handler) poll(ctx context.Context) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetNotifications, uint32(time.Now().UnixNano()))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger, goipp.Integer(h.subscriptionID)))

	resp, err := h.Local.Send(ctx, "/", req, nil)
	if err != nil {
		return err
	}
	for _, group := range resp.Groups {
		if group.Tag != goipp.TagEventNotificationGroup {
			continue
		}
		h.handleEvent(ctx, group.Attrs)
	}
	return nil
}

func (h *Handler) handleEvent(ctx context.Context, attrs goipp.Attributes) {
	var eventName, printerURI string
	var jobID int
	for _, attr := range attrs {
		switch attr.Name {
		case "notify-event":
			eventName = stringValue(attr)
		case "notify-printer-uri":
			printerURI = stringValue(attr)
		case "notify-job-id":
			jobID = intValue(attr)
		}
	}
	queueName := queueNameFromURI(printerURI)

	switch eventName {
	case "printer-deleted":
		if e, ok := h.Registry.ByQueueName(queueName); ok {
			h.Registry.SetStatus(e.ID, registry.TriggerMissing)
		}
		if h.Options != nil {
			if def, ok := h.Options.LoadRemoteDefault(); ok && def == queueName {
				_ = h.Options.SaveRemoteDefault("")
			}
		}
	case "printer-modified", "printer-state-changed":
		// Let the reconciler's overwrite pre-check evaluate this
		// queue on its next scan rather than duplicating the IPP
		// round-trip here.
	case "job-progress":
		if h.OnJobProcessing != nil {
			h.OnJobProcessing(ctx, queueName, jobID)
		}
	}
}

func queueNameFromURI(uri string) string {
	idx := strings.LastIndexByte(uri, '/')
	if idx < 0 {
		return uri
	}
	return uri[idx+1:]
}

func (h *Handler) leaseDuration() time.Duration {
	if h.LeaseDuration <= 0 {
		return 24 * time.Hour
	}
	return h.LeaseDuration
}

func intAttr(attrs goipp.Attributes, name string) int {
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			return intValue(a)
		}
	}
	return 0
}

func intValue(a goipp.Attribute) int {
	if len(a.Values) == 0 {
		return 0
	}
	if n, ok := a.Values[0].V.(goipp.Integer); ok {
		return int(n)
	}
	return 0
}

func stringValue(a goipp.Attribute) string {
	if len(a.Values) == 0 {
		return ""
	}
	return a.Values[0].V.String()
}
