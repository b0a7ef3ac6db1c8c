// Package dispatch implements the load-balancing policy (component H)
// that picks which cluster member backs a job submitted to a shared
// queue name, per spec.md §4.8. It never renders or transforms print
// data — it only selects a destination and writes the forwarding
// attributes back onto the local job.
package dispatch

import (
	"context"
	"sort"
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"

	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/metrics"
	"cups-browsed-go/internal/model"
	"cups-browsed-go/internal/registry"
)

// Dispatcher selects a backing printer for a job submitted to a
// cluster queue.
type Dispatcher struct {
	Registry *registry.Registry
	Local    *ippclient.Client

	QueueOn model.QueueOnPolicy

	// QueueMarkName is the option key this dispatcher writes the
	// chosen destination under, e.g. "cups-browsed-dest-printer".
	QueueMarkName string

	// Metrics, when set, receives a count of each dispatch outcome;
	// nil is a valid no-op default.
	Metrics *metrics.Collector
}

// New builds a Dispatcher with the spec-default mark name applied if
// unset.
func New(reg *registry.Registry, local *ippclient.Client) *Dispatcher {
	return &Dispatcher{Registry: reg, Local: local, QueueMarkName: "cups-browsed-dest-printer"}
}

// candidateState is what the dispatcher needs to know about a cluster
// member before picking it, per spec.md §4.8 step 3.
type candidateState struct {
	entry      model.Entry
	state      string // idle / processing / stopped
	accepting  bool
	activeJobs int
}

// Dispatch selects a backing printer for a job submitted to
// queueName, honoring constraints, and returns the selection plus
// either sentinel on failure to find a destination.
func (d *Dispatcher) Dispatch(ctx context.Context, queueName string, constraints model.JobConstraints, jobID int64) (model.DispatchSelection, error) {
	members := d.Registry.ClusterMembers(queueName)
	if len(members) == 0 {
		d.countOutcome("no_dest")
		return model.DispatchSelection{}, errNoDest
	}

	filtered := make([]model.Entry, 0, len(members))
	for _, e := range members {
		if constraintsSatisfied(e.Caps, constraints) {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		d.countOutcome("no_dest")
		return model.DispatchSelection{}, errNoDest
	}

	master := masterIndex(filtered)
	start := (filtered[master].LastPrinter + 1) % len(filtered)

	var chosen *model.Entry
	var chosenIdx int
	var chosenIdle bool

	// Under QueueOnServers, a processing-but-accepting candidate is a
	// fallback, never a winner that stops the scan: keep looking for an
	// idle candidate, and track the processing candidate with the
	// smallest active-job count as the best fallback (spec.md §4.8
	// step 4).
	var bestProcessing *model.Entry
	var bestProcessingIdx int
	bestProcessingJobs := -1

	for i := 0; i < len(filtered); i++ {
		idx := (start + i) % len(filtered)
		cand := filtered[idx]
		st, err := d.queryState(ctx, cand)
		if err != nil {
			continue
		}
		if st.state == "idle" && st.accepting {
			chosen = &filtered[idx]
			chosenIdx = idx
			chosenIdle = true
			break
		}
		if st.state == "processing" && st.accepting && d.QueueOn == model.QueueOnServers {
			if bestProcessingJobs == -1 || st.activeJobs < bestProcessingJobs {
				bestProcessingJobs = st.activeJobs
				bestProcessing = &filtered[idx]
				bestProcessingIdx = idx
			}
		}
	}
	if chosen == nil && bestProcessing != nil {
		chosen = bestProcessing
		chosenIdx = bestProcessingIdx
	}
	if chosen == nil {
		if d.QueueOn == model.QueueOnServers {
			d.countOutcome("all_busy")
			return model.DispatchSelection{}, errAllBusy
		}
		d.countOutcome("no_dest")
		return model.DispatchSelection{}, errNoDest
	}

	// lastPrinter only advances on a successful dispatch to an idle
	// destination; a processing-fallback pick under QueueOnServers
	// does not consume a round-robin turn.
	if chosenIdle {
		d.Registry.SetLastPrinter(filtered[master].ID, chosenIdx)
	}

	format := pickFormat(chosen.Caps.SupportedFormats)
	resolution := pickResolution(chosen.Caps, constraints.PrintQuality)

	sel := model.DispatchSelection{
		JobID:      jobID,
		URI:        chosen.DeviceURI(),
		Format:     format,
		Resolution: resolution,
	}
	d.writeBack(ctx, queueName, sel)
	d.countOutcome("selected")
	return sel, nil
}

func (d *Dispatcher) countOutcome(outcome string) {
	if d.Metrics != nil {
		d.Metrics.DispatchDecisions.WithLabelValues(outcome).Inc()
	}
}

func constraintsSatisfied(caps model.Capabilities, c model.JobConstraints) bool {
	if c.Duplex && !caps.DuplexSupported {
		return false
	}
	if c.Color && !caps.ColorSupported {
		return false
	}
	if c.DataFormat != "" && !contains(caps.SupportedFormats, c.DataFormat) {
		return false
	}
	if c.PageSize != "" && !contains(caps.MediaSizes, c.PageSize) {
		return false
	}
	if c.MediaType != "" && !contains(caps.MediaTypes, c.MediaType) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func masterIndex(members []model.Entry) int {
	for i, e := range members {
		if !e.IsSlave {
			return i
		}
	}
	return 0
}

func pickFormat(supported []string) string {
	for _, want := range model.ForwardingFormatPriority {
		if contains(supported, want) {
			return want
		}
	}
	if len(supported) > 0 {
		return supported[0]
	}
	return "application/octet-stream"
}

func pickResolution(caps model.Capabilities, quality string) int {
	if len(caps.ResolutionsDPI) == 0 {
		return caps.DefaultResolution
	}
	sorted := append([]int(nil), caps.ResolutionsDPI...)
	sort.Ints(sorted)
	switch quality {
	case model.PrintQualityDraft:
		return sorted[0]
	case model.PrintQualityHigh:
		return sorted[len(sorted)-1]
	default:
		if caps.DefaultResolution != 0 {
			return caps.DefaultResolution
		}
		return 600
	}
}

func (d *Dispatcher) queryState(ctx context.Context, e model.Entry) (candidateState, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, 1)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(e.DeviceURI())))
	req.Operation.Add(goipp.MakeAttribute("requested-attributes", goipp.TagKeyword,
		goipp.String("printer-state"), goipp.String("printer-is-accepting-jobs"), goipp.String("queued-job-count")))

	resp, err := d.Local.Send(ctx, "/", req, nil)
	if err != nil {
		return candidateState{}, err
	}
	st := candidateState{entry: e, state: "stopped", accepting: true}
	for _, attr := range resp.Printer {
		switch attr.Name {
		case "printer-state":
			st.state = printerStateName(attr)
		case "printer-is-accepting-jobs":
			if len(attr.Values) > 0 {
				if b, ok := attr.Values[0].V.(goipp.Boolean); ok {
					st.accepting = bool(b)
				}
			}
		case "queued-job-count":
			if len(attr.Values) > 0 {
				if n, ok := attr.Values[0].V.(goipp.Integer); ok {
					st.activeJobs = int(n)
				}
			}
		}
	}
	return st, nil
}

func printerStateName(attr goipp.Attribute) string {
	if len(attr.Values) == 0 {
		return "stopped"
	}
	n, ok := attr.Values[0].V.(goipp.Integer)
	if !ok {
		return "stopped"
	}
	switch int(n) {
	case 3:
		return "idle"
	case 4:
		return "processing"
	default:
		return "stopped"
	}
}

// writeBack records the selection on the local job via
// Set-Job-Attributes, per spec.md §6's "<mark>-dest-printer" option,
// as "<job-id> <uri> <format> <resolution>".
func (d *Dispatcher) writeBack(ctx context.Context, queueName string, sel model.DispatchSelection) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpSetJobAttributes, uint32(sel.JobID))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("job-uri", goipp.TagURI, goipp.String(d.Local.ResourceURL("/jobs/"+strconv.FormatInt(sel.JobID, 10)))))
	value := strconv.FormatInt(sel.JobID, 10) + " " + sel.URI + " " + sel.Format + " " + strconv.Itoa(sel.Resolution)
	req.Job.Add(goipp.MakeAttribute(d.markName(), goipp.TagText, goipp.String(value)))

	_, _ = d.Local.Send(ctx, ippclient.PrinterResource(goipp.OpSetJobAttributes, queueName), req, nil)
}

func (d *Dispatcher) markName() string {
	if d.QueueMarkName == "" {
		return "cups-browsed-dest-printer"
	}
	return d.QueueMarkName
}

type dispatchError string

func (e dispatchError) Error() string { return string(e) }

var (
	errNoDest  = dispatchError(model.SentinelNoDestFound)
	errAllBusy = dispatchError(model.SentinelAllDestsBusy)
)
