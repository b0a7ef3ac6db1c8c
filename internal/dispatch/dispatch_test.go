package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/require"

	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/model"
	"cups-browsed-go/internal/registry"
)

func confirmedMember(t *testing.T, r *registry.Registry, queueName, host string, caps model.Capabilities) model.Entry {
	t.Helper()
	inst := model.DiscoveryInstance{InterfaceName: "eth0", Host: host, IP: "10.0.0.1", Port: 631}
	deviceURI := inst.DeviceURI()
	r.UpsertCluster(deviceURI, queueName, inst)
	e, _ := r.UpsertCluster(deviceURI, queueName, inst)
	r.SetCaps(e.ID, caps)
	e, _ = r.Get(e.ID)
	return e
}

func idleAcceptingHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req goipp.Message
		require.NoError(t, req.Decode(r.Body))

		w.Header().Set("Content-Type", goipp.ContentType)
		groups := goipp.Groups{
			{Tag: goipp.TagOperationGroup, Attrs: goipp.Attributes{}},
			{Tag: goipp.TagPrinterGroup, Attrs: goipp.Attributes{
				goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(3)),
				goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(true)),
			}},
		}
		resp := goipp.NewMessageWithGroups(req.Version, goipp.Code(goipp.StatusOk), req.RequestID, groups)
		require.NoError(t, resp.Encode(w))
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *ippclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return ippclient.NewFromLocalServer(parsed.Host, "", "", 2*time.Second, 0, false)
}

func TestDispatchPicksIdleCandidateAndAdvancesCursor(t *testing.T) {
	reg := registry.New()
	caps := model.Capabilities{
		SupportedFormats:  []string{"application/pdf"},
		ResolutionsDPI:    []int{300, 600, 1200},
		DefaultResolution: 600,
	}
	first := confirmedMember(t, reg, "cluster-a", "printer-1.local", caps)
	confirmedMember(t, reg, "cluster-a", "printer-2.local", caps)

	client := newTestClient(t, idleAcceptingHandler(t))
	d := New(reg, client)

	sel, err := d.Dispatch(context.Background(), "cluster-a", model.JobConstraints{}, 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), sel.JobID)
	require.Equal(t, "application/pdf", sel.Format)
	require.Equal(t, 600, sel.Resolution)
	require.NotEmpty(t, sel.URI)

	master, ok := reg.Get(first.ID)
	require.True(t, ok)
	require.Equal(t, 1, master.LastPrinter)
}

func TestDispatchFiltersOutCandidatesMissingConstraints(t *testing.T) {
	reg := registry.New()
	monoOnly := model.Capabilities{SupportedFormats: []string{"application/pdf"}, DuplexSupported: false}
	confirmedMember(t, reg, "cluster-b", "printer-mono.local", monoOnly)

	client := newTestClient(t, idleAcceptingHandler(t))
	d := New(reg, client)

	_, err := d.Dispatch(context.Background(), "cluster-b", model.JobConstraints{Duplex: true}, 1)
	require.EqualError(t, err, model.SentinelNoDestFound)
}

func TestDispatchReturnsAllBusyUnderQueueOnServersWhenNoneIdle(t *testing.T) {
	reg := registry.New()
	caps := model.Capabilities{SupportedFormats: []string{"application/pdf"}}
	confirmedMember(t, reg, "cluster-c", "printer-3.local", caps)

	stoppedHandler := func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req goipp.Message
		require.NoError(t, req.Decode(r.Body))
		w.Header().Set("Content-Type", goipp.ContentType)
		groups := goipp.Groups{
			{Tag: goipp.TagOperationGroup, Attrs: goipp.Attributes{}},
			{Tag: goipp.TagPrinterGroup, Attrs: goipp.Attributes{
				goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(5)),
				goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(false)),
			}},
		}
		resp := goipp.NewMessageWithGroups(req.Version, goipp.Code(goipp.StatusOk), req.RequestID, groups)
		require.NoError(t, resp.Encode(w))
	}
	client := newTestClient(t, stoppedHandler)
	d := New(reg, client)
	d.QueueOn = model.QueueOnServers

	_, err := d.Dispatch(context.Background(), "cluster-c", model.JobConstraints{}, 7)
	require.EqualError(t, err, model.SentinelAllDestsBusy)
}

// TestDispatchPicksLeastBusyProcessingCandidateUnderQueueOnServers covers
// spec.md §4.8 step 4: when no candidate is idle, QueueOnServers falls
// back to the processing candidate with the smallest active-job count,
// not whichever is scanned last.
func TestDispatchPicksLeastBusyProcessingCandidateUnderQueueOnServers(t *testing.T) {
	reg := registry.New()
	caps := model.Capabilities{SupportedFormats: []string{"application/pdf"}}
	busy := confirmedMember(t, reg, "cluster-e", "printer-busy.local", caps)
	quiet := confirmedMember(t, reg, "cluster-e", "printer-quiet.local", caps)

	jobCounts := map[string]int{
		busy.DeviceURI():  5,
		quiet.DeviceURI(): 1,
	}
	processingHandler := func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req goipp.Message
		require.NoError(t, req.Decode(r.Body))
		var uri string
		for _, attr := range req.Operation {
			if attr.Name == "printer-uri" && len(attr.Values) > 0 {
				uri = attr.Values[0].V.String()
			}
		}
		w.Header().Set("Content-Type", goipp.ContentType)
		groups := goipp.Groups{
			{Tag: goipp.TagOperationGroup, Attrs: goipp.Attributes{}},
			{Tag: goipp.TagPrinterGroup, Attrs: goipp.Attributes{
				goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(4)),
				goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(true)),
				goipp.MakeAttribute("queued-job-count", goipp.TagInteger, goipp.Integer(jobCounts[uri])),
			}},
		}
		resp := goipp.NewMessageWithGroups(req.Version, goipp.Code(goipp.StatusOk), req.RequestID, groups)
		require.NoError(t, resp.Encode(w))
	}
	client := newTestClient(t, processingHandler)
	d := New(reg, client)
	d.QueueOn = model.QueueOnServers

	sel, err := d.Dispatch(context.Background(), "cluster-e", model.JobConstraints{}, 3)
	require.NoError(t, err)
	require.Equal(t, quiet.DeviceURI(), sel.URI)
}

func TestDispatchPicksDraftQualityLowestResolution(t *testing.T) {
	reg := registry.New()
	caps := model.Capabilities{
		SupportedFormats:  []string{"application/pdf"},
		ResolutionsDPI:    []int{300, 600, 1200},
		DefaultResolution: 600,
	}
	confirmedMember(t, reg, "cluster-d", "printer-4.local", caps)

	client := newTestClient(t, idleAcceptingHandler(t))
	d := New(reg, client)

	sel, err := d.Dispatch(context.Background(), "cluster-d", model.JobConstraints{PrintQuality: model.PrintQualityDraft}, 9)
	require.NoError(t, err)
	require.Equal(t, 300, sel.Resolution)
}

func TestDispatchReturnsNoDestFoundForUnknownQueue(t *testing.T) {
	reg := registry.New()
	client := newTestClient(t, idleAcceptingHandler(t))
	d := New(reg, client)

	_, err := d.Dispatch(context.Background(), "does-not-exist", model.JobConstraints{}, 1)
	require.EqualError(t, err, model.SentinelNoDestFound)
}
