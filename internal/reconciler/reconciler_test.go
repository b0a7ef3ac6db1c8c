package reconciler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/require"

	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/model"
	"cups-browsed-go/internal/optstore"
	"cups-browsed-go/internal/registry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*ippclient.Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return ippclient.NewFromLocalServer(parsed.Host, "", "", 2*time.Second, 0, false), srv.Close
}

func okHandler(t *testing.T, pathCh chan string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req goipp.Message
		if err := req.Decode(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if pathCh != nil {
			pathCh <- r.URL.Path
		}
		w.Header().Set("Content-Type", goipp.ContentType)
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		_ = resp.Encode(w)
	}
}

func TestCreateOrModifySendsExpectedAttributesAndConfirms(t *testing.T) {
	pathCh := make(chan string, 8)
	client, closeSrv := newTestClient(t, okHandler(t, pathCh))
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPPS, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.ProcessOnce(context.Background())

	select {
	case p := <-pathCh:
		require.Equal(t, "/admin/", p)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request")
	}

	got, ok := reg.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusConfirmed, got.Status)
	require.Equal(t, 0, got.RetryCount)
}

func TestProcessEntryRetriesAndEventuallyMarksMissing(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPP, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.HttpMaxRetries = 2

	r.ProcessOnce(context.Background())
	got, _ := reg.Get(entry.ID)
	require.Equal(t, 1, got.RetryCount)

	reg.SetNextAction(entry.ID, time.Time{})
	r.ProcessOnce(context.Background())
	got, _ = reg.Get(entry.ID)
	require.Equal(t, model.StatusDisappeared, got.Status)
}

func TestDeleteQueueRemovesEntryOnSuccess(t *testing.T) {
	client, closeSrv := newTestClient(t, okHandler(t, nil))
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPP, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)
	reg.SetStatus(entry.ID, registry.TriggerMissing)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.ProcessOnce(context.Background())

	_, ok := reg.Get(entry.ID)
	require.False(t, ok)
}

func TestCreateOrModifyArmsLegacyExpiryForLegacyBroadcastOrigin(t *testing.T) {
	client, closeSrv := newTestClient(t, okHandler(t, nil))
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{
		Host: "lab.local", Port: 631, Transport: model.TransportIPP,
		Resource: "printers/lab", Origin: model.OriginLegacyBroadcast,
	}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.BrowseTimeout = 5 * time.Minute
	r.ProcessOnce(context.Background())

	got, ok := reg.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusConfirmed, got.Status)
	require.False(t, got.LegacyExpiry.IsZero())
	require.WithinDuration(t, time.Now().Add(5*time.Minute), got.LegacyExpiry, 10*time.Second)
}

func TestCreateOrModifyConvertsTemporaryQueueToPermanent(t *testing.T) {
	var sharedFlips []bool
	client, closeSrv := newTestClient(t, okHandler(t, nil))
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPP, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.QueueState = func(ctx context.Context, queueName string) (string, string, int, bool, error) {
		return "socket://usb-backend", "", 0, true, nil
	}
	r.SetShared = func(ctx context.Context, queueName string, shared bool) error {
		sharedFlips = append(sharedFlips, shared)
		return nil
	}

	r.ProcessOnce(context.Background())

	require.Equal(t, []bool{true, true}, sharedFlips)
	got, ok := reg.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusConfirmed, got.Status)
}

func TestCreateOrModifyDeletesStuckTemporaryQueuePointingAtRemoteScheduler(t *testing.T) {
	var deletedPaths []string
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		deletedPaths = append(deletedPaths, r.URL.Path)
		var req goipp.Message
		_ = req.Decode(r.Body)
		w.Header().Set("Content-Type", goipp.ContentType)
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		_ = resp.Encode(w)
	})
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPP, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.QueueState = func(ctx context.Context, queueName string) (string, string, int, bool, error) {
		return "ipp://other-server/printers/Lab_Printer", "", 0, true, nil
	}
	r.SetShared = func(ctx context.Context, queueName string, shared bool) error {
		return fmt.Errorf("cannot reshare: queue bound to remote scheduler")
	}

	r.ProcessOnce(context.Background())

	require.Contains(t, deletedPaths, "/admin/")
	got, ok := reg.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusConfirmed, got.Status)
}

func TestDeleteQueueDisablesInsteadOfDeletingWhenJobsActive(t *testing.T) {
	var disableMessages []string
	var disablePaths []string
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req goipp.Message
		_ = req.Decode(r.Body)
		for _, attr := range req.Printer {
			if attr.Name == "printer-state-message" && len(attr.Values) > 0 {
				disableMessages = append(disableMessages, attr.Values[0].V.String())
			}
		}
		disablePaths = append(disablePaths, r.URL.Path)
		w.Header().Set("Content-Type", goipp.ContentType)
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		_ = resp.Encode(w)
	})
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPP, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)
	reg.SetStatus(entry.ID, registry.TriggerMissing)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.QueueState = func(ctx context.Context, queueName string) (string, string, int, bool, error) {
		return "", "", 3, false, nil
	}

	r.ProcessOnce(context.Background())

	require.Contains(t, disablePaths, "/admin/")
	require.Contains(t, disableMessages, "Queue removal pending completion of queued jobs")

	got, ok := reg.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusDisappeared, got.Status)
	require.True(t, got.NextAction.After(time.Now()))
}

func TestDeleteQueueRefusesToRemoveSchedulerDefaultWithoutNotificationChannel(t *testing.T) {
	var disableMessages []string
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req goipp.Message
		_ = req.Decode(r.Body)
		for _, attr := range req.Printer {
			if attr.Name == "printer-state-message" && len(attr.Values) > 0 {
				disableMessages = append(disableMessages, attr.Values[0].V.String())
			}
		}
		w.Header().Set("Content-Type", goipp.ContentType)
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		_ = resp.Encode(w)
	})
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPP, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)
	reg.SetStatus(entry.ID, registry.TriggerMissing)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.QueueState = func(ctx context.Context, queueName string) (string, string, int, bool, error) {
		return "", "", 0, false, nil
	}
	r.DefaultQueueName = func(ctx context.Context) (string, error) {
		return "Lab_Printer", nil
	}
	r.HasDefaultChangeNotifications = false

	r.ProcessOnce(context.Background())

	require.Contains(t, disableMessages, "Default queue removal deferred: no default-change notifications available")

	got, ok := reg.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusDisappeared, got.Status)
	require.True(t, got.NextAction.After(time.Now()))
}

func TestDeleteQueueProceedsForDefaultWhenNotificationsAvailable(t *testing.T) {
	var deletedPaths []string
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		deletedPaths = append(deletedPaths, r.URL.Path)
		var req goipp.Message
		_ = req.Decode(r.Body)
		w.Header().Set("Content-Type", goipp.ContentType)
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		_ = resp.Encode(w)
	})
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPP, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)
	reg.SetStatus(entry.ID, registry.TriggerMissing)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.QueueState = func(ctx context.Context, queueName string) (string, string, int, bool, error) {
		return "", "", 0, false, nil
	}
	r.DefaultQueueName = func(ctx context.Context) (string, error) {
		return "Lab_Printer", nil
	}
	r.HasDefaultChangeNotifications = true

	r.ProcessOnce(context.Background())

	require.Contains(t, deletedPaths, "/admin/")
	_, ok := reg.Get(entry.ID)
	require.False(t, ok)
}

func TestDetectOverwriteReleasesDivergedQueue(t *testing.T) {
	client, closeSrv := newTestClient(t, okHandler(t, nil))
	defer closeSrv()

	reg := registry.New()
	inst := model.DiscoveryInstance{Host: "lab.local", Port: 631, Transport: model.TransportIPP, Resource: "printers/lab"}
	entry, _ := reg.Upsert(inst, "Lab_Printer", false)
	reg.SetStatus(entry.ID, registry.TriggerConfirmed)

	r := New(reg, client, optstore.New(t.TempDir()))
	r.QueueState = func(ctx context.Context, queueName string) (string, string, int, bool, error) {
		return "socket://someone-else:9100", "", 0, false, nil
	}

	r.ProcessOnce(context.Background())
	got, ok := reg.Get(entry.ID)
	require.True(t, ok)
	require.True(t, got.OverwriteDetected)
	require.Equal(t, model.StatusToBeReleased, got.Status)
}
