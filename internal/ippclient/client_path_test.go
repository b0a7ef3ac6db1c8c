package ippclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/require"
)

func TestSendUsesCUPSLikeResourcePathByOperation(t *testing.T) {
	pathCh := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req goipp.Message
		if err := req.Decode(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pathCh <- r.URL.EscapedPath()

		w.Header().Set("Content-Type", goipp.ContentType)
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		_ = resp.Encode(w)
	}))
	defer srv.Close()

	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := New(host, port, false, "", "", 0, 0, false)

	tests := []struct {
		op       goipp.Op
		printer  string
		wantPath string
	}{
		{op: goipp.OpCupsAddModifyPrinter, wantPath: "/admin/"},
		{op: goipp.OpCancelJob, wantPath: "/jobs/"},
		{op: goipp.OpCupsMoveJob, wantPath: "/jobs/"},
		{op: goipp.OpGetPrinterAttributes, wantPath: "/"},
		{op: goipp.OpPrintJob, printer: "Office Laser", wantPath: "/printers/Office%20Laser"},
		{op: goipp.OpCreateJob, printer: "Office Laser", wantPath: "/printers/Office%20Laser"},
	}

	for _, tc := range tests {
		req := goipp.NewRequest(goipp.DefaultVersion, tc.op, 1)
		req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
		req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))

		resource := PrinterResource(tc.op, tc.printer)
		_, err := client.Send(context.Background(), resource, req, nil)
		require.NoError(t, err)
		got := <-pathCh
		require.Equal(t, tc.wantPath, got)
	}
}

func TestResourceURLBuildsSchemeHostPort(t *testing.T) {
	client := New("example.com", 8631, true, "", "", 0, 0, false)
	require.Equal(t, "https://example.com:8631/admin/", client.ResourceURL("/admin/"))
}

func TestNewFromLocalServerParsesURLForm(t *testing.T) {
	client := NewFromLocalServer("ipps://printserver.local:8631", "alice", "", 0, 0, false)
	require.Equal(t, "printserver.local", client.Host)
	require.Equal(t, 8631, client.Port)
	require.True(t, client.UseTLS)
}
