// Package ippclient sends IPP requests over HTTP, to either the local
// print scheduler's admin/job endpoints or an arbitrary remote printer
// URI. It never interprets IPP attribute semantics itself — that is left
// to the caller (discovery's capability fetch, the reconciler's
// create/modify/delete calls, the notification subscriber, the
// dispatcher) — its job is encode, POST, decode, retry.
package ippclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// Client talks IPP-over-HTTP to one host:port (Host/Port/UseTLS/
// User/Password) with a bounded retry loop layered on top.
type Client struct {
	Host       string
	Port       int
	UseTLS     bool
	User       string
	Password   string
	Timeout    time.Duration
	MaxRetries int
	Insecure   bool

	httpClient *http.Client
}

// New builds a Client for the IPP server at host:port, which may be the
// local print scheduler or a remote printer.
func New(host string, port int, useTLS bool, user, password string, timeout time.Duration, maxRetries int, insecure bool) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		Host: host, Port: port, UseTLS: useTLS,
		User: user, Password: password,
		Timeout: timeout, MaxRetries: maxRetries, Insecure: insecure,
	}
}

// NewFromLocalServer parses a "host:port" or "scheme://host:port" local
// server address into its component host, port, and TLS flag.
func NewFromLocalServer(server, user, password string, timeout time.Duration, maxRetries int, insecure bool) *Client {
	host := "localhost"
	port := 631
	useTLS := false

	server = strings.TrimSpace(server)
	if server != "" {
		if strings.Contains(server, "://") {
			if u, err := url.Parse(server); err == nil && u.Host != "" {
				host = u.Hostname()
				if p := u.Port(); p != "" {
					if n, err := strconv.Atoi(p); err == nil {
						port = n
					}
				}
				if strings.EqualFold(u.Scheme, "https") || strings.EqualFold(u.Scheme, "ipps") {
					useTLS = true
				}
			}
		} else if strings.Contains(server, ":") {
			parts := strings.SplitN(server, ":", 2)
			host = parts[0]
			if n, err := strconv.Atoi(parts[1]); err == nil {
				port = n
			}
		} else {
			host = server
		}
	}
	return New(host, port, useTLS, user, password, timeout, maxRetries, insecure)
}

// ResourceURL returns the full http(s) URL this client would POST to for
// the given resource path ("/", "/admin/", "/printers/<name>", ...).
func (c *Client) ResourceURL(resource string) string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	if resource == "" {
		resource = "/"
	}
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	return scheme + "://" + c.Host + ":" + strconv.Itoa(c.Port) + resource
}

// PrinterResource maps an IPP operation to the CUPS-style resource path
// conventions a CUPS-compatible scheduler understands, so it can be
// driven the same way CUPS's own clients drive it.
func PrinterResource(op goipp.Op, printerName string) string {
	switch op {
	case goipp.OpCupsAddModifyPrinter, goipp.OpCupsDeletePrinter, goipp.OpCupsAddModifyClass,
		goipp.OpCupsDeleteClass, goipp.OpCupsSetDefault, goipp.OpPausePrinter, goipp.OpResumePrinter,
		goipp.OpCupsAcceptJobs, goipp.OpCupsRejectJobs:
		return "/admin/"
	case goipp.OpCancelJob, goipp.OpCupsMoveJob, goipp.OpHoldJob, goipp.OpReleaseJob:
		return "/jobs/"
	case goipp.OpPrintJob, goipp.OpCreateJob, goipp.OpSendDocument:
		if printerName == "" {
			return "/"
		}
		return "/printers/" + url.PathEscape(printerName)
	default:
		return "/"
	}
}

// Send encodes msg, POSTs it (with data appended, if present, for
// Send-Document/Print-Job) to resource, decodes the IPP response, and
// retries transport-level failures up to MaxRetries times with linear
// backoff.
func (c *Client) Send(ctx context.Context, resource string, msg *goipp.Message, data io.Reader) (*goipp.Message, error) {
	if msg == nil {
		return nil, errors.New("ippclient: missing ipp message")
	}
	payload, err := msg.EncodeBytes()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		resp, err := c.sendOnce(ctx, resource, payload, data)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func (c *Client) sendOnce(ctx context.Context, resource string, payload []byte, data io.Reader) (*goipp.Message, error) {
	body := io.Reader(bytes.NewReader(payload))
	if data != nil {
		body = io.MultiReader(bytes.NewReader(payload), data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ResourceURL(resource), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", goipp.ContentType)
	req.Header.Set("Accept", goipp.ContentType)
	if c.User != "" {
		req.SetBasicAuth(c.User, c.Password)
	}

	resp, err := c.httpClientFor().Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.New(resp.Status)
	}
	out := &goipp.Message{}
	if err := out.Decode(resp.Body); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) httpClientFor() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	c.httpClient = &http.Client{
		Timeout: c.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.Insecure},
		},
	}
	return c.httpClient
}

// SendToURI parses a full printer URI ("ipp(s)://host[:port]/resource")
// and sends msg directly to it, for talking to remote backing printers
// rather than the local scheduler.
func SendToURI(ctx context.Context, printerURI string, timeout time.Duration, maxRetries int, insecure bool, msg *goipp.Message, data io.Reader) (*goipp.Message, error) {
	u, err := url.Parse(printerURI)
	if err != nil {
		return nil, err
	}
	port := 631
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	useTLS := strings.EqualFold(u.Scheme, "ipps") || strings.EqualFold(u.Scheme, "https")
	c := New(u.Hostname(), port, useTLS, "", "", timeout, maxRetries, insecure)
	return c.Send(ctx, u.RequestURI(), msg, data)
}
