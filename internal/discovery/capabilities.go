package discovery

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"

	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/model"
)

// FetchCapabilities queries a backing printer's Get-Printer-Attributes
// and assembles the cached model.Capabilities the reconciler's
// create/modify path and the dispatcher's candidate filtering both
// read. The resolution/finishing attribute parsing follows the same
// IPP integer-value decoding a PPD generator would use, generalized
// here to a plain capability snapshot rather than a PPD file.
func FetchCapabilities(ctx context.Context, deviceURI string, timeout time.Duration, maxRetries int, insecure bool) (model.Capabilities, error) {
	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, 1)
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(deviceURI)))

	resp, err := ippclient.SendToURI(ctx, deviceURI, timeout, maxRetries, insecure, msg, nil)
	if err != nil {
		return model.Capabilities{}, err
	}

	caps := model.Capabilities{Fetched: true, FetchedAt: time.Now(), Accepting: true}
	seenRes := map[string]bool{}
	for _, attr := range resp.Printer {
		switch attr.Name {
		case "printer-make-and-model":
			caps.DriverNickname = stringOf(attr)
		case "document-format-supported":
			caps.SupportedFormats = stringsOf(attr)
		case "color-supported":
			caps.ColorSupported = boolOf(attr)
		case "sides-supported":
			for _, v := range attr.Values {
				if strings.Contains(strings.ToLower(v.V.String()), "duplex") ||
					strings.HasPrefix(strings.ToLower(v.V.String()), "two-sided") {
					caps.DuplexSupported = true
				}
			}
		case "media-supported":
			caps.MediaSizes = stringsOf(attr)
		case "media-type-supported":
			caps.MediaTypes = stringsOf(attr)
		case "printer-resolution-supported":
			for _, v := range attr.Values {
				dpi, ok := dpiOf(v)
				if !ok || seenRes[strconv.Itoa(dpi)] {
					continue
				}
				seenRes[strconv.Itoa(dpi)] = true
				caps.ResolutionsDPI = append(caps.ResolutionsDPI, dpi)
			}
		case "printer-resolution-default":
			if len(attr.Values) > 0 {
				if dpi, ok := dpiOf(attr.Values[0]); ok {
					caps.DefaultResolution = dpi
				}
			}
		case "finishings-supported":
			caps.Finishings = stringsOf(attr)
		case "print-quality-supported":
			caps.PrintQualities = stringsOf(attr)
		case "orientation-requested-supported":
			caps.Orientations = stringsOf(attr)
		case "printer-state":
			caps.State = printerStateName(attr)
		case "printer-is-accepting-jobs":
			caps.Accepting = boolOf(attr)
		case "queued-job-count":
			if n, ok := intOf(attr); ok {
				caps.ActiveJobCount = n
			}
		}
	}
	return caps, nil
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

func stringOf(attr goipp.Attribute) string {
	if len(attr.Values) == 0 {
		return ""
	}
	return attr.Values[0].V.String()
}

func stringsOf(attr goipp.Attribute) []string {
	out := make([]string, 0, len(attr.Values))
	for _, v := range attr.Values {
		out = append(out, v.V.String())
	}
	return out
}

func boolOf(attr goipp.Attribute) bool {
	if len(attr.Values) == 0 {
		return false
	}
	b, ok := attr.Values[0].V.(goipp.Boolean)
	return ok && bool(b)
}

func intOf(attr goipp.Attribute) (int, bool) {
	if len(attr.Values) == 0 {
		return 0, false
	}
	n, ok := attr.Values[0].V.(goipp.Integer)
	return int(n), ok
}

func dpiOf(v goipp.Value) (int, bool) {
	res, ok := v.V.(goipp.Resolution)
	if !ok {
		return 0, false
	}
	return res.Xres, true
}
