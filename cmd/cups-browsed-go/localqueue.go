package main

import (
	"context"
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"

	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/model"
)

// queryLocalQueueState asks the local scheduler for a queue's
// advertised device URI, driver nickname, queued-job count, and
// temporary-queue flag, for the reconciler's overwrite pre-check,
// delete-path active-jobs check, and create-path temporary-queue
// conversion step.
func queryLocalQueueState(ctx context.Context, local *ippclient.Client, queueName string) (deviceURI, driverNickname string, activeJobs int, isTemporary bool, err error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, 1)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(local.ResourceURL("/printers/"+queueName))))

	resp, sendErr := local.Send(ctx, "/", req, nil)
	if sendErr != nil {
		return "", "", 0, false, sendErr
	}
	for _, attr := range resp.Printer {
		if len(attr.Values) == 0 {
			continue
		}
		switch attr.Name {
		case "device-uri":
			deviceURI = attr.Values[0].V.String()
		case "printer-make-and-model":
			driverNickname = attr.Values[0].V.String()
		case "queued-job-count":
			if n, ok := attr.Values[0].V.(goipp.Integer); ok {
				activeJobs = int(n)
			}
		case "printer-is-temporary":
			if b, ok := attr.Values[0].V.(goipp.Boolean); ok {
				isTemporary = bool(b)
			}
		}
	}
	return deviceURI, driverNickname, activeJobs, isTemporary, nil
}

// setLocalQueueShared flips a local queue's printer-is-shared flag via
// CUPS-AddModify-Printer, the same operation cupsd uses for every
// attribute update short of a full recreate.
func setLocalQueueShared(ctx context.Context, local *ippclient.Client, queueName string, shared bool) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsAddModifyPrinter, 1)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(local.ResourceURL("/printers/"+queueName))))
	req.Printer.Add(goipp.MakeAttribute("printer-is-shared", goipp.TagBoolean, goipp.Boolean(shared)))

	_, err := local.Send(ctx, ippclient.PrinterResource(goipp.OpCupsAddModifyPrinter, queueName), req, nil)
	return err
}

// disableLocalQueue pauses a local queue and stamps it with a
// printer-state-message explaining why, so `lpstat -p` shows the
// reason instead of leaving the operator guessing.
func disableLocalQueue(ctx context.Context, local *ippclient.Client, queueName, message string) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpPausePrinter, 1)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(local.ResourceURL("/printers/"+queueName))))
	req.Printer.Add(goipp.MakeAttribute("printer-state-message", goipp.TagText, goipp.String(message)))

	_, err := local.Send(ctx, ippclient.PrinterResource(goipp.OpPausePrinter, queueName), req, nil)
	return err
}

// localDefaultQueueName asks the scheduler which queue is its current
// default, so the delete path can hold off removing it when there is
// no default-change notification channel to re-point clients.
func localDefaultQueueName(ctx context.Context, local *ippclient.Client) (string, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsGetDefault, 1)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))

	resp, err := local.Send(ctx, "/admin/", req, nil)
	if err != nil {
		return "", err
	}
	for _, attr := range resp.Printer {
		if attr.Name == "printer-name" && len(attr.Values) > 0 {
			return attr.Values[0].V.String(), nil
		}
	}
	return "", nil
}

// fetchJobConstraints reads the subset of a local job's attributes the
// dispatcher filters candidates against, rather than always dispatching
// with a zero-value model.JobConstraints.
func fetchJobConstraints(ctx context.Context, local *ippclient.Client, jobID int) (model.JobConstraints, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetJobAttributes, uint32(jobID))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("job-uri", goipp.TagURI, goipp.String(local.ResourceURL("/jobs/"+strconv.Itoa(jobID)))))

	resp, err := local.Send(ctx, "/", req, nil)
	if err != nil {
		return model.JobConstraints{}, err
	}

	var c model.JobConstraints
	for _, attr := range resp.Job {
		if len(attr.Values) == 0 {
			continue
		}
		switch attr.Name {
		case "document-format":
			c.DataFormat = attr.Values[0].V.String()
		case "media":
			c.PageSize = attr.Values[0].V.String()
		case "media-type":
			c.MediaType = attr.Values[0].V.String()
		case "sides":
			c.Duplex = strings.HasPrefix(attr.Values[0].V.String(), "two-sided")
		case "print-color-mode":
			c.Color = attr.Values[0].V.String() == "color"
		case "print-quality":
			if n, ok := attr.Values[0].V.(goipp.Integer); ok {
				switch int(n) {
				case 3:
					c.PrintQuality = model.PrintQualityDraft
				case 5:
					c.PrintQuality = model.PrintQualityHigh
				}
			}
		case "finishings":
			for _, v := range attr.Values {
				n, ok := v.V.(goipp.Integer)
				if !ok {
					continue
				}
				switch int(n) {
				case 20: // staple
					c.Staple = true
				case 10: // punch
					c.Punch = true
				case 7: // fold
					c.Fold = true
				}
			}
		case "orientation-requested":
			c.Orientation = attr.Values[0].V.String()
		}
	}
	return c, nil
}
