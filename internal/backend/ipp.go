package backend

import (
	"context"
	"os"

	"github.com/OpenPrinting/goipp"

	"printd/internal/ippclient"
)

// sendIPP forwards the document to a remote IPP endpoint as a Print-Job.
func sendIPP(ctx context.Context, req Request) error {
	client := ippclient.New()
	msg := ippclient.NewRequest(goipp.OpPrintJob, uint32(req.JobID), req.DeviceURI, req.User)
	if req.Title != "" {
		msg.Operation.Add(goipp.MakeAttribute("job-name",
			goipp.TagName, goipp.String(req.Title)))
	}
	format := req.Format
	if format == "" {
		format = "application/octet-stream"
	}
	msg.Operation.Add(goipp.MakeAttribute("document-format",
		goipp.TagMimeType, goipp.String(format)))
	if req.Copies > 1 {
		msg.Job.Add(goipp.MakeAttribute("copies",
			goipp.TagInteger, goipp.Integer(req.Copies)))
	}

	doc, err := os.Open(req.DocPath)
	if err != nil {
		return err
	}
	defer doc.Close()

	resp, err := client.Do(ctx, req.DeviceURI, msg, doc)
	if err != nil {
		return Retryable(err)
	}
	return ippclient.StatusErr(resp)
}
