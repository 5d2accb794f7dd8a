// Package ippclient is a small IPP-over-HTTP client used by the command
// line tools and by the forwarding backend.
package ippclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
)

type Client struct {
	HTTP     *http.Client
	Username string
	Password string
}

// New returns a client that accepts self-signed daemon certificates, which
// is how local IPP endpoints usually present themselves.
func New() *Client {
	return &Client{
		HTTP: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// TargetURL rewrites an ipp:// or ipps:// printer URI to its HTTP endpoint.
func TargetURL(printerURI string) (string, error) {
	u, err := url.Parse(printerURI)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ipp":
		u.Scheme = "http"
	case "ipps":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		u.Host = u.Host + ":631"
	}
	return u.String(), nil
}

// Do sends one IPP request, with doc appended after the encoded message the
// way Print-Job and Send-Document carry their payloads, and decodes the
// response message.
func (c *Client) Do(ctx context.Context, printerURI string, msg *goipp.Message, doc io.Reader) (*goipp.Message, error) {
	target, err := TargetURL(printerURI)
	if err != nil {
		return nil, err
	}
	encoded, err := msg.EncodeBytes()
	if err != nil {
		return nil, err
	}
	var body io.Reader = bytes.NewReader(encoded)
	if doc != nil {
		body = io.MultiReader(body, doc)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", goipp.ContentType)
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipp endpoint returned %s", resp.Status)
	}
	var out goipp.Message
	if err := out.Decode(resp.Body); err != nil {
		return nil, err
	}
	return &out, nil
}

// NewRequest builds a request message with the standard preamble already in
// place.
func NewRequest(op goipp.Op, requestID uint32, printerURI, user string) *goipp.Message {
	msg := goipp.NewRequest(goipp.DefaultVersion, op, requestID)
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset",
		goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language",
		goipp.TagLanguage, goipp.String("en")))
	if printerURI != "" {
		msg.Operation.Add(goipp.MakeAttribute("printer-uri",
			goipp.TagURI, goipp.String(printerURI)))
	}
	if user != "" {
		msg.Operation.Add(goipp.MakeAttribute("requesting-user-name",
			goipp.TagName, goipp.String(user)))
	}
	return msg
}

// StatusErr converts a non-successful response code to an error.
func StatusErr(msg *goipp.Message) error {
	status := goipp.Status(msg.Code)
	if status < 0x100 {
		return nil
	}
	detail := ""
	for _, a := range msg.Operation {
		if a.Name == "status-message" && len(a.Values) > 0 {
			if s, ok := a.Values[0].V.(goipp.String); ok {
				detail = ": " + string(s)
			}
		}
	}
	return fmt.Errorf("%s%s", status, detail)
}
