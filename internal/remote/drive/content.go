package drive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fruitsalade/drivemirror/internal/metrics"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

func isAppsType(mimeType string) bool {
	return strings.HasPrefix(mimeType, appsMimePrefix) && mimeType != FolderMimeType
}

// open starts a media or export request. The body is not subject to the
// client timeout.
func (c *Client) open(ctx context.Context, op, u string) (io.ReadCloser, error) {
	resp, err := c.sendOn(ctx, c.mediaClient, op, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, statusOK)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) mediaURL(id string) string {
	return c.fileURL(id, url.Values{"alt": {"media"}})
}

func (c *Client) exportURL(id, mimeType string) string {
	return c.apiURL + "/files/" + url.PathEscape(id) + "/export?" + url.Values{"mimeType": {mimeType}}.Encode()
}

// FetchContent returns file content. Google Docs are exported as plain text,
// other Google Workspace types as PDF, everything else raw.
func (c *Client) FetchContent(ctx context.Context, id, typeTag string) (remote.Content, error) {
	var (
		u    string
		op   = "fetch"
		text = remote.IsTextType(typeTag)
	)
	switch {
	case typeTag == DocMimeType:
		u, op, text = c.exportURL(id, "text/plain"), "export", true
	case isAppsType(typeTag):
		u, op, text = c.exportURL(id, "application/pdf"), "export", false
	default:
		u = c.mediaURL(id)
	}

	body, err := c.open(ctx, op, u)
	if err != nil {
		return remote.Content{}, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return remote.Content{}, syncerr.Unavailable(fmt.Errorf("read %s: %w", id, err))
	}
	metrics.RecordContentDownload(int64(len(data)))
	return remote.Content{Data: data, Text: text}, nil
}

// Download opens a file body. Google Workspace types are exported as PDF and
// the returned name gains a ".pdf" suffix.
func (c *Client) Download(ctx context.Context, id, suggestedName, typeTag string) (*remote.Download, error) {
	d := &remote.Download{Name: suggestedName, MimeType: typeTag}
	u, op := c.mediaURL(id), "download"
	if isAppsType(typeTag) {
		u, op = c.exportURL(id, "application/pdf"), "export"
		d.Name = suggestedName + ".pdf"
		d.MimeType = "application/pdf"
	}
	body, err := c.open(ctx, op, u)
	if err != nil {
		return nil, err
	}
	d.Body = &countingBody{ReadCloser: body}
	return d, nil
}

// countingBody records downloaded bytes when closed.
type countingBody struct {
	io.ReadCloser
	n int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	metrics.RecordContentDownload(b.n)
	return b.ReadCloser.Close()
}
