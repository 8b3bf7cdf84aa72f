package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/metrics"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

// statusResumeIncomplete is the 308 Drive returns between resumable chunks.
const statusResumeIncomplete = http.StatusPermanentRedirect

func contentType(p remote.Payload) string {
	if p.MimeType != "" {
		return p.MimeType
	}
	return "application/octet-stream"
}

// UploadFile uploads p under parentID. Payloads up to the chunk size go in a
// single multipart request; larger ones use a resumable session.
func (c *Client) UploadFile(ctx context.Context, parentID string, p remote.Payload) (remote.Entity, error) {
	meta := map[string]any{"name": p.Name, "parents": []string{parentID}}
	if p.MimeType != "" {
		meta["mimeType"] = p.MimeType
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return remote.Entity{}, err
	}

	var f file
	if p.Size <= c.chunkSize {
		f, err = c.uploadMultipart(ctx, metaJSON, p)
	} else {
		f, err = c.uploadResumable(ctx, metaJSON, p)
	}
	if err != nil {
		return remote.Entity{}, err
	}
	metrics.RecordContentUpload(p.Size)
	return f.entity(), nil
}

func (c *Client) uploadMultipart(ctx context.Context, metaJSON []byte, p remote.Payload) (file, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := mw.CreatePart(h)
	if err != nil {
		return file{}, err
	}
	if _, err := part.Write(metaJSON); err != nil {
		return file{}, err
	}

	h = textproto.MIMEHeader{}
	h.Set("Content-Type", contentType(p))
	part, err = mw.CreatePart(h)
	if err != nil {
		return file{}, err
	}
	if _, err := io.Copy(part, p.Reader()); err != nil {
		return file{}, fmt.Errorf("read upload payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return file{}, err
	}

	body := buf.Bytes()
	resp, err := c.send(ctx, "upload", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.uploadURL+"/files?uploadType=multipart&fields="+fileFields, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
		return req, nil
	}, statusCreated)
	if err != nil {
		return file{}, err
	}
	var f file
	if err := decodeJSON(resp, &f); err != nil {
		return file{}, err
	}
	return f, nil
}

func (c *Client) startSession(ctx context.Context, metaJSON []byte, p remote.Payload) (string, error) {
	resp, err := c.send(ctx, "upload_session", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.uploadURL+"/files?uploadType=resumable&fields="+fileFields, bytes.NewReader(metaJSON))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
		req.Header.Set("X-Upload-Content-Type", contentType(p))
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(p.Size, 10))
		return req, nil
	}, statusOK)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	session := resp.Header.Get("Location")
	if session == "" {
		return "", syncerr.Unavailable(fmt.Errorf("drive upload_session: no session location"))
	}
	return session, nil
}

func acceptChunk(code int) bool {
	return code == http.StatusOK || code == http.StatusCreated || code == statusResumeIncomplete
}

func (c *Client) uploadResumable(ctx context.Context, metaJSON []byte, p remote.Payload) (file, error) {
	session, err := c.startSession(ctx, metaJSON, p)
	if err != nil {
		return file{}, err
	}

	var offset int64
	for offset < p.Size {
		start := offset
		end := min(start+c.chunkSize, p.Size)
		resp, err := c.send(ctx, "upload_chunk", func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, session,
				io.NewSectionReader(p.Body, start, end-start))
			if err != nil {
				return nil, err
			}
			req.ContentLength = end - start
			req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, p.Size))
			return req, nil
		}, acceptChunk)
		if err != nil {
			return file{}, err
		}
		if resp.StatusCode != statusResumeIncomplete {
			var f file
			if err := decodeJSON(resp, &f); err != nil {
				return file{}, err
			}
			return f, nil
		}
		resp.Body.Close()

		offset = committedOffset(resp.Header.Get("Range"))
		if offset <= start {
			return file{}, syncerr.Unavailable(fmt.Errorf("drive upload_chunk: no progress at offset %d", start))
		}
		logging.Debug("uploaded chunk",
			logging.Int64("offset", offset),
			logging.Int64("total", p.Size),
		)
	}

	// Every byte was acknowledged without a final response.
	return c.uploadStatus(ctx, session, p.Size)
}

func (c *Client) uploadStatus(ctx context.Context, session string, total int64) (file, error) {
	resp, err := c.send(ctx, "upload_status", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, session, nil)
		if err != nil {
			return nil, err
		}
		req.ContentLength = 0
		req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		return req, nil
	}, acceptChunk)
	if err != nil {
		return file{}, err
	}
	if resp.StatusCode == statusResumeIncomplete {
		resp.Body.Close()
		return file{}, syncerr.Unavailable(fmt.Errorf("drive upload_status: incomplete at %d of %d",
			committedOffset(resp.Header.Get("Range")), total))
	}
	var f file
	if err := decodeJSON(resp, &f); err != nil {
		return file{}, err
	}
	return f, nil
}

// committedOffset parses a "bytes=0-N" Range header into the next offset.
func committedOffset(rangeHeader string) int64 {
	_, last, ok := strings.Cut(strings.TrimPrefix(rangeHeader, "bytes="), "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0
	}
	return n + 1
}
