package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

const fileFields = "id,name,mimeType,size,createdTime,modifiedTime"

// file is the subset of the Drive file resource the mirror uses.
type file struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Size         string    `json:"size,omitempty"`
	CreatedTime  time.Time `json:"createdTime"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

func (f file) entity() remote.Entity {
	e := remote.Entity{
		ID:         f.ID,
		Name:       f.Name,
		Kind:       remote.KindFile,
		TypeTag:    f.MimeType,
		CreatedAt:  f.CreatedTime,
		ModifiedAt: f.ModifiedTime,
	}
	if f.MimeType == FolderMimeType {
		e.Kind = remote.KindContainer
		e.TypeTag = ""
	}
	if f.Size != "" {
		e.Size, _ = strconv.ParseInt(f.Size, 10, 64)
	}
	return e
}

type fileList struct {
	NextPageToken string `json:"nextPageToken"`
	Files         []file `json:"files"`
}

// escapeQuery escapes a literal for use inside single quotes in a files.list query.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func (c *Client) fileURL(id string, params url.Values) string {
	u := c.apiURL + "/files/" + url.PathEscape(id)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *Client) list(ctx context.Context, query string) ([]file, error) {
	var out []file
	pageToken := ""
	for {
		params := url.Values{
			"q":        {query},
			"fields":   {"nextPageToken,files(" + fileFields + ")"},
			"pageSize": {"1000"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		resp, err := c.send(ctx, "list", func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/files?"+params.Encode(), nil)
		}, statusOK)
		if err != nil {
			return nil, err
		}
		var page fileList
		if err := decodeJSON(resp, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Files...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) ListChildren(ctx context.Context, containerID string) ([]remote.Entity, error) {
	files, err := c.list(ctx, "'"+escapeQuery(containerID)+"' in parents and trashed = false")
	if err != nil {
		return nil, err
	}
	out := make([]remote.Entity, 0, len(files))
	for _, f := range files {
		out = append(out, f.entity())
	}
	return out, nil
}

func (c *Client) createFolder(ctx context.Context, name, parentID string) (file, error) {
	meta := map[string]any{"name": name, "mimeType": FolderMimeType}
	if parentID != "" {
		meta["parents"] = []string{parentID}
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return file{}, err
	}
	resp, err := c.send(ctx, "create", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/files?fields="+fileFields, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
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

func (c *Client) CreateContainer(ctx context.Context, name, parentID string) (string, error) {
	f, err := c.createFolder(ctx, name, parentID)
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

func (c *Client) DeleteEntity(ctx context.Context, id string) error {
	resp, err := c.send(ctx, "delete", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, c.fileURL(id, nil), nil)
	}, func(code int) bool {
		return code == http.StatusNoContent || code == http.StatusOK
	})
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return nil // already deleted
		}
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) patch(ctx context.Context, op, id string, params url.Values, meta map[string]any) (file, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return file{}, err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("fields", fileFields)
	resp, err := c.send(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.fileURL(id, params), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, statusOK)
	if err != nil {
		return file{}, err
	}
	var f file
	if err := decodeJSON(resp, &f); err != nil {
		return file{}, err
	}
	return f, nil
}

func (c *Client) RenameEntity(ctx context.Context, id, newName string) error {
	_, err := c.patch(ctx, "rename", id, nil, map[string]any{"name": newName})
	return err
}

func (c *Client) MoveEntity(ctx context.Context, id, newParentID, oldParentID string) error {
	params := url.Values{"addParents": {newParentID}}
	if oldParentID != "" {
		params.Set("removeParents", oldParentID)
	}
	_, err := c.patch(ctx, "move", id, params, map[string]any{})
	return err
}

func (c *Client) CopyEntity(ctx context.Context, id, newName, destParentID string) (remote.Entity, error) {
	body, err := json.Marshal(map[string]any{"name": newName, "parents": []string{destParentID}})
	if err != nil {
		return remote.Entity{}, err
	}
	resp, err := c.send(ctx, "copy", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.apiURL+"/files/"+url.PathEscape(id)+"/copy?fields="+fileFields, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, statusCreated)
	if err != nil {
		return remote.Entity{}, err
	}
	var f file
	if err := decodeJSON(resp, &f); err != nil {
		return remote.Entity{}, err
	}
	return f.entity(), nil
}

func (c *Client) findFolder(ctx context.Context, name, parentID string) (string, bool, error) {
	q := "name = '" + escapeQuery(name) + "' and mimeType = '" + FolderMimeType + "' and trashed = false"
	if parentID != "" {
		q += " and '" + escapeQuery(parentID) + "' in parents"
	}
	files, err := c.list(ctx, q)
	if err != nil {
		return "", false, err
	}
	if len(files) == 0 {
		return "", false, nil
	}
	return files[0].ID, true, nil
}

func (c *Client) findOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	id, ok, err := c.findFolder(ctx, name, parentID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	f, err := c.createFolder(ctx, name, parentID)
	if err != nil {
		return "", err
	}
	logging.Info("created drive folder", logging.String("name", name), logging.String("id", f.ID))
	return f.ID, nil
}

// ResolveRootContainer finds or creates <RootFolder>/<RootFolder>-<contextKey>.
func (c *Client) ResolveRootContainer(ctx context.Context, contextKey string) (string, error) {
	if contextKey == "" {
		return "", syncerr.Invalid("empty context key")
	}
	top, err := c.findOrCreateFolder(ctx, c.rootFolder, "root")
	if err != nil {
		return "", err
	}
	return c.findOrCreateFolder(ctx, c.rootFolder+"-"+contextKey, top)
}
