// Package tree provides the flat, parent-pointer model of a mirrored remote namespace.
package tree

import (
	"net/url"
	"strings"
	"time"
)

// RootID is the local id of the root entry.
const RootID = "0"

// Prefixes of temporary ids given to optimistic entries.
const (
	TempUploadPrefix = "temp-upload-"
	TempFolderPrefix = "temp-folder-"
	TempCopyPrefix   = "temp-copy-"
)

// Entry is one node of the flat tree model.
type Entry struct {
	LocalID     string    `json:"local_id"`
	RemoteID    string    `json:"remote_id,omitempty"`
	Name        string    `json:"name"`
	IsContainer bool      `json:"is_container"`
	HasChildren bool      `json:"has_children"`
	ParentID    string    `json:"parent_id,omitempty"` // empty only for the root
	Path        string    `json:"path"`
	NamePath    string    `json:"name_path"`
	MimeOrType  string    `json:"mime_or_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	Optimistic  bool      `json:"optimistic,omitempty"`
}

// IsRoot reports whether e is the root entry.
func (e Entry) IsRoot() bool {
	return e.ParentID == ""
}

// IsTemporary reports whether the entry carries a placeholder id.
func (e Entry) IsTemporary() bool {
	return IsTempID(e.LocalID)
}

// IsTempID reports whether id was minted for an optimistic entry.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempUploadPrefix) ||
		strings.HasPrefix(id, TempFolderPrefix) ||
		strings.HasPrefix(id, TempCopyPrefix)
}

// NewRoot returns the root entry mapped to the given remote container.
func NewRoot(remoteID, name string) Entry {
	return Entry{
		LocalID:     RootID,
		RemoteID:    remoteID,
		Name:        name,
		IsContainer: true,
		Path:        "/",
	}
}

// segment renders a local id as one path segment. Ids containing "/"
// (object keys, relative file paths) are escaped so paths stay unique.
func segment(id string) string {
	return url.PathEscape(id)
}

// ChildPath builds the materialized path of a child under parentPath.
func ChildPath(parentPath, id string, container bool) string {
	p := parentPath + segment(id)
	if container {
		p += "/"
	}
	return p
}

// ChildNamePath builds the human-readable path of a child.
func ChildNamePath(parentNamePath, name string) string {
	if parentNamePath == "" {
		return name
	}
	return parentNamePath + "/" + name
}

// CleanDisplayPath normalizes a navigation path to namePath form:
// "/a/b/", "a/b" and "a//b" all become "a/b"; "/" and "" become "".
func CleanDisplayPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "/")
}
