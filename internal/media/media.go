// Package media stores uploaded attachments and serves them back.
package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// URLPrefix is the path attachments are served under.
const URLPrefix = "/media/"

// ErrInvalidKey is returned for keys that would escape the store.
var ErrInvalidKey = errors.New("invalid media key")

// Store persists attachment blobs. ServeHTTP serves a key taken from the
// request path with URLPrefix already stripped.
type Store interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	Delete(ctx context.Context, key string) error
	http.Handler
}

// NewKey returns a fresh key for a file uploaded to a conversation. Only
// the sanitized extension of the client's file name is kept.
func NewKey(conversationID, filename string) string {
	return conversationID + "/" + uuid.NewString() + cleanExt(filename)
}

// URL returns the client-facing URL of key.
func URL(key string) string {
	return URLPrefix + key
}

func cleanExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// validKey reports whether key is a clean relative slash path.
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	return path.Clean(key) == key && key != "." && key != ".." && !strings.HasPrefix(key, "../")
}
