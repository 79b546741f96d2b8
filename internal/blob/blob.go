// Package blob stores media and profile pictures and resolves keys to
// retrievable URLs.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pliu/groupsync/internal/config"
)

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	// URL fails with apperr.ErrNotFound when no object exists at key.
	URL(ctx context.Context, key string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

const defaultTTL = 15 * time.Minute

// Open builds the store for the configured driver.
func Open(ctx context.Context, c config.Storage) (Store, error) {
	switch c.Driver {
	case "file", "mem", "s3":
		return OpenBucket(ctx, c)
	case "cos":
		return OpenCOS(ctx, c)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.Driver)
	}
}

// SanitizeKey strips leading slashes and parent references so a key cannot
// escape the bucket root.
func SanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	key = path.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, name)
}

// MediaKey is where message media is uploaded.
func MediaKey(senderID, filename string, now time.Time) string {
	return fmt.Sprintf("images/%s_%d_%s", sanitizeName(senderID), now.UnixMilli(), sanitizeName(filename))
}

// IsKey reports whether a stored media reference is a blob key rather than
// a URL.
func IsKey(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "/") {
		return false
	}
	u, err := url.Parse(ref)
	return err == nil && u.Scheme == "" && u.Host == ""
}

// OwnedBy reports whether userID may write key: its own media uploads and
// its own profile pictures.
func OwnedBy(key, userID string) bool {
	if userID == "" {
		return false
	}
	owner := sanitizeName(userID)
	return strings.HasPrefix(key, "images/"+owner+"_") ||
		strings.HasPrefix(key, "public/profile-pics/"+owner+"/")
}

// ProfilePictureKey is where a user's avatar lives.
func ProfilePictureKey(userID, filename string) string {
	return "public/profile-pics/" + sanitizeName(userID) + "/" + sanitizeName(filename)
}
