package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/config"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// bucketStore is backed by a gocloud.dev bucket (file, mem or s3).
type bucketStore struct {
	bk           *blob.Bucket
	ttl          time.Duration
	publicPrefix string
}

func OpenBucket(ctx context.Context, c config.Storage) (Store, error) {
	var (
		bk  *blob.Bucket
		err error
	)
	switch c.Driver {
	case "file":
		if c.BaseDir == "" {
			return nil, fmt.Errorf("base_dir required for file driver")
		}
		if err := os.MkdirAll(c.BaseDir, 0o755); err != nil {
			return nil, err
		}
		bk, err = fileblob.OpenBucket(c.BaseDir, nil)
	case "mem":
		bk = memblob.OpenBucket(nil)
	case "s3":
		bk, err = blob.OpenBucket(ctx, buildS3URL(c))
	default:
		return nil, fmt.Errorf("driver %q is not a bucket driver", c.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewBucketStore(bk, c.PublicPrefix, c.SignedURLTTL), nil
}

// NewBucketStore wraps an open bucket. publicPrefix is used for drivers that
// cannot sign URLs; the server serves those keys itself.
func NewBucketStore(bk *blob.Bucket, publicPrefix string, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if publicPrefix == "" {
		publicPrefix = "/media/"
	}
	return &bucketStore{bk: bk, ttl: ttl, publicPrefix: publicPrefix}
}

func buildS3URL(c config.Storage) string {
	q := url.Values{}
	if c.Region != "" {
		q.Set("region", c.Region)
	}
	if c.Endpoint != "" {
		q.Set("endpoint", c.Endpoint)
	}
	if c.ForcePathStyle {
		q.Set("s3ForcePathStyle", "true")
	}
	u := url.URL{Scheme: "s3", Host: c.Bucket, RawQuery: q.Encode()}
	return u.String()
}

func (s *bucketStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	key = SanitizeKey(key)
	if key == "" {
		return apperr.Validation("empty blob key")
	}
	if err := s.bk.Upload(ctx, key, r, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return apperr.Remote("blob put", err)
	}
	return nil
}

func (s *bucketStore) URL(ctx context.Context, key string) (string, error) {
	key = SanitizeKey(key)
	ok, err := s.bk.Exists(ctx, key)
	if err != nil {
		return "", apperr.Remote("blob exists", err)
	}
	if !ok {
		return "", apperr.NotFound("blob " + key)
	}
	u, err := s.bk.SignedURL(ctx, key, &blob.SignedURLOptions{Method: "GET", Expiry: s.ttl})
	if err == nil {
		return u, nil
	}
	if gcerrors.Code(err) != gcerrors.Unimplemented {
		return "", apperr.Remote("blob sign", err)
	}
	return strings.TrimSuffix(s.publicPrefix, "/") + "/" + (&url.URL{Path: key}).EscapedPath(), nil
}

func (s *bucketStore) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	key = SanitizeKey(key)
	r, err := s.bk.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, "", apperr.NotFound("blob " + key)
		}
		return nil, "", apperr.Remote("blob open", err)
	}
	return r, r.ContentType(), nil
}

func (s *bucketStore) Delete(ctx context.Context, key string) error {
	key = SanitizeKey(key)
	if err := s.bk.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return apperr.NotFound("blob " + key)
		}
		return apperr.Remote("blob delete", err)
	}
	return nil
}

func (s *bucketStore) Close() error {
	return s.bk.Close()
}
