package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/config"
	cos "github.com/tencentyun/cos-go-sdk-v5"
)

type cosStore struct {
	cli *cos.Client
	ttl time.Duration
	sid string
	sk  string
}

func OpenCOS(_ context.Context, c config.Storage) (Store, error) {
	var bucketURL *url.URL
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			return nil, err
		}
		// path-style when the host does not carry the bucket
		if !strings.Contains(u.Host, c.Bucket) && !strings.HasSuffix(u.Path, "/"+c.Bucket) {
			u.Path = "/" + c.Bucket
		}
		bucketURL = u
	} else {
		if c.Region == "" || c.Bucket == "" {
			return nil, fmt.Errorf("bucket and region required for cos when endpoint empty")
		}
		u, err := url.Parse(fmt.Sprintf("https://%s.cos.%s.myqcloud.com", c.Bucket, c.Region))
		if err != nil {
			return nil, err
		}
		bucketURL = u
	}
	b := &cos.BaseURL{BucketURL: bucketURL}
	cli := cos.NewClient(b, &http.Client{Transport: &cos.AuthorizationTransport{SecretID: c.AccessKey, SecretKey: c.SecretKey}})
	ttl := c.SignedURLTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &cosStore{cli: cli, ttl: ttl, sid: c.AccessKey, sk: c.SecretKey}, nil
}

func (s *cosStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	key = SanitizeKey(key)
	if key == "" {
		return apperr.Validation("empty blob key")
	}
	opt := &cos.ObjectPutOptions{}
	if contentType != "" {
		opt.ObjectPutHeaderOptions = &cos.ObjectPutHeaderOptions{ContentType: contentType}
	}
	if _, err := s.cli.Object.Put(ctx, key, r, opt); err != nil {
		return apperr.Remote("cos put", err)
	}
	return nil
}

func (s *cosStore) URL(ctx context.Context, key string) (string, error) {
	key = SanitizeKey(key)
	if _, err := s.cli.Object.Head(ctx, key, nil); err != nil {
		if cos.IsNotFoundError(err) {
			return "", apperr.NotFound("blob " + key)
		}
		return "", apperr.Remote("cos head", err)
	}
	u, err := s.cli.Object.GetPresignedURL(ctx, http.MethodGet, key, s.sid, s.sk, s.ttl, nil)
	if err != nil {
		return "", apperr.Remote("cos presign", err)
	}
	return u.String(), nil
}

func (s *cosStore) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	key = SanitizeKey(key)
	resp, err := s.cli.Object.Get(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, "", apperr.NotFound("blob " + key)
		}
		return nil, "", apperr.Remote("cos get", err)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (s *cosStore) Delete(ctx context.Context, key string) error {
	key = SanitizeKey(key)
	if _, err := s.cli.Object.Delete(ctx, key); err != nil {
		return apperr.Remote("cos delete", err)
	}
	return nil
}

func (s *cosStore) Close() error { return nil }
