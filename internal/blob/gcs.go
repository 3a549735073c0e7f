package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCS serves gs:// locations.
type GCS struct {
	client   *storage.Client
	maxBytes int64
}

func NewGCS(client *storage.Client, maxBytes int64) *GCS {
	return &GCS{client: client, maxBytes: maxBytes}
}

func (g *GCS) object(path string) (*storage.ObjectHandle, Path, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, Path{}, err
	}
	if p.Scheme != "gs" {
		return nil, Path{}, fmt.Errorf("%w: %s", ErrUnsupported, p.Scheme)
	}
	return g.client.Bucket(p.Bucket).Object(p.Object), p, nil
}

func (g *GCS) ReadBytes(ctx context.Context, path string) ([]byte, error) {
	obj, _, err := g.object(path)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, gcsErr(path, err)
	}
	defer r.Close()
	if g.maxBytes > 0 && r.Attrs.Size > g.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, r.Attrs.Size)
	}
	return readLimited(r, g.maxBytes, path)
}

func (g *GCS) WriteJSON(ctx context.Context, path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("blob: encode %s: %w", path, err)
	}
	obj, _, err := g.object(path)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return gcsErr(path, err)
	}
	if err := w.Close(); err != nil {
		return gcsErr(path, err)
	}
	return nil
}

// SignedURL issues a V4 GET URL. The client must carry credentials able to
// sign (a service account key or the IAM signBlob permission).
func (g *GCS) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	_, p, err := g.object(path)
	if err != nil {
		return "", err
	}
	u, err := g.client.Bucket(p.Bucket).SignedURL(p.Object, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("blob: sign %s: %w", path, err)
	}
	return u, nil
}

func gcsErr(path string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return fmt.Errorf("blob: %s: %w", path, err)
}

func readLimited(r io.Reader, max int64, path string) ([]byte, error) {
	if max <= 0 {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("blob: read %s: %w", path, err)
		}
		return b, nil
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", path, err)
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, path)
	}
	return b, nil
}
