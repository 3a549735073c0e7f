package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dir serves file://bucket/object locations from root/bucket/object. It is
// meant for local runs and tests.
type Dir struct {
	root     string
	maxBytes int64
}

func NewDir(root string, maxBytes int64) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Dir{root: abs, maxBytes: maxBytes}, nil
}

func (d *Dir) local(path string) (string, error) {
	p, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	if p.Scheme != "file" {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, p.Scheme)
	}
	full := filepath.Join(d.root, p.Bucket, filepath.FromSlash(p.Object))
	if !strings.HasPrefix(full, d.root+string(filepath.Separator)) {
		return "", &PathError{Path: path, Reason: "outside root"}
	}
	return full, nil
}

func (d *Dir) ReadBytes(_ context.Context, path string) ([]byte, error) {
	full, err := d.local(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", path, err)
	}
	defer f.Close()
	return readLimited(f, d.maxBytes, path)
}

// WriteJSON writes through a temp file and rename so readers never see a
// partial artifact.
func (d *Dir) WriteJSON(_ context.Context, path string, v any) error {
	full, err := d.local(path)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("blob: encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("blob: mkdir %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return fmt.Errorf("blob: temp %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("blob: rename %s: %w", path, err)
	}
	return nil
}

// SignedURL has nothing to sign locally; it returns the file URL of an
// existing object.
func (d *Dir) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	full, err := d.local(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("blob: stat %s: %w", path, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(), nil
}
