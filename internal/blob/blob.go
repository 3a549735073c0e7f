// Package blob reads and writes the job artifacts. Locations are written as
// scheme://bucket/object; gs:// goes to Cloud Storage and file:// to a local
// directory tree.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("blob: object not found")
	ErrTooLarge    = errors.New("blob: object exceeds read limit")
	ErrUnsupported = errors.New("blob: unsupported scheme")
)

// PathError reports a location that cannot be addressed safely.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("blob: invalid path %q: %s", e.Path, e.Reason)
}

type Store interface {
	ReadBytes(ctx context.Context, path string) ([]byte, error)
	WriteJSON(ctx context.Context, path string, v any) error
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

type Path struct {
	Scheme string
	Bucket string
	Object string
}

func (p Path) String() string { return p.Scheme + "://" + p.Bucket + "/" + p.Object }

// Join appends object segments to a scheme://bucket[/prefix] location.
func Join(base string, elem ...string) string {
	out := strings.TrimRight(base, "/")
	for _, e := range elem {
		out += "/" + strings.Trim(e, "/")
	}
	return out
}

// ParsePath splits and validates a location. Empty, "." and ".." segments,
// backslashes and control characters are refused so an object name can never
// climb out of its bucket.
func ParsePath(s string) (Path, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return Path{}, &PathError{Path: s, Reason: "missing scheme"}
	}
	for _, r := range scheme {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return Path{}, &PathError{Path: s, Reason: "malformed scheme"}
		}
	}
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return Path{}, &PathError{Path: s, Reason: "expected scheme://bucket/object"}
	}
	if strings.ContainsAny(s, "\\") {
		return Path{}, &PathError{Path: s, Reason: "backslash"}
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return Path{}, &PathError{Path: s, Reason: "control character"}
		}
	}
	if bucket == "." || bucket == ".." {
		return Path{}, &PathError{Path: s, Reason: "bucket traversal"}
	}
	for seg := range strings.SplitSeq(object, "/") {
		switch seg {
		case "":
			return Path{}, &PathError{Path: s, Reason: "empty segment"}
		case ".", "..":
			return Path{}, &PathError{Path: s, Reason: "path traversal"}
		}
	}
	return Path{Scheme: scheme, Bucket: bucket, Object: object}, nil
}

// Mux dispatches on the location scheme.
type Mux struct {
	backends map[string]Store
}

func NewMux() *Mux { return &Mux{backends: map[string]Store{}} }

func (m *Mux) Handle(scheme string, s Store) { m.backends[scheme] = s }

func (m *Mux) route(path string) (Store, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	s, ok := m.backends[p.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, p.Scheme)
	}
	return s, nil
}

func (m *Mux) ReadBytes(ctx context.Context, path string) ([]byte, error) {
	s, err := m.route(path)
	if err != nil {
		return nil, err
	}
	return s.ReadBytes(ctx, path)
}

func (m *Mux) WriteJSON(ctx context.Context, path string, v any) error {
	s, err := m.route(path)
	if err != nil {
		return err
	}
	return s.WriteJSON(ctx, path, v)
}

func (m *Mux) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	s, err := m.route(path)
	if err != nil {
		return "", err
	}
	return s.SignedURL(ctx, path, ttl)
}
