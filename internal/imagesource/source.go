// Package imagesource fetches and decodes camera frames.
package imagesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrFetch is returned when the frame bytes cannot be obtained.
	ErrFetch = errors.New("image fetch failed")
	// ErrDecode is returned when the bytes are not a decodable image.
	ErrDecode = errors.New("image decode failed")
	// ErrUnsupportedRef is returned for a reference no source can serve.
	ErrUnsupportedRef = errors.New("unsupported image reference")
)

// DefaultTimeout bounds a single HTTP fetch.
const DefaultTimeout = 10 * time.Second

// maxFrameBytes caps a single downloaded frame.
const maxFrameBytes = 64 << 20

// Source resolves a camera's image reference to a decoded frame.
type Source interface {
	Fetch(ctx context.Context, ref string) (image.Image, error)
}

// Decode sniffs and decodes an encoded frame.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrDecode, http.DetectContentType(data), err)
	}
	if img.Bounds().Empty() {
		return nil, format, fmt.Errorf("%w: empty %s image", ErrDecode, format)
	}
	return img, format, nil
}

// HTTP fetches frames from http and https URLs.
type HTTP struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTP returns an HTTP source with the given per-request timeout.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTP{Client: &http.Client{}, Timeout: timeout}
}

func (h *HTTP) Fetch(ctx context.Context, ref string) (image.Image, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetch, ref, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	img, _, err := Decode(data)
	return img, err
}

// File reads frames from local paths or file:// URLs.
type File struct{}

func (File) Fetch(ctx context.Context, ref string) (image.Image, error) {
	path := ref
	if strings.HasPrefix(ref, "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedRef, err)
		}
		path = u.Path
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	img, _, err := Decode(data)
	return img, err
}

// Memory serves pre-decoded frames by reference, mainly for tests and for
// stitching frames already held by the caller.
type Memory struct {
	mu     sync.RWMutex
	frames map[string]image.Image
	errs   map[string]error
}

// NewMemory returns an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{frames: make(map[string]image.Image), errs: make(map[string]error)}
}

// Put registers a frame under ref.
func (m *Memory) Put(ref string, img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames[ref] = img
	delete(m.errs, ref)
}

// Fail makes every fetch of ref return err.
func (m *Memory) Fail(ref string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[ref] = err
	delete(m.frames, ref)
}

func (m *Memory) Fetch(ctx context.Context, ref string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.errs[ref]; ok {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	img, ok := m.frames[ref]
	if !ok {
		return nil, fmt.Errorf("%w: no frame for %q", ErrFetch, ref)
	}
	return img, nil
}

// Mux dispatches on the reference scheme: http/https go to HTTP, file:// and
// bare paths go to Files, and "mem:" references go to Memory when set.
type Mux struct {
	HTTP   Source
	Files  Source
	Memory Source
}

// NewMux wires the default HTTP and file sources.
func NewMux(timeout time.Duration) *Mux {
	return &Mux{HTTP: NewHTTP(timeout), Files: File{}}
}

func (m *Mux) Fetch(ctx context.Context, ref string) (image.Image, error) {
	var src Source
	switch lower := strings.ToLower(ref); {
	case ref == "":
		return nil, fmt.Errorf("%w: empty reference", ErrUnsupportedRef)
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		src = m.HTTP
	case strings.HasPrefix(lower, "mem:"):
		src = m.Memory
	case strings.HasPrefix(lower, "file://"), !strings.Contains(ref, "://"):
		src = m.Files
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}
	return src.Fetch(ctx, ref)
}
