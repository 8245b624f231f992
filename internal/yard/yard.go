// Package yard describes a monitored yard: its boundary polygon and the
// cameras that observe it.
package yard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDescriptor is returned when a descriptor cannot be decoded.
var ErrInvalidDescriptor = errors.New("invalid yard descriptor")

// ID identifies a yard or camera. Documents carry it either as a number or as
// a string; both decode to the same textual form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("id: expected scalar at line %d", node.Line)
	}
	*id = ID(node.Value)
	return nil
}

// Point is a 2D coordinate as it appears in descriptor documents.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// R2 converts to the geometry point type.
func (p Point) R2() r2.Point { return r2.Point{X: p.X, Y: p.Y} }

// Camera is one fixed camera. YardPoints are in the camera's nominal pixel
// frame; TransformPoints are the matching yard coordinates, paired by index.
type Camera struct {
	ID              ID      `json:"id,omitempty" yaml:"id,omitempty"`
	URLAccess       string  `json:"urlAccess" yaml:"urlAccess"`
	YardPoints      []Point `json:"yardPoints" yaml:"yardPoints"`
	TransformPoints []Point `json:"transformPoints" yaml:"transformPoints"`
}

// Correspondences returns the first min(len(YardPoints), len(TransformPoints))
// pairs as geometry points.
func (c Camera) Correspondences() (src, dst []r2.Point) {
	n := len(c.YardPoints)
	if len(c.TransformPoints) < n {
		n = len(c.TransformPoints)
	}
	src = make([]r2.Point, n)
	dst = make([]r2.Point, n)
	for i := 0; i < n; i++ {
		src[i] = c.YardPoints[i].R2()
		dst[i] = c.TransformPoints[i].R2()
	}
	return src, dst
}

// Label names the camera in logs and reports, falling back to its position.
func (c Camera) Label(index int) string {
	if c.ID != "" {
		return string(c.ID)
	}
	return fmt.Sprintf("#%d", index)
}

// Descriptor is the read-only input of a stitch: a boundary polygon plus an
// ordered camera list. Camera order is significant for overwrite blending.
type Descriptor struct {
	ID       ID       `json:"id,omitempty" yaml:"id,omitempty"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Boundary []Point  `json:"boundary" yaml:"boundary"`
	Cameras  []Camera `json:"cameras" yaml:"cameras"`
}

// BoundaryPoints returns the boundary as geometry points.
func (d Descriptor) BoundaryPoints() []r2.Point {
	out := make([]r2.Point, len(d.Boundary))
	for i, p := range d.Boundary {
		out[i] = p.R2()
	}
	return out
}

// Parse decodes a descriptor. JSON is tried first when the document starts
// with '{'; anything else is read as YAML, which also accepts JSON.
func Parse(data []byte) (Descriptor, error) {
	var d Descriptor
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return d, fmt.Errorf("%w: empty document", ErrInvalidDescriptor)
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &d); err != nil {
			return d, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
		return d, nil
	}
	if err := yaml.Unmarshal(trimmed, &d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return d, nil
}

// Load reads and parses a descriptor file (.json, .yaml or .yml).
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read yard descriptor: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return d, fmt.Errorf("%s: %w", path, err)
	}
	if d.ID == "" {
		base := filepath.Base(path)
		d.ID = ID(strings.TrimSuffix(base, filepath.Ext(base)))
	}
	return d, nil
}

// Marshal encodes the descriptor as indented JSON.
func (d Descriptor) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
