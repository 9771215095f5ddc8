package types

import (
	"math"
	"time"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Clamp clips the box to the unit square. Width and height never go negative.
func (b Box) Clamp() Box {
	x0 := clamp(b.Left, 0, 1)
	y0 := clamp(b.Top, 0, 1)
	x1 := clamp(b.Left+b.Width, 0, 1)
	y1 := clamp(b.Top+b.Height, 0, 1)
	return Box{
		Left:   x0,
		Top:    y0,
		Width:  math.Max(0, x1-x0),
		Height: math.Max(0, y1-y0),
	}
}

// Area returns width*height, or 0 for degenerate boxes
func (b Box) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Empty reports whether the box has no area after clamping
func (b Box) Empty() bool {
	return b.Clamp().Area() == 0
}

// IoU returns the intersection-over-union of two boxes
func (b Box) IoU(o Box) float64 {
	x1 := math.Max(b.Left, o.Left)
	y1 := math.Max(b.Top, o.Top)
	x2 := math.Min(b.Left+b.Width, o.Left+o.Width)
	y2 := math.Min(b.Top+b.Height, o.Top+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Image is the raw photo held by the ingest store
type Image struct {
	ID         string    `json:"id"`
	Bytes      []byte    `json:"-"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Format     string    `json:"format"`
	CapturedAt time.Time `json:"captured_at"`
}

// Label is an object or scene concept detected in the image
type Label struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Parents    []string `json:"parents,omitempty"`
	Related    []string `json:"related,omitempty"` // narrower labels folded into this one
	Instances  []Box    `json:"instances,omitempty"`
}

// Attribute is a single facial characteristic reported by the provider
type Attribute struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// FaceDetail is a detected face with its attributes
type FaceDetail struct {
	Box        Box                  `json:"box"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
	Confidence float64              `json:"confidence"`
}

// FaceMatch is a face in the image that matched a reference identity
type FaceMatch struct {
	Box        Box     `json:"box"`
	IdentityID string  `json:"identity_id"`
	Similarity float64 `json:"similarity"`
}

// Identity is the reference identity attached to a combined face
type Identity struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
}

// CombinedFace merges a FaceDetail with the FaceMatch overlapping it, if any
type CombinedFace struct {
	Box        Box                  `json:"box"`
	Confidence float64              `json:"confidence"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
	Identity   *Identity            `json:"identity,omitempty"`
}

// Call names one of the three vision sub-calls
type Call string

const (
	CallLabels  Call = "labels"
	CallFaces   Call = "faces"
	CallMatches Call = "matches"
)

// ServiceErrorKind classifies a failed vision call
type ServiceErrorKind string

const (
	KindTimeout     ServiceErrorKind = "Timeout"
	KindAuthError   ServiceErrorKind = "AuthError"
	KindUnavailable ServiceErrorKind = "Unavailable"
	KindThrottled   ServiceErrorKind = "Throttled"
)

// SubCallFailure records one failed vision call within a cycle
type SubCallFailure struct {
	Call Call             `json:"call"`
	Kind ServiceErrorKind `json:"kind"`
}

// AnalysisResult is the immutable outcome of one analysis cycle.
// Build it once and hand out copies via Clone.
type AnalysisResult struct {
	ID                string           `json:"id"`
	SourceImageID     string           `json:"source_image_id"`
	Labels            []Label          `json:"labels"`
	Faces             []CombinedFace   `json:"faces"`
	PartialFailures   []SubCallFailure `json:"partial_failures"`
	FullyFailed       bool             `json:"fully_failed"`
	AnnotatedImageRef string           `json:"annotated_image_ref,omitempty"`
	RenderError       string           `json:"render_error,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       time.Time        `json:"completed_at"`
}

// Clone returns a deep copy that shares no slices or maps with r
func (r AnalysisResult) Clone() AnalysisResult {
	out := r
	out.Labels = make([]Label, len(r.Labels))
	for i, l := range r.Labels {
		out.Labels[i] = l.clone()
	}
	out.Faces = make([]CombinedFace, len(r.Faces))
	for i, f := range r.Faces {
		out.Faces[i] = f.clone()
	}
	out.PartialFailures = append([]SubCallFailure{}, r.PartialFailures...)
	return out
}

// Degraded reports whether any part of the cycle failed
func (r AnalysisResult) Degraded() bool {
	return r.FullyFailed || len(r.PartialFailures) > 0 || r.RenderError != ""
}

func (l Label) clone() Label {
	out := l
	if l.Parents != nil {
		out.Parents = append([]string{}, l.Parents...)
	}
	if l.Related != nil {
		out.Related = append([]string{}, l.Related...)
	}
	if l.Instances != nil {
		out.Instances = append([]Box{}, l.Instances...)
	}
	return out
}

func (f CombinedFace) clone() CombinedFace {
	out := f
	out.Attributes = CloneAttributes(f.Attributes)
	if f.Identity != nil {
		id := *f.Identity
		out.Identity = &id
	}
	return out
}

// CloneAttributes copies an attribute map; nil stays nil
func CloneAttributes(in map[string]Attribute) map[string]Attribute {
	if in == nil {
		return nil
	}
	out := make(map[string]Attribute, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
