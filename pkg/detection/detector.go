// Package detection implements the vision contract on top of a multimodal
// chat model. Each call is one prompt; answers are parsed leniently and a
// model that answers with something other than JSON yields an empty result.
package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"math"
	"strings"

	"github.com/menta2k/scene-analyzer/pkg/client"
	"github.com/menta2k/scene-analyzer/pkg/processing"
	"github.com/menta2k/scene-analyzer/pkg/reference"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

// LabelsPrompt asks for object and scene labels
const LabelsPrompt = `You are an image labeler.

Return JSON only:
{
  "labels": [
    {"name": "Person", "confidence": 0.0, "parents": ["string"], "instances": [{"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}]}
  ]
}

HARD RULES
- List up to 15 objects, scenes and concepts visible in the image.
- Names are short, capitalized nouns. Parents are broader categories ordered from most specific to most general (e.g. "Dog" -> ["Pet", "Mammal", "Animal"]).
- Instances are bounding boxes of individual objects, normalized to [0,1] (NOT pixels). Scenes have no instances.
- Confidence is in [0,1].
- If nothing is recognizable, return {"labels": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// FacesPrompt asks for every face with its attributes
const FacesPrompt = `You are a face detector.

Return JSON only:
{
  "faces": [
    {
      "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
      "confidence": 0.0,
      "attributes": {
        "age_range": {"value": "25-35", "confidence": 0.0},
        "gender": {"value": "string", "confidence": 0.0},
        "smile": {"value": true, "confidence": 0.0},
        "eyeglasses": {"value": false, "confidence": 0.0},
        "emotion": {"value": "string", "confidence": 0.0}
      }
    }
  ]
}

HARD RULES
- One entry per visible human face. Boxes are normalized to [0,1] (NOT pixels).
- Do not guess real identities.
- If there are no faces, return {"faces": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// ComparePrompt asks which faces in the first image belong to the person in
// the second image
const ComparePrompt = `You are a face matcher. The FIRST image is a scene. The SECOND image is a reference portrait of one person.

Return JSON only:
{
  "matches": [
    {"box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}, "similarity": 0.0}
  ]
}

HARD RULES
- Include only faces in the FIRST image that show the same person as the SECOND image.
- Boxes locate the face in the FIRST image, normalized to [0,1] (NOT pixels).
- Similarity is in [0,1].
- If nobody matches, return {"matches": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Config tunes the detector
type Config struct {
	Model               string
	SendSize            int
	SendQuality         int
	MinLabelConfidence  float64
	SimilarityThreshold float64
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		Model:               "qwen2.5vl:7b",
		SendSize:            1024,
		SendQuality:         85,
		MinLabelConfidence:  0.5,
		SimilarityThreshold: 0.5,
	}
}

// Detector adapts a chat backend to client.VisionClient
type Detector struct {
	backend   client.ChatBackend
	library   *reference.Library
	processor *processing.Processor
	config    Config
	logger    *slog.Logger
}

// NewDetector creates a detector. library may be nil, in which case
// CompareFaces reports no matches.
func NewDetector(backend client.ChatBackend, library *reference.Library, config Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		backend:   backend,
		library:   library,
		processor: processing.NewProcessor(),
		config:    config,
		logger:    logger,
	}
}

var _ client.VisionClient = (*Detector)(nil)

// DetectLabels asks the model for labels. Labels below the configured
// minimum confidence are dropped.
func (d *Detector) DetectLabels(ctx context.Context, img types.Image) ([]types.Label, error) {
	payload, sent, err := d.prepare(img)
	if err != nil {
		return nil, err
	}
	raw, err := d.backend.Query(ctx, d.config.Model, LabelsPrompt, payload)
	if err != nil {
		return nil, err
	}

	var answer labelsAnswer
	if !decodeModelJSON(raw, &answer) {
		d.logger.Warn("detection: unparseable labels answer", "image_id", img.ID)
		return []types.Label{}, nil
	}

	labels := make([]types.Label, 0, len(answer.Labels))
	for _, l := range answer.Labels {
		name := strings.TrimSpace(l.Name)
		conf := normalizeConfidence(l.Confidence)
		if name == "" || conf < d.config.MinLabelConfidence {
			continue
		}
		label := types.Label{Name: name, Confidence: conf, Parents: normalizeParents(l.Parents)}
		for _, b := range l.Instances {
			if box := normalizeBox(b, sent.X, sent.Y); !box.Empty() {
				label.Instances = append(label.Instances, box)
			}
		}
		labels = append(labels, label)
	}
	return labels, nil
}

// DetectFaces asks the model for faces and their attributes
func (d *Detector) DetectFaces(ctx context.Context, img types.Image) ([]types.FaceDetail, error) {
	payload, sent, err := d.prepare(img)
	if err != nil {
		return nil, err
	}
	raw, err := d.backend.Query(ctx, d.config.Model, FacesPrompt, payload)
	if err != nil {
		return nil, err
	}

	var answer facesAnswer
	if !decodeModelJSON(raw, &answer) {
		d.logger.Warn("detection: unparseable faces answer", "image_id", img.ID)
		return []types.FaceDetail{}, nil
	}

	faces := make([]types.FaceDetail, 0, len(answer.Faces))
	for _, f := range answer.Faces {
		box := normalizeBox(f.Box, sent.X, sent.Y)
		if box.Empty() {
			continue
		}
		detail := types.FaceDetail{Box: box, Confidence: normalizeConfidence(f.Confidence)}
		if len(f.Attributes) > 0 {
			detail.Attributes = make(map[string]types.Attribute, len(f.Attributes))
			for k, a := range f.Attributes {
				detail.Attributes[strings.ToLower(k)] = types.Attribute{
					Value:      fmt.Sprint(a.Value),
					Confidence: normalizeConfidence(a.Confidence),
				}
			}
		}
		faces = append(faces, detail)
	}
	return faces, nil
}

// CompareFaces asks the model, once per reference portrait, which faces in
// the image belong to that person. Matches below the similarity threshold
// are dropped.
func (d *Detector) CompareFaces(ctx context.Context, img types.Image, referenceCollectionID string) ([]types.FaceMatch, error) {
	if d.library == nil {
		return []types.FaceMatch{}, nil
	}
	refs, err := d.library.Faces(referenceCollectionID)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return []types.FaceMatch{}, nil
	}

	payload, sent, err := d.prepare(img)
	if err != nil {
		return nil, err
	}

	matches := []types.FaceMatch{}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := d.backend.Query(ctx, d.config.Model, ComparePrompt, payload, ref.Bytes)
		if err != nil {
			return nil, err
		}

		var answer compareAnswer
		if !decodeModelJSON(raw, &answer) {
			d.logger.Warn("detection: unparseable compare answer", "image_id", img.ID, "identity", ref.Identity)
			continue
		}
		for _, m := range answer.Matches {
			sim := normalizeConfidence(m.Similarity)
			box := normalizeBox(m.Box, sent.X, sent.Y)
			if sim < d.config.SimilarityThreshold || box.Empty() {
				continue
			}
			matches = append(matches, types.FaceMatch{Box: box, IdentityID: ref.Identity, Similarity: sim})
		}
	}
	return matches, nil
}

// prepare encodes the copy sent to the model and returns its pixel size.
// Pixel answers from the model refer to that copy, not to the source.
func (d *Detector) prepare(img types.Image) ([]byte, image.Point, error) {
	if len(img.Bytes) == 0 {
		return nil, image.Point{}, fmt.Errorf("detection: image %q has no data", img.ID)
	}
	payload, err := d.processor.PrepareImageForModel(img.Bytes, "jpg", d.config.SendSize, d.config.SendQuality)
	if err != nil {
		return nil, image.Point{}, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, image.Point{}, fmt.Errorf("detection: prepared image: %w", err)
	}
	return payload, image.Point{X: cfg.Width, Y: cfg.Height}, nil
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeConfidence accepts both [0,1] and percentage answers
func normalizeConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	if c > 1 {
		c /= 100
	}
	return clamp(c, 0, 1)
}

// pixelBoxThreshold separates pixel answers from normalized boxes that
// slightly overshoot the unit square
const pixelBoxThreshold = 2.0

// normalizeBox converts a model box to a clamped normalized box. Models
// sometimes answer in pixels of the image they were sent; a coordinate
// above pixelBoxThreshold marks such an answer.
func normalizeBox(b modelBox, imgW, imgH int) types.Box {
	pixels := b.X > pixelBoxThreshold || b.Y > pixelBoxThreshold || b.W > pixelBoxThreshold || b.H > pixelBoxThreshold
	if pixels && imgW > 0 && imgH > 0 {
		b = modelBox{
			X: b.X / float64(imgW),
			Y: b.Y / float64(imgH),
			W: b.W / float64(imgW),
			H: b.H / float64(imgH),
		}
	}
	return types.Box{Left: b.X, Top: b.Y, Width: b.W, Height: b.H}.Clamp()
}

// normalizeParents trims and dedups parent names, keeping first-seen order
func normalizeParents(parents []string) []string {
	if len(parents) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(parents))
	for _, p := range parents {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
