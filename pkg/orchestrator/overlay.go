package orchestrator

import (
	"fmt"
	"strings"

	"github.com/menta2k/scene-analyzer/pkg/render"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

// UnknownIdentity labels faces without a confident identity
const UnknownIdentity = "Unknown"

var animalLabels = map[string]struct{}{
	"animal": {}, "pet": {}, "dog": {}, "cat": {}, "bird": {}, "bear": {}, "snake": {},
}

func isAnimal(l types.Label) bool {
	if _, ok := animalLabels[strings.ToLower(l.Name)]; ok {
		return true
	}
	for _, p := range l.Parents {
		if strings.EqualFold(p, "animal") {
			return true
		}
	}
	return false
}

// FaceCaption returns the identity name when its confidence reaches cutoff,
// otherwise UnknownIdentity.
func FaceCaption(f types.CombinedFace, cutoff float64) string {
	if f.Identity != nil && f.Identity.ID != "" && f.Identity.Confidence >= cutoff {
		return f.Identity.ID
	}
	return UnknownIdentity
}

// BuildOverlays turns merged faces and the selected labels into drawable
// boxes. Faces are always drawn, captioned "<n>-<name>" with n counting
// from 1 in result order; animal instances are drawn; other object
// instances only when the scene holds neither faces nor animals.
func BuildOverlays(faces []types.CombinedFace, labels []types.Label, palette render.Palette, identityCutoff float64) []render.Overlay {
	var overlays []render.Overlay

	for i, f := range faces {
		caption := FaceCaption(f, identityCutoff)
		c := palette.Unknown
		if caption != UnknownIdentity {
			c = palette.Recognized
		}
		overlays = append(overlays, render.Overlay{
			Box:        f.Box,
			Label:      fmt.Sprintf("%d-%s", i+1, caption),
			Color:      c,
			Confidence: f.Confidence,
		})
	}

	hasAnimals := false
	for _, l := range labels {
		if isAnimal(l) && len(l.Instances) > 0 {
			hasAnimals = true
			for _, box := range l.Instances {
				overlays = append(overlays, render.Overlay{Box: box, Label: l.Name, Color: palette.Animal, Confidence: l.Confidence})
			}
		}
	}

	if len(faces) == 0 && !hasAnimals {
		for _, l := range labels {
			for _, box := range l.Instances {
				overlays = append(overlays, render.Overlay{Box: box, Label: l.Name, Color: palette.Object, Confidence: l.Confidence})
			}
		}
	}

	return overlays
}

// Legend renders the selected labels as "Name 99.2%" lines
func Legend(labels []types.Label) []string {
	lines := make([]string, 0, len(labels))
	for _, l := range labels {
		lines = append(lines, fmt.Sprintf("%s %.1f%%", l.Name, l.Confidence*100))
	}
	return lines
}
