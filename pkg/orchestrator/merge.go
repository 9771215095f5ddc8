package orchestrator

import (
	"sort"
	"strings"

	"github.com/menta2k/scene-analyzer/pkg/types"
)

// MergeFaces attaches to every face detail the match with the greatest
// bounding-box IoU, provided that IoU exceeds threshold. Equal IoU goes to
// the higher similarity. Details without a qualifying match carry no identity.
func MergeFaces(details []types.FaceDetail, matches []types.FaceMatch, threshold float64) []types.CombinedFace {
	out := make([]types.CombinedFace, 0, len(details))
	for _, d := range details {
		face := types.CombinedFace{
			Box:        d.Box,
			Confidence: d.Confidence,
			Attributes: types.CloneAttributes(d.Attributes),
		}

		best, bestIoU := -1, 0.0
		for i, m := range matches {
			iou := d.Box.IoU(m.Box)
			if iou <= threshold {
				continue
			}
			if best < 0 || iou > bestIoU || (iou == bestIoU && m.Similarity > matches[best].Similarity) {
				best, bestIoU = i, iou
			}
		}
		if best >= 0 {
			face.Identity = &types.Identity{
				ID:         matches[best].IdentityID,
				Confidence: matches[best].Similarity,
			}
		}
		out = append(out, face)
	}
	return out
}

// FacesFromMatches builds combined faces from matches alone, used when face
// detection failed but matching did not.
func FacesFromMatches(matches []types.FaceMatch) []types.CombinedFace {
	out := make([]types.CombinedFace, 0, len(matches))
	for _, m := range matches {
		out = append(out, types.CombinedFace{
			Box:        m.Box,
			Confidence: m.Similarity,
			Identity:   &types.Identity{ID: m.IdentityID, Confidence: m.Similarity},
		})
	}
	return out
}

// ConsolidateLabels folds every label into its most general concept so
// that "Dog", "Pet" and "Mammal" do not each take a slot next to "Animal".
// A label without parents is its own concept. Otherwise the concept is the
// last of its parents that is also reported as a parentless label, falling
// back to the last parent (providers list parents from specific to
// general). Each concept keeps the highest member confidence, the sorted
// names of the folded members in Related, the parents of its first member
// and the union of member instances without duplicates. Concepts appear in
// first-seen order. Names compare case-insensitively.
func ConsolidateLabels(labels []types.Label) []types.Label {
	roots := make(map[string]string)
	for _, l := range labels {
		if len(l.Parents) == 0 {
			key := strings.ToLower(l.Name)
			if _, ok := roots[key]; !ok {
				roots[key] = l.Name
			}
		}
	}

	concept := func(l types.Label) string {
		if len(l.Parents) == 0 {
			return l.Name
		}
		for i := len(l.Parents) - 1; i >= 0; i-- {
			if name, ok := roots[strings.ToLower(l.Parents[i])]; ok {
				return name
			}
		}
		return l.Parents[len(l.Parents)-1]
	}

	type group struct {
		label   types.Label
		related map[string]struct{}
		boxes   map[types.Box]struct{}
	}
	var order []string
	groups := make(map[string]*group)

	for _, l := range labels {
		base := concept(l)
		key := strings.ToLower(base)
		g, ok := groups[key]
		if !ok {
			g = &group{
				label:   types.Label{Name: base, Confidence: l.Confidence},
				related: make(map[string]struct{}),
				boxes:   make(map[types.Box]struct{}),
			}
			for _, p := range l.Parents {
				if !strings.EqualFold(p, base) {
					g.label.Parents = append(g.label.Parents, p)
				}
			}
			groups[key] = g
			order = append(order, key)
		}

		if !strings.EqualFold(l.Name, base) {
			g.related[l.Name] = struct{}{}
		}
		if l.Confidence > g.label.Confidence {
			g.label.Confidence = l.Confidence
		}
		for _, b := range l.Instances {
			if _, dup := g.boxes[b]; dup {
				continue
			}
			g.boxes[b] = struct{}{}
			g.label.Instances = append(g.label.Instances, b)
		}
	}

	out := make([]types.Label, 0, len(order))
	for _, key := range order {
		g := groups[key]
		for name := range g.related {
			g.label.Related = append(g.label.Related, name)
		}
		sort.Strings(g.label.Related)
		out = append(out, g.label)
	}
	return out
}

// SortLabels returns labels ordered by descending confidence, keeping
// first-seen order on ties.
func SortLabels(labels []types.Label) []types.Label {
	out := append([]types.Label(nil), labels...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// TopLabels returns the n most confident labels. n <= 0 means no limit.
func TopLabels(labels []types.Label, n int) []types.Label {
	sorted := SortLabels(labels)
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
