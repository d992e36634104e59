package postprocess

import (
	"strconv"
	"strings"

	"github.com/nvr-ai/go-dnn/inference"
)

// Anchor is the prior box size of a YOLO anchor.
type Anchor struct {
	W, H float32
}

// AnchorSet holds one anchor group per YOLO head, in head order. It is immutable once
// parsed.
type AnchorSet [][]Anchor

// ParseAnchors parses "w1,h1, w2,h2, ...; ww1,hh1, ...". Groups are separated by
// semicolons and belong to successive YOLO heads; a single group applies to every head.
//
// Arguments:
//   - s: The anchor text. Empty text yields an empty set.
//
// Returns:
//   - AnchorSet: The parsed groups.
//   - error: ErrConfiguration for odd counts, empty groups or bad numbers.
//
// @example
//
//	anchors, err := ParseAnchors("10,14, 23,27, 37,58; 81,82, 135,169, 344,319")
func ParseAnchors(s string) (AnchorSet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var set AnchorSet
	for gi, group := range strings.Split(s, ";") {
		fields := strings.Split(group, ",")
		if len(fields)%2 != 0 {
			return nil, inference.Configurationf("anchor group %d has an odd number of values", gi)
		}
		var anchors []Anchor
		for i := 0; i < len(fields); i += 2 {
			w, err := parseAnchorValue(fields[i])
			if err != nil {
				return nil, err
			}
			h, err := parseAnchorValue(fields[i+1])
			if err != nil {
				return nil, err
			}
			anchors = append(anchors, Anchor{W: w, H: h})
		}
		set = append(set, anchors)
	}
	return set, nil
}

func parseAnchorValue(s string) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil || v <= 0 {
		return 0, inference.Configurationf("bad anchor value %q", s)
	}
	return float32(v), nil
}

// Group returns the anchors of head i out of heads.
func (a AnchorSet) Group(i, heads int) ([]Anchor, error) {
	switch {
	case len(a) == 0:
		return nil, inference.Configurationf("no anchors configured")
	case len(a) == 1:
		return a[0], nil
	case len(a) != heads:
		return nil, inference.Decodef("%d anchor groups for %d YOLO outputs", len(a), heads)
	default:
		return a[i], nil
	}
}
