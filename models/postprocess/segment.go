package postprocess

import (
	"fmt"
	"image"
	"image/color"
	"sort"
	"strings"
	"sync"

	"github.com/nvr-ai/go-dnn/images"
	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/preprocess"
	"gorgonia.org/tensor"
)

// SegType selects the output layout of a segmentation network.
type SegType int

// Supported segmentation layouts.
const (
	// SegClasses is HxWxN, one score per class per pixel, classes last.
	SegClasses SegType = iota
	// SegClasses2 is NxHxW, one score per class per pixel, classes first.
	SegClasses2
	// SegArgMax is HxW class ids.
	SegArgMax
)

var segTypeNames = [...]string{"Classes", "Classes2", "ArgMax"}

func (t SegType) String() string {
	if t < 0 || int(t) >= len(segTypeNames) {
		return fmt.Sprintf("SegType(%d)", int(t))
	}
	return segTypeNames[t]
}

// UnmarshalText parses a segmentation type name, case insensitive.
func (t *SegType) UnmarshalText(text []byte) error {
	for i, n := range segTypeNames {
		if strings.EqualFold(n, string(text)) {
			*t = SegType(i)
			return nil
		}
	}
	return inference.Configurationf("unknown segmentation type %q", text)
}

// MarshalText returns the type name.
func (t SegType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// SegmentConfig holds the parameters of the Segment post-processor.
type SegmentConfig struct {
	// Type is the output layout. Frozen.
	Type SegType `json:"segtype" yaml:"segtype"`
	// BgID is the background class, drawn fully transparent.
	BgID int `json:"bgid"    yaml:"bgid"`
	// Alpha is the opacity of the other classes in the overlay.
	Alpha uint8 `json:"alpha"   yaml:"alpha"`
}

// DefaultSegmentConfig returns class-last output, background 0 and alpha 64.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{Type: SegClasses, Alpha: 64}
}

func (c SegmentConfig) validate() error {
	if c.Type < SegClasses || c.Type > SegArgMax {
		return inference.Configurationf("unknown segmentation type %d", int(c.Type))
	}
	return nil
}

// Segment turns per-pixel outputs into a class map and a colored overlay mask.
type Segment struct {
	inference.Guard

	mu      sync.Mutex
	config  SegmentConfig
	labels  Labels
	colors  map[int]color.RGBA
	width   int
	height  int
	classes []int
	scores  []float32
	mask    *image.RGBA
	dst     images.Rect
}

// NewSegment creates a Segment post-processor.
func NewSegment(config SegmentConfig, labels Labels) (*Segment, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Segment{config: config, labels: labels, colors: map[int]color.RGBA{}}, nil
}

// Config returns the active configuration.
func (s *Segment) Config() SegmentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetConfig replaces the configuration. Changing Type fails with ErrFrozen while frozen.
func (s *Segment) SetConfig(config SegmentConfig) error {
	if err := config.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if config.Type != s.config.Type {
		if err := s.Check("segtype"); err != nil {
			return err
		}
	}
	s.config = config
	s.colors = map[int]color.RGBA{}
	return nil
}

// SetLabels replaces the class names. It fails with ErrFrozen while frozen.
func (s *Segment) SetLabels(labels Labels) error {
	if err := s.Check("classes"); err != nil {
		return err
	}
	s.mu.Lock()
	s.labels = labels
	s.colors = map[int]color.RGBA{}
	s.mu.Unlock()
	return nil
}

// ClassMap returns the per-pixel class ids and scores of the last Process call, row major.
// Scores are 1 for the argmax layout.
func (s *Segment) ClassMap() (w, h int, classes []int, scores []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height, append([]int(nil), s.classes...), append([]float32(nil), s.scores...)
}

// Mask returns the overlay of the last Process call, or nil.
func (s *Segment) Mask() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask
}

// Process computes the per-pixel arg-max class of the first output and renders the mask.
func (s *Segment) Process(outs []*tensor.Dense, pre preprocess.PreProcessor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mask, s.classes, s.scores = nil, nil, nil

	if len(outs) == 0 {
		return inference.Decodef("segment got no outputs")
	}
	out := outs[0]
	shape := out.Shape()
	vals, err := inference.Float32s(out)
	if err != nil {
		return err
	}

	var w, h, n int
	switch s.config.Type {
	case SegArgMax:
		if len(shape) < 2 || !batchOfOne(shape[:len(shape)-2]) {
			return inference.Decodef("argmax segmentation output has shape %v, want [1..., H, W]", shape)
		}
		h, w = shape[len(shape)-2], shape[len(shape)-1]
	case SegClasses:
		if len(shape) < 3 || !batchOfOne(shape[:len(shape)-3]) {
			return inference.Decodef("segmentation output has shape %v, want [1..., H, W, N]", shape)
		}
		h, w, n = shape[len(shape)-3], shape[len(shape)-2], shape[len(shape)-1]
	case SegClasses2:
		if len(shape) < 3 || !batchOfOne(shape[:len(shape)-3]) {
			return inference.Decodef("segmentation output has shape %v, want [1..., N, H, W]", shape)
		}
		n, h, w = shape[len(shape)-3], shape[len(shape)-2], shape[len(shape)-1]
	}

	plane := w * h
	classes := make([]int, plane)
	scores := make([]float32, plane)
	for p := 0; p < plane; p++ {
		switch s.config.Type {
		case SegArgMax:
			classes[p], scores[p] = int(vals[p]), 1
		case SegClasses:
			classes[p], scores[p] = ArgMax(vals[p*n : p*n+n])
		case SegClasses2:
			best, score := 0, vals[p]
			for c := 1; c < n; c++ {
				if v := vals[c*plane+p]; v > score {
					best, score = c, v
				}
			}
			classes[p], scores[p] = best, score
		}
	}

	mask := image.NewRGBA(image.Rect(0, 0, w, h))
	for p, c := range classes {
		if c == s.config.BgID {
			continue
		}
		col := s.color(c)
		i := (p/w)*mask.Stride + (p%w)*4
		mask.Pix[i], mask.Pix[i+1], mask.Pix[i+2], mask.Pix[i+3] = col.R, col.G, col.B, col.A
	}

	s.width, s.height = w, h
	s.classes, s.scores, s.mask = classes, scores, mask
	s.dst = images.Rect{X2: float32(w), Y2: float32(h)}
	if pre != nil {
		blob := pre.BlobSize(0)
		x1, y1 := pre.BlobToImage(0, 0, 0)
		x2, y2 := pre.BlobToImage(float32(blob.X), float32(blob.Y), 0)
		img := pre.ImageSize()
		s.dst = images.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}.Clamp(img.X, img.Y)
	}
	return nil
}

// color returns the premultiplied overlay color of class c.
func (s *Segment) color(c int) color.RGBA {
	if col, ok := s.colors[c]; ok {
		return col
	}
	col := StringToRGBA(s.labels.Label(c), s.config.Alpha)
	col.R = uint8(uint16(col.R) * uint16(col.A) / 255)
	col.G = uint8(uint16(col.G) * uint16(col.A) / 255)
	col.B = uint8(uint16(col.B) * uint16(col.A) / 255)
	s.colors[c] = col
	return col
}

// Report sends the names of the classes present and draws the mask.
func (s *Segment) Report(sink Sink, ovl Overlay, overlay, idle bool) {
	s.mu.Lock()
	seen := map[int]bool{}
	for _, c := range s.classes {
		if c != s.config.BgID {
			seen[c] = true
		}
	}
	ids := make([]int, 0, len(seen))
	for c := range seen {
		ids = append(ids, c)
	}
	sort.Ints(ids)
	names := make([]string, len(ids))
	for i, c := range ids {
		names[i] = s.labels.Label(c)
	}
	mask, dst := s.mask, s.dst
	s.mu.Unlock()

	if mask == nil {
		return
	}
	sendAll(sink, []string{"segment: " + strings.Join(names, ",")})
	if !overlay || idle || ovl == nil {
		return
	}
	ovl.DrawMask(mask, dst)
}

func batchOfOne(dims []int) bool {
	for _, d := range dims {
		if d != 1 {
			return false
		}
	}
	return true
}
