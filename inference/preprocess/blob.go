package preprocess

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-dnn/images"
	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// geometry maps blob pixels back to image pixels: image = (blob - pad) / scale.
type geometry struct {
	size   image.Point
	scaleX float32
	scaleY float32
	padX   float32
	padY   float32
}

// Blob resizes the frame to each input tensor, orders and normalizes the channels and
// quantizes the result when the input tensor is an integer type.
type Blob struct {
	inference.Guard

	mu        sync.Mutex
	config    Config
	imageSize image.Point
	geoms     []geometry
}

// NewBlob creates a Blob pre-processor.
//
// Arguments:
//   - config: The pre-processing configuration.
//
// Returns:
//   - *Blob: The pre-processor.
//   - error: ErrConfiguration when the configuration is invalid.
//
// @example
//
//	pre, err := preprocess.NewBlob(preprocess.DefaultConfig())
//	blobs, err := pre.Process(frame, attrs)
func NewBlob(config Config) (*Blob, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Blob{config: config}, nil
}

// Config returns the active configuration.
func (p *Blob) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// SetConfig replaces the configuration. It fails with ErrFrozen while frozen.
func (p *Blob) SetConfig(config Config) error {
	if err := p.Check("preprocessor"); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.config = config
	p.mu.Unlock()
	return nil
}

// ImageSize is the size of the last processed image.
func (p *Blob) ImageSize() image.Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imageSize
}

// BlobSize is the width and height of blob i, or the zero point when i is out of range.
func (p *Blob) BlobSize(i int) image.Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.geoms) {
		return image.Point{}
	}
	return p.geoms[i].size
}

// BlobToImage maps (x, y) in blob i coordinates to image coordinates. Points for an
// unknown blob are returned unchanged.
func (p *Blob) BlobToImage(x, y float32, i int) (float32, float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.geoms) {
		return x, y
	}
	g := p.geoms[i]
	return (x - g.padX) / g.scaleX, (y - g.padY) / g.scaleY
}

// Describe appends the input and blob sizes to info.
func (p *Blob) Describe(info *inference.Info) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info.Header("Pre-Processing")
	info.Bulletf("Input image %dx%d", p.imageSize.X, p.imageSize.Y)
	for i, g := range p.geoms {
		info.Bulletf("Blob %d: %dx%d", i, g.size.X, g.size.Y)
	}
}

// Process builds one blob per descriptor from img.
//
// Arguments:
//   - img: The camera frame.
//   - attrs: The network input descriptors; each must be a 3D or 4D image tensor with 1
//     or 3 channels.
//
// Returns:
//   - []*tensor.Dense: The blobs, in descriptor order.
//   - error: ErrConfiguration for unsupported descriptors.
func (p *Blob) Process(img image.Image, attrs []inference.TensorDescriptor) ([]*tensor.Dense, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty input image")
	}
	if len(attrs) == 0 {
		return nil, inference.Configurationf("no input tensors to fill")
	}
	cfg := p.Config()

	blobs := make([]*tensor.Dense, 0, len(attrs))
	geoms := make([]geometry, 0, len(attrs))
	for i, attr := range attrs {
		w, h, c, err := attr.ImageSize()
		if err != nil {
			return nil, errors.Wrapf(err, "input %d", i)
		}
		if c != 1 && c != 3 {
			return nil, inference.Configurationf("input %d: %d channels not supported", i, c)
		}
		layout, _ := attr.ImageLayout()

		canvas, g := fit(cfg, img, w, h)
		vals := pixels(cfg, canvas, c, layout == inference.LayoutNCHW)

		blob, err := encode(cfg, vals, attr)
		if err != nil {
			return nil, errors.Wrapf(err, "input %d", i)
		}
		blobs = append(blobs, blob)
		geoms = append(geoms, g)
	}

	p.mu.Lock()
	p.imageSize = img.Bounds().Size()
	p.geoms = geoms
	p.mu.Unlock()
	return blobs, nil
}

// fit resizes img to w x h, optionally letterboxed, and returns the mapping geometry.
func fit(cfg Config, img image.Image, w, h int) (*image.RGBA, geometry) {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	g := geometry{size: image.Pt(w, h)}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))

	if !cfg.Letterbox {
		g.scaleX = float32(w) / float32(sw)
		g.scaleY = float32(h) / float32(sh)
		draw.Draw(canvas, canvas.Bounds(), resized(cfg, img, w, h), image.Point{}, draw.Src)
		return canvas, g
	}

	scale := math32.Min(float32(w)/float32(sw), float32(h)/float32(sh))
	nw := max(1, int(float32(sw)*scale))
	nh := max(1, int(float32(sh)*scale))
	px := (w - nw) / 2
	py := (h - nh) / 2

	pad := color.RGBA{R: cfg.PadValue, G: cfg.PadValue, B: cfg.PadValue, A: 255}
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: pad}, image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(px, py, px+nw, py+nh), resized(cfg, img, nw, nh), image.Point{}, draw.Src)

	g.scaleX, g.scaleY = scale, scale
	g.padX, g.padY = float32(px), float32(py)
	return canvas, g
}

// resized returns img scaled to w x h with its origin at (0, 0).
func resized(cfg Config, img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		out := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	return resize.Resize(uint(w), uint(h), img, cfg.Interpolation.filter())
}

// pixels extracts channel values in 0-255 from canvas in CHW or HWC order.
func pixels(cfg Config, canvas *image.RGBA, channels int, chw bool) []float32 {
	w, h := canvas.Rect.Dx(), canvas.Rect.Dy()
	vals := make([]float32, w*h*channels)
	plane := w * h

	idx := 0
	for y := 0; y < h; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < w; x++ {
			r, g, b := float32(row[x*4]), float32(row[x*4+1]), float32(row[x*4+2])

			if channels == 1 {
				vals[y*w+x] = 0.299*r + 0.587*g + 0.114*b
				continue
			}

			ch0, ch1, ch2 := r, g, b
			if !cfg.RGB {
				ch0, ch2 = b, r
			}
			if chw {
				vals[y*w+x] = ch0
				vals[plane+y*w+x] = ch1
				vals[2*plane+y*w+x] = ch2
			} else {
				vals[idx], vals[idx+1], vals[idx+2] = ch0, ch1, ch2
				idx += 3
			}
		}
	}
	return vals
}

// normalize applies the configured normalization in place.
func normalize(cfg Config, vals []float32, channels int, chw bool) {
	switch cfg.Normalization {
	case NormalizeZeroToOne:
		for i := range vals {
			vals[i] /= 255
		}
	case NormalizeMinusOneToOne:
		for i := range vals {
			vals[i] = vals[i]/127.5 - 1
		}
	case NormalizeStandardize:
		plane := len(vals) / channels
		for i := range vals {
			c := i % channels
			if chw {
				c = i / plane
			}
			c = min(c, len(cfg.Mean)-1)
			vals[i] = (vals[i] - cfg.Mean[c]) / cfg.Std[c]
		}
	}
}

// encode converts the 0-255 values into a tensor of the descriptor's type.
func encode(cfg Config, vals []float32, attr inference.TensorDescriptor) (*tensor.Dense, error) {
	_, _, c, _ := attr.ImageSize()
	layout, _ := attr.ImageLayout()
	chw := layout == inference.LayoutNCHW

	isFloat := attr.Type == inference.Type32F || attr.Type == inference.Type64F
	if isFloat || attr.Quant.Type != inference.QuantNone {
		normalize(cfg, vals, c, chw)
	}
	if attr.Quant.Type != inference.QuantNone {
		for i, v := range vals {
			vals[i] = attr.Quant.Quantize(v)
		}
	}

	var backing interface{}
	switch attr.Type {
	case inference.Type32F:
		backing = vals
	case inference.Type64F:
		f := make([]float64, len(vals))
		for i, v := range vals {
			f[i] = float64(v)
		}
		backing = f
	case inference.Type8U:
		backing = toInts[uint8](vals, 0, 255)
	case inference.Type8S:
		backing = toInts[int8](vals, -128, 127)
	case inference.Type16U:
		backing = toInts[uint16](vals, 0, 65535)
	case inference.Type16S:
		backing = toInts[int16](vals, -32768, 32767)
	case inference.Type32S:
		backing = toInts[int32](vals, math.MinInt32, maxInt32F)
	default:
		return nil, inference.Configurationf("input type %s not supported", attr.Type)
	}

	return tensor.New(tensor.WithShape(attr.Dims...), tensor.WithBacking(backing)), nil
}

// maxInt32F is the largest float32 below 2^31; float32(math.MaxInt32) rounds up to 2^31.
const maxInt32F = math.MaxInt32 - 127

func toInts[T ~uint8 | ~int8 | ~uint16 | ~int16 | ~int32](vals []float32, lo, hi float32) []T {
	out := make([]T, len(vals))
	for i, v := range vals {
		out[i] = T(math32.Round(images.Clamp(v, lo, hi)))
	}
	return out
}
