package preprocess

import (
	"strings"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-dnn/inference"
)

// NormalizationType defines how pixel values are normalized for float inputs.
type NormalizationType int

const (
	// NormalizeNone keeps pixel values as 0-255.
	NormalizeNone NormalizationType = iota
	// NormalizeZeroToOne scales pixel values to [0, 1].
	NormalizeZeroToOne
	// NormalizeMinusOneToOne scales pixel values to [-1, 1].
	NormalizeMinusOneToOne
	// NormalizeStandardize applies per channel (v - mean) / std on 0-255 values.
	NormalizeStandardize
)

var normalizationNames = map[string]NormalizationType{
	"none":        NormalizeNone,
	"zerotoone":   NormalizeZeroToOne,
	"minusone":    NormalizeMinusOneToOne,
	"standardize": NormalizeStandardize,
}

// UnmarshalText parses "none", "zerotoone", "minusone" or "standardize".
func (n *NormalizationType) UnmarshalText(text []byte) error {
	v, ok := normalizationNames[strings.ToLower(string(text))]
	if !ok {
		return inference.Configurationf("unknown normalization %q", text)
	}
	*n = v
	return nil
}

// Interpolation selects the resampling filter.
type Interpolation int

const (
	// InterpolationBilinear is the default filter.
	InterpolationBilinear Interpolation = iota
	// InterpolationNearest is the fastest filter.
	InterpolationNearest
	// InterpolationBicubic is a smoother filter.
	InterpolationBicubic
	// InterpolationLanczos is the sharpest and slowest filter.
	InterpolationLanczos
)

// UnmarshalText parses "bilinear", "nearest", "bicubic" or "lanczos".
func (i *Interpolation) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "bilinear", "linear":
		*i = InterpolationBilinear
	case "nearest":
		*i = InterpolationNearest
	case "bicubic", "cubic":
		*i = InterpolationBicubic
	case "lanczos":
		*i = InterpolationLanczos
	default:
		return inference.Configurationf("unknown interpolation %q", text)
	}
	return nil
}

func (i Interpolation) filter() resize.InterpolationFunction {
	switch i {
	case InterpolationNearest:
		return resize.NearestNeighbor
	case InterpolationBicubic:
		return resize.Bicubic
	case InterpolationLanczos:
		return resize.Lanczos3
	default:
		return resize.Bilinear
	}
}

// Config defines how frames are turned into blobs.
type Config struct {
	// Letterbox keeps the aspect ratio and pads the remainder with PadValue.
	Letterbox bool `json:"letterbox"     yaml:"letterbox"`
	// PadValue is the gray level used for letterbox padding.
	PadValue uint8 `json:"padvalue"      yaml:"padvalue"`
	// RGB orders channels as RGB when true and BGR otherwise.
	RGB bool `json:"rgb"           yaml:"rgb"`
	// Normalization applies to float inputs and to quantized integer inputs.
	Normalization NormalizationType `json:"normalization" yaml:"normalization"`
	// Mean values per channel for NormalizeStandardize.
	Mean []float32 `json:"mean"          yaml:"mean"`
	// Std values per channel for NormalizeStandardize.
	Std []float32 `json:"std"           yaml:"std"`
	// Interpolation is the resize filter.
	Interpolation Interpolation `json:"interp"        yaml:"interp"`
}

// DefaultConfig returns RGB, [0, 1] normalization and bilinear resizing without letterbox.
func DefaultConfig() Config {
	return Config{
		RGB:           true,
		Normalization: NormalizeZeroToOne,
		Interpolation: InterpolationBilinear,
	}
}

// Validate checks that standardization has a usable mean and std.
func (c Config) Validate() error {
	if c.Normalization != NormalizeStandardize {
		return nil
	}
	if len(c.Mean) == 0 || len(c.Mean) != len(c.Std) {
		return inference.Configurationf("standardize needs matching mean and std, got %d and %d", len(c.Mean), len(c.Std))
	}
	for _, s := range c.Std {
		if s == 0 {
			return inference.Configurationf("standardize std must not be zero")
		}
	}
	return nil
}
