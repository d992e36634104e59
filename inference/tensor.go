package inference

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gorgonia.org/tensor"
)

// DataType is the element type of a tensor as seen by the network.
type DataType int

// Supported element types.
const (
	Type8U DataType = iota
	Type8S
	Type16U
	Type16S
	Type16F
	Type32U
	Type32S
	Type32F
	Type64F
)

var dataTypeNames = [...]string{"8U", "8S", "16U", "16S", "16F", "32U", "32S", "32F", "64F"}

// String returns the short type name, e.g. "32F".
func (t DataType) String() string {
	if t < 0 || int(t) >= len(dataTypeNames) {
		return "DataType(" + strconv.Itoa(int(t)) + ")"
	}
	return dataTypeNames[t]
}

// ParseDataType parses a short type name such as "8U" or "32F".
func ParseDataType(s string) (DataType, error) {
	for i, n := range dataTypeNames {
		if strings.EqualFold(s, n) {
			return DataType(i), nil
		}
	}
	return 0, Configurationf("unknown tensor type %q", s)
}

// Dtype returns the tensor element type used to hold values of this type. Half floats are
// carried as their raw uint16 bits.
func (t DataType) Dtype() tensor.Dtype {
	switch t {
	case Type8U:
		return tensor.Uint8
	case Type8S:
		return tensor.Int8
	case Type16U, Type16F:
		return tensor.Uint16
	case Type16S:
		return tensor.Int16
	case Type32U:
		return tensor.Uint32
	case Type32S:
		return tensor.Int32
	case Type64F:
		return tensor.Float64
	default:
		return tensor.Float32
	}
}

// Layout is the memory order of an image-like tensor.
type Layout int

// Supported layouts. LayoutNA is for tensors that are not images, LayoutAuto lets the
// consumer guess from the dimensions.
const (
	LayoutNA Layout = iota
	LayoutNCHW
	LayoutNHWC
	LayoutAuto
)

var layoutNames = [...]string{"NA", "NCHW", "NHWC", "AUTO"}

func (l Layout) String() string {
	if l < 0 || int(l) >= len(layoutNames) {
		return "Layout(" + strconv.Itoa(int(l)) + ")"
	}
	return layoutNames[l]
}

func parseLayout(s string) (Layout, bool) {
	for i, n := range layoutNames {
		if strings.EqualFold(s, n) {
			return Layout(i), true
		}
	}
	return 0, false
}

// QuantType is the quantization scheme of integer tensors.
type QuantType int

// Supported quantization schemes.
const (
	QuantNone QuantType = iota
	// QuantDFP is dynamic fixed point: real = q / 2^fl.
	QuantDFP
	// QuantAffineAsymmetric: real = (q - zero) * scale.
	QuantAffineAsymmetric
	// QuantAffineSymmetric: real = q * scale.
	QuantAffineSymmetric
)

// Quantization holds the parameters of a quantized tensor.
type Quantization struct {
	Type      QuantType
	FL        int
	Scale     float32
	ZeroPoint int32
}

// String renders the quantization as it appears in tensor spec strings.
func (q Quantization) String() string {
	switch q.Type {
	case QuantDFP:
		return fmt.Sprintf("DFP:%d", q.FL)
	case QuantAffineAsymmetric:
		return fmt.Sprintf("AA:%g:%d", q.Scale, q.ZeroPoint)
	case QuantAffineSymmetric:
		return fmt.Sprintf("AS:%g:%d", q.Scale, q.ZeroPoint)
	default:
		return ""
	}
}

// Dequantize converts one quantized value to its real value.
func (q Quantization) Dequantize(v float32) float32 {
	switch q.Type {
	case QuantDFP:
		return v / float32(math.Ldexp(1, q.FL))
	case QuantAffineAsymmetric:
		return (v - float32(q.ZeroPoint)) * q.Scale
	case QuantAffineSymmetric:
		return v * q.Scale
	default:
		return v
	}
}

// Quantize converts one real value to its quantized value, unrounded.
func (q Quantization) Quantize(v float32) float32 {
	switch q.Type {
	case QuantDFP:
		return v * float32(math.Ldexp(1, q.FL))
	case QuantAffineAsymmetric:
		if q.Scale == 0 {
			return v
		}
		return v/q.Scale + float32(q.ZeroPoint)
	case QuantAffineSymmetric:
		if q.Scale == 0 {
			return v
		}
		return v / q.Scale
	default:
		return v
	}
}

// TensorDescriptor describes the shape and encoding of one network input or output.
type TensorDescriptor struct {
	// Dims lists the dimensions, outermost first.
	Dims []int
	// Type is the element type.
	Type DataType
	// Layout is the memory order for image-like tensors.
	Layout Layout
	// Quant is the quantization of integer tensors.
	Quant Quantization
}

// Size returns the number of elements, the product of all dimensions.
func (d TensorDescriptor) Size() int {
	if len(d.Dims) == 0 {
		return 0
	}
	n := 1
	for _, v := range d.Dims {
		n *= v
	}
	return n
}

// Validate checks that the descriptor has at least one dimension and that every dimension
// is at least 1.
func (d TensorDescriptor) Validate() error {
	if len(d.Dims) == 0 {
		return Configurationf("tensor has no dimensions")
	}
	for i, v := range d.Dims {
		if v < 1 {
			return Configurationf("tensor dimension %d is %d in %s", i, v, d)
		}
	}
	return nil
}

// String renders the descriptor as "4D 1x3x224x224 8U NCHW AA:0.0078:128".
func (d TensorDescriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%dD %s %s", len(d.Dims), ShapeString(d.Dims), d.Type)
	if d.Layout != LayoutNA {
		sb.WriteString(" " + d.Layout.String())
	}
	if q := d.Quant.String(); q != "" {
		sb.WriteString(" " + q)
	}
	return sb.String()
}

// ImageLayout resolves the layout of an image tensor of 3 (CHW or HWC) or 4 dimensions.
// NA and AUTO layouts are guessed from which axis looks like a channel axis.
func (d TensorDescriptor) ImageLayout() (Layout, error) {
	n := len(d.Dims)
	if n != 3 && n != 4 {
		return LayoutNA, Configurationf("tensor %s is not an image tensor", d)
	}
	if d.Layout == LayoutNCHW || d.Layout == LayoutNHWC {
		return d.Layout, nil
	}
	first, last := d.Dims[n-3], d.Dims[n-1]
	if last <= 4 && first > 4 {
		return LayoutNHWC, nil
	}
	return LayoutNCHW, nil
}

// ImageSize returns the width, height and channel count of an image tensor.
func (d TensorDescriptor) ImageSize() (w, h, c int, err error) {
	layout, err := d.ImageLayout()
	if err != nil {
		return 0, 0, 0, err
	}
	n := len(d.Dims)
	if layout == LayoutNHWC {
		return d.Dims[n-2], d.Dims[n-3], d.Dims[n-1], nil
	}
	return d.Dims[n-1], d.Dims[n-2], d.Dims[n-3], nil
}

// NewTensor allocates a zeroed tensor matching the descriptor.
func (d TensorDescriptor) NewTensor() *tensor.Dense {
	return tensor.New(tensor.Of(d.Type.Dtype()), tensor.WithShape(d.Dims...))
}

// ShapeString renders dimensions as "1x3x224x224".
func ShapeString(dims []int) string {
	parts := make([]string, len(dims))
	for i, v := range dims {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "x")
}

// DescribeTensor builds a descriptor for an existing tensor.
func DescribeTensor(t *tensor.Dense) TensorDescriptor {
	d := TensorDescriptor{Dims: append([]int(nil), t.Shape()...)}
	switch t.Dtype() {
	case tensor.Uint8:
		d.Type = Type8U
	case tensor.Int8:
		d.Type = Type8S
	case tensor.Uint16:
		d.Type = Type16U
	case tensor.Int16:
		d.Type = Type16S
	case tensor.Uint32:
		d.Type = Type32U
	case tensor.Int32:
		d.Type = Type32S
	case tensor.Float64:
		d.Type = Type64F
	default:
		d.Type = Type32F
	}
	return d
}

// Float32s returns the elements of t converted to float32. Float32 tensors return their
// backing slice without copying.
//
// Arguments:
//   - t: A tensor of any numeric element type.
//
// Returns:
//   - []float32: The values in row-major order.
//   - error: ErrDecode for unsupported element types.
func Float32s(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, Decodef("nil tensor")
	}
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		return convert(data), nil
	case []uint8:
		return convert(data), nil
	case []int8:
		return convert(data), nil
	case []uint16:
		return convert(data), nil
	case []int16:
		return convert(data), nil
	case []uint32:
		return convert(data), nil
	case []int32:
		return convert(data), nil
	case []int64:
		return convert(data), nil
	case []int:
		return convert(data), nil
	default:
		return nil, Decodef("unsupported tensor element type %v", t.Dtype())
	}
}

type number interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~int64 | ~int | ~float64
}

func convert[T number](in []T) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// Dequantize returns a float32 tensor with the real values of t as described by desc. Half
// float tensors (raw uint16 bits) are decoded. Float32 tensors without quantization are
// returned as is.
func Dequantize(t *tensor.Dense, desc TensorDescriptor) (*tensor.Dense, error) {
	if t.Dtype() == tensor.Float32 && desc.Quant.Type == QuantNone {
		return t, nil
	}
	var vals []float32
	if raw, ok := t.Data().([]uint16); ok && desc.Type == Type16F {
		vals = make([]float32, len(raw))
		for i, h := range raw {
			vals[i] = HalfToFloat32(h)
		}
	} else {
		v, err := Float32s(t)
		if err != nil {
			return nil, err
		}
		vals = v
		if t.Dtype() == tensor.Float32 {
			vals = append([]float32(nil), v...)
		}
	}
	if desc.Quant.Type != QuantNone {
		for i, v := range vals {
			vals[i] = desc.Quant.Dequantize(v)
		}
	}
	return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(vals)), nil
}

// Flatten concatenates the float32 values of all tensors into one 1D tensor.
func Flatten(ts []*tensor.Dense) (*tensor.Dense, error) {
	var all []float32
	for i, t := range ts {
		v, err := Float32s(t)
		if err != nil {
			return nil, Decodef("output %d: %v", i, err)
		}
		all = append(all, v...)
	}
	if len(all) == 0 {
		return nil, Decodef("nothing to flatten")
	}
	return tensor.New(tensor.WithShape(len(all)), tensor.WithBacking(all)), nil
}

// HalfToFloat32 decodes an IEEE 754 binary16 value.
func HalfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: normalize the mantissa.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}
