package onnx

import (
	"encoding/binary"

	"github.com/nvr-ai/go-dnn/inference"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

func shapeOf(t *tensor.Dense) ort.Shape {
	dims := t.Shape()
	s := make(ort.Shape, len(dims))
	for i, v := range dims {
		s[i] = int64(v)
	}
	return s
}

func dims(s ort.Shape) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

func newValue[T ort.TensorData](shape ort.Shape, data []T) (ort.Value, error) {
	v, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, inference.Backendf("creating input tensor: %v", err)
	}
	return v, nil
}

// toValue wraps the blob's backing slice in a runtime tensor without copying.
func toValue(t *tensor.Dense) (ort.Value, error) {
	shape := shapeOf(t)
	switch data := t.Data().(type) {
	case []float32:
		return newValue(shape, data)
	case []float64:
		return newValue(shape, data)
	case []uint8:
		return newValue(shape, data)
	case []int8:
		return newValue(shape, data)
	case []uint16:
		return newValue(shape, data)
	case []int16:
		return newValue(shape, data)
	case []uint32:
		return newValue(shape, data)
	case []int32:
		return newValue(shape, data)
	case []int64:
		return newValue(shape, data)
	default:
		return nil, inference.Configurationf("unsupported blob element type %v", t.Dtype())
	}
}

func dense[T any](shape ort.Shape, data []T) *tensor.Dense {
	// Runtime memory is released with the value; keep a copy.
	return tensor.New(tensor.WithShape(dims(shape)...), tensor.WithBacking(append([]T(nil), data...)))
}

// toDense copies a runtime output into a tensor. Int64 is narrowed to int32 and half floats
// are kept as raw uint16 bits.
func toDense(v ort.Value) (*tensor.Dense, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return dense(t.GetShape(), t.GetData()), nil
	case *ort.Tensor[float64]:
		return dense(t.GetShape(), t.GetData()), nil
	case *ort.Tensor[uint8]:
		return dense(t.GetShape(), t.GetData()), nil
	case *ort.Tensor[int8]:
		return dense(t.GetShape(), t.GetData()), nil
	case *ort.Tensor[uint16]:
		return dense(t.GetShape(), t.GetData()), nil
	case *ort.Tensor[int16]:
		return dense(t.GetShape(), t.GetData()), nil
	case *ort.Tensor[uint32]:
		return dense(t.GetShape(), t.GetData()), nil
	case *ort.Tensor[int32]:
		return dense(t.GetShape(), t.GetData()), nil
	case *ort.Tensor[int64]:
		src := t.GetData()
		out := make([]int32, len(src))
		for i, x := range src {
			out[i] = int32(x)
		}
		return tensor.New(tensor.WithShape(dims(t.GetShape())...), tensor.WithBacking(out)), nil
	case *ort.CustomDataTensor:
		raw := t.GetData()
		out := make([]uint16, len(raw)/2)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(raw[2*i:])
		}
		return tensor.New(tensor.WithShape(dims(t.GetShape())...), tensor.WithBacking(out)), nil
	case nil:
		return nil, inference.Backendf("runtime returned no output")
	default:
		return nil, inference.Backendf("unsupported output value %T", v)
	}
}
