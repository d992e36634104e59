package inference

import (
	"strconv"
	"strings"
)

// ParseTensorSpecs parses a comma separated list of tensor specifications.
//
// Each entry has the form
//
//	[NCHW:|NHWC:|NA:|AUTO:]Type:NxCxHxW[:QNT[:fl|:scale:zero]]
//
// where Type is one of 8U, 8S, 16U, 16S, 16F, 32U, 32S, 32F, 64F and QNT is one of NONE,
// DFP (followed by the fractional length), AA or AS (followed by scale and zero point).
//
// Arguments:
//   - specs: The specification string. Empty input yields no descriptors.
//
// Returns:
//   - []TensorDescriptor: One descriptor per entry, in order.
//   - error: ErrConfiguration naming the offending entry.
//
// @example
//
//	attrs, err := ParseTensorSpecs("NCHW:8U:1x3x224x224:AA:0.0078125:128")
func ParseTensorSpecs(specs string) ([]TensorDescriptor, error) {
	specs = strings.TrimSpace(specs)
	if specs == "" {
		return nil, nil
	}

	var out []TensorDescriptor
	for _, entry := range strings.Split(specs, ",") {
		d, err := parseTensorSpec(strings.TrimSpace(entry))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseTensorSpec(entry string) (TensorDescriptor, error) {
	var d TensorDescriptor
	if entry == "" {
		return d, Configurationf("empty tensor spec")
	}

	tok := strings.Split(entry, ":")
	if l, ok := parseLayout(tok[0]); ok {
		d.Layout = l
		tok = tok[1:]
	}
	if len(tok) < 2 {
		return d, Configurationf("tensor spec %q needs at least a type and dims", entry)
	}

	t, err := ParseDataType(tok[0])
	if err != nil {
		return d, Configurationf("tensor spec %q: unknown type %q", entry, tok[0])
	}
	d.Type = t

	dims, err := ParseShape(tok[1])
	if err != nil {
		return d, Configurationf("tensor spec %q: %v", entry, err)
	}
	d.Dims = dims
	tok = tok[2:]

	if len(tok) > 0 {
		q, err := parseQuantization(tok)
		if err != nil {
			return d, Configurationf("tensor spec %q: %v", entry, err)
		}
		d.Quant = q
	}

	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

func parseQuantization(tok []string) (Quantization, error) {
	var q Quantization
	switch strings.ToUpper(tok[0]) {
	case "NONE":
		if len(tok) != 1 {
			return q, Configurationf("NONE quantization takes no arguments")
		}
	case "DFP":
		if len(tok) != 2 {
			return q, Configurationf("DFP quantization needs exactly one fractional length")
		}
		fl, err := strconv.Atoi(tok[1])
		if err != nil {
			return q, Configurationf("bad DFP fractional length %q", tok[1])
		}
		q.Type, q.FL = QuantDFP, fl
	case "AA", "AS":
		if len(tok) < 2 || len(tok) > 3 {
			return q, Configurationf("%s quantization needs scale[:zero]", tok[0])
		}
		scale, err := strconv.ParseFloat(tok[1], 32)
		if err != nil {
			return q, Configurationf("bad quantization scale %q", tok[1])
		}
		q.Scale = float32(scale)
		if len(tok) == 3 {
			zp, err := strconv.ParseInt(tok[2], 10, 32)
			if err != nil {
				return q, Configurationf("bad quantization zero point %q", tok[2])
			}
			q.ZeroPoint = int32(zp)
		}
		q.Type = QuantAffineAsymmetric
		if strings.EqualFold(tok[0], "AS") {
			q.Type = QuantAffineSymmetric
		}
	default:
		return q, Configurationf("unknown quantization %q", tok[0])
	}
	return q, nil
}

// ParseShape parses dimensions written as "1x3x224x224".
func ParseShape(s string) ([]int, error) {
	if s == "" {
		return nil, Configurationf("empty shape")
	}
	parts := strings.Split(s, "x")
	dims := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 1 {
			return nil, Configurationf("bad dimension %q in shape %q", p, s)
		}
		dims[i] = v
	}
	return dims, nil
}
