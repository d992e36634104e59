package postprocess

import (
	"sync"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/preprocess"
	"gorgonia.org/tensor"
)

// ClassifyConfig holds the parameters of the Classify post-processor.
type ClassifyConfig struct {
	// ClassOffset is added to the output index before looking up the class name. Frozen.
	ClassOffset int `json:"classoffset" yaml:"classoffset"`
	// Top is the maximum number of reported predictions.
	Top int `json:"top"         yaml:"top"`
	// Thresh is the minimum reported score, in percent.
	Thresh float32 `json:"thresh"      yaml:"thresh"`
	// Softmax applies a softmax to the raw outputs. Frozen.
	Softmax bool `json:"softmax"     yaml:"softmax"`
	// ScoreScale multiplies the scores after the optional softmax.
	ScoreScale float32 `json:"scorescale"  yaml:"scorescale"`
}

// DefaultClassifyConfig returns top 5 above 20% with unit score scale.
func DefaultClassifyConfig() ClassifyConfig {
	return ClassifyConfig{Top: 5, Thresh: 20, ScoreScale: 1}
}

// Validate checks value ranges.
func (c ClassifyConfig) Validate() error {
	if c.Top < 1 {
		return inference.Configurationf("top must be at least 1, got %d", c.Top)
	}
	if c.Thresh < 0 || c.Thresh > 100 {
		return inference.Configurationf("thresh must be in [0, 100], got %g", c.Thresh)
	}
	return nil
}

// Classify reports the top scoring categories of a classification network.
type Classify struct {
	inference.Guard

	mu      sync.Mutex
	config  ClassifyConfig
	labels  Labels
	results []Classification
}

// NewClassify creates a Classify post-processor.
func NewClassify(config ClassifyConfig, labels Labels) (*Classify, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Classify{config: config, labels: labels}, nil
}

// Config returns the active configuration.
func (c *Classify) Config() ClassifyConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// SetConfig replaces the configuration. Changing ClassOffset or Softmax fails with
// ErrFrozen while frozen; the thresholds can always change.
func (c *Classify) SetConfig(config ClassifyConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if config.ClassOffset != c.config.ClassOffset {
		if err := c.Check("classoffset"); err != nil {
			return err
		}
	}
	if config.Softmax != c.config.Softmax {
		if err := c.Check("softmax"); err != nil {
			return err
		}
	}
	c.config = config
	return nil
}

// SetLabels replaces the class names. It fails with ErrFrozen while frozen.
func (c *Classify) SetLabels(labels Labels) error {
	if err := c.Check("classes"); err != nil {
		return err
	}
	c.mu.Lock()
	c.labels = labels
	c.mu.Unlock()
	return nil
}

// Results returns the predictions of the last Process call.
func (c *Classify) Results() []Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Classification(nil), c.results...)
}

// Process concatenates all outputs into one score vector and keeps the Top entries scoring
// at least Thresh percent.
func (c *Classify) Process(outs []*tensor.Dense, _ preprocess.PreProcessor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = c.results[:0]

	var scores []float32
	for i, out := range outs {
		vals, err := inference.Float32s(out)
		if err != nil {
			return inference.Decodef("classify output %d: %v", i, err)
		}
		scores = append(scores, vals...)
	}
	if len(scores) == 0 {
		return inference.Decodef("classify needs at least one output value")
	}

	if c.config.Softmax {
		Softmax(scores, scores, 1)
	}
	if c.config.ScoreScale != 1 {
		for i := range scores {
			scores[i] *= c.config.ScoreScale
		}
	}

	for _, idx := range TopK(scores, c.config.Top) {
		if scores[idx]*100 < c.config.Thresh {
			break
		}
		id := idx + c.config.ClassOffset
		c.results = append(c.results, Classification{Class: id, Score: scores[idx], Label: c.labels.Label(id)})
	}
	return nil
}

// Report sends one line per prediction and draws them as text.
func (c *Classify) Report(sink Sink, ovl Overlay, overlay, idle bool) {
	c.mu.Lock()
	lines := make([]string, len(c.results))
	for i, r := range c.results {
		lines[i] = r.String()
	}
	c.mu.Unlock()

	sendAll(sink, lines)
	if !overlay || idle || ovl == nil {
		return
	}
	if len(lines) == 0 {
		ovl.DrawText("(no prediction)", textColor)
	}
	for _, l := range lines {
		ovl.DrawText(l, textColor)
	}
}
