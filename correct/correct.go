// Package correct estimates tissue volume fractions in DWI volumes with a
// fitted model and removes the free-water component from every voxel.
package correct

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dry/errs"
	"dry/protocol"
	"dry/synth"
	"dry/tensor"
)

// batchVoxels is how many voxels are scored per PredictBatch call.
const batchVoxels = 4096

// Predictor maps a max-normalised signal vector to a tissue volume fraction.
type Predictor interface {
	Predict(signal []float64) float64
}

// BatchPredictor scores every row of x at once.
type BatchPredictor interface {
	PredictBatch(x mat.Matrix) []float64
}

// Corrector applies a model to volumes acquired with Protocol. DWI volumes are
// tensors of shape [C, Z, Y, X]; TVF maps [Z, Y, X] or [1, Z, Y, X].
type Corrector struct {
	Model    Predictor
	Protocol *protocol.Protocol
}

// New returns a corrector for m and p.
func New(m Predictor, p *protocol.Protocol) *Corrector {
	return &Corrector{Model: m, Protocol: p}
}

func (c *Corrector) checkDWI(dwi *tensor.Tensor) error {
	if c.Protocol == nil {
		return errs.Validation("protocol", "no protocol supplied")
	}
	if dwi == nil {
		return errs.Validation("dwi", "no volume supplied")
	}
	if len(dwi.Shape) != 4 {
		return errs.Validation("dwi", "expected a 4-D volume, got shape %v", dwi.Shape)
	}
	if dwi.Shape[0] != c.Protocol.Channels() {
		return errs.Validation("dwi", "volume has %d channels, protocol has %d", dwi.Shape[0], c.Protocol.Channels())
	}
	return nil
}

// CheckTVF reports whether tvf can serve as the tissue volume fraction map of
// the 4-D volume dwi: its shape must be [Z, Y, X] or [1, Z, Y, X].
func CheckTVF(dwi, tvf *tensor.Tensor) error {
	if dwi == nil || len(dwi.Shape) != 4 {
		return errs.Validation("dwi", "expected a 4-D volume, got shape %v", shapeOf(dwi))
	}
	if tvf == nil {
		return errs.Validation("tvf", "no TVF map supplied")
	}
	spatial := dwi.Shape[1:]
	shape := tvf.Shape
	if len(shape) == 4 {
		if shape[0] != 1 {
			return errs.Validation("tvf", "TVF map has %d channels, expected 1", shape[0])
		}
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[0] != spatial[0] || shape[1] != spatial[1] || shape[2] != spatial[2] {
		return errs.Validation("tvf", "TVF shape %v does not match volume %v", tvf.Shape, dwi.Shape)
	}
	return nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}

// Predict estimates the tissue volume fraction of every voxel of dwi.
func (c *Corrector) Predict(dwi *tensor.Tensor) (*tensor.Tensor, error) {
	if c.Model == nil {
		return nil, errs.Validation("model", "no model supplied")
	}
	if err := c.checkDWI(dwi); err != nil {
		return nil, err
	}
	channels := dwi.Shape[0]
	voxels := dwi.Len() / channels
	tvf := tensor.New(dwi.Shape[1:]...)

	bp, batched := c.Model.(BatchPredictor)
	signal := make([]float64, channels)
	var pending []int
	var rows []float64
	flush := func() {
		if len(pending) == 0 {
			return
		}
		x := mat.NewDense(len(pending), channels, rows)
		for k, f := range bp.PredictBatch(x) {
			tvf.Data[pending[k]] = ClampFraction(f)
		}
		pending, rows = pending[:0], nil
	}

	for v := 0; v < voxels; v++ {
		voxelSignal(dwi, v, signal)
		peak, ok := peakOf(signal)
		if !ok {
			tvf.Data[v] = 0
			continue
		}
		floats.Scale(1/peak, signal)
		if !batched {
			tvf.Data[v] = ClampFraction(c.Model.Predict(signal))
			continue
		}
		pending = append(pending, v)
		rows = append(rows, signal...)
		if len(pending) == batchVoxels {
			flush()
		}
	}
	if batched {
		flush()
	}
	return tvf, nil
}

// Correct removes free water from dwi using the tissue volume fractions in
// tvf and returns the tissue-only signal.
func (c *Corrector) Correct(dwi, tvf *tensor.Tensor) (*tensor.Tensor, error) {
	if err := c.checkDWI(dwi); err != nil {
		return nil, err
	}
	if err := CheckTVF(dwi, tvf); err != nil {
		return nil, err
	}
	channels := dwi.Shape[0]
	voxels := dwi.Len() / channels
	sfw := synth.FreeWaterSignal(c.Protocol)
	out := tensor.New(dwi.Shape...)

	signal := make([]float64, channels)
	corrected := make([]float64, channels)
	for v := 0; v < voxels; v++ {
		voxelSignal(dwi, v, signal)
		peak, ok := peakOf(signal)
		if !ok {
			continue
		}
		floats.Scale(1/peak, signal)
		InvertMixture(signal, ClampFraction(tvf.Data[v]), sfw, corrected)
		floats.Scale(peak, corrected)
		for ch, s := range corrected {
			out.Data[ch*voxels+v] = clampSignal(s)
		}
	}
	return out, nil
}

// PredictAndCorrect estimates the TVF map of dwi and uses it to correct the
// volume.
func (c *Corrector) PredictAndCorrect(dwi *tensor.Tensor) (tvf, corrected *tensor.Tensor, err error) {
	if tvf, err = c.Predict(dwi); err != nil {
		return nil, nil, err
	}
	if corrected, err = c.Correct(dwi, tvf); err != nil {
		return nil, nil, err
	}
	return tvf, corrected, nil
}

// InvertMixture solves S = f·S_t + (1-f)·S_fw for S_t channel by channel,
// writing into dst. Degenerate results are clamped to 0.
func InvertMixture(signal []float64, f float64, sfw, dst []float64) {
	for i, s := range signal {
		dst[i] = clampSignal((s - (1-f)*sfw[i]) / f)
	}
}

// ClampFraction bounds f to [0, 1]; NaN becomes 0.
func ClampFraction(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// clampSignal maps negative and non-finite values to 0.
func clampSignal(s float64) float64 {
	if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
		return 0
	}
	return s
}

// voxelSignal copies the channels of voxel v into dst.
func voxelSignal(dwi *tensor.Tensor, v int, dst []float64) {
	voxels := dwi.Len() / len(dst)
	for ch := range dst {
		dst[ch] = dwi.Data[ch*voxels+v]
	}
}

// peakOf returns the largest channel value, and false for background voxels
// whose peak is not a positive finite number.
func peakOf(signal []float64) (float64, bool) {
	peak := floats.Max(signal)
	if math.IsNaN(peak) || math.IsInf(peak, 0) || peak <= 0 {
		return 0, false
	}
	for _, s := range signal {
		if math.IsNaN(s) {
			return 0, false
		}
	}
	return peak, true
}
