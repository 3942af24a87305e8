// Package synth generates free-water contaminated training signals from the
// bi-exponential tissue/free-water mixture model.
package synth

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"dry/errs"
	"dry/protocol"
)

const (
	// DefaultSamples is the size of one training draw.
	DefaultSamples = 50000
	// FreeWaterDiffusivity is the isotropic diffusivity of free water at body
	// temperature, in mm²/s.
	FreeWaterDiffusivity = 3e-3
)

// Samples is one draw of labelled training data. Row i of X is a mixed
// signal, Y[i] its tissue volume fraction.
type Samples struct {
	X *mat.Dense
	Y []float64
}

// Len is the number of samples.
func (s *Samples) Len() int { return len(s.Y) }

// FreeWaterSignal returns exp(-b·D_fw) for every channel of p.
func FreeWaterSignal(p *protocol.Protocol) []float64 {
	sfw := make([]float64, p.Channels())
	for i := range sfw {
		sfw[i] = math.Exp(-p.BValue(i) * FreeWaterDiffusivity)
	}
	return sfw
}

// Generate draws n samples for protocol p using src as the only source of
// randomness.
func Generate(p *protocol.Protocol, n int, src rand.Source) (*Samples, error) {
	if p == nil {
		return nil, errs.Validation("protocol", "no protocol supplied")
	}
	if n <= 0 {
		return nil, errs.Validation("samples", "sample count must be positive, got %d", n)
	}
	if src == nil {
		return nil, errs.Validation("source", "no random source supplied")
	}

	unif := distuv.Uniform{Min: 0, Max: 1, Src: src}
	sfw := FreeWaterSignal(p)
	channels := p.Channels()

	x := mat.NewDense(n, channels, nil)
	y := make([]float64, n)
	row := make([]float64, channels)
	for i := 0; i < n; i++ {
		ffw := unif.Rand()
		ft := 1 - ffw
		for j := 0; j < channels; j++ {
			st := unif.Rand()
			if p.IsBaseline(j) {
				st = 1
			}
			row[j] = st*ft + sfw[j]*ffw
		}
		x.SetRow(i, row)
		y[i] = ft
	}
	return &Samples{X: x, Y: y}, nil
}

// Split partitions s into a training set and a held-out set containing the
// given fraction of rows. Rows are i.i.d., so the split is positional.
func (s *Samples) Split(holdOut float64) (train, test *Samples, err error) {
	if holdOut <= 0 || holdOut >= 1 {
		return nil, nil, errs.Validation("holdout", "fraction must be in (0, 1), got %v", holdOut)
	}
	n := s.Len()
	nTest := int(math.Round(float64(n) * holdOut))
	nTrain := n - nTest
	if nTest == 0 || nTrain == 0 {
		return nil, nil, errs.Validation("holdout", "%d samples cannot be split at %v", n, holdOut)
	}
	_, c := s.X.Dims()
	train = &Samples{
		X: mat.DenseCopyOf(s.X.Slice(0, nTrain, 0, c)),
		Y: append([]float64(nil), s.Y[:nTrain]...),
	}
	test = &Samples{
		X: mat.DenseCopyOf(s.X.Slice(nTrain, n, 0, c)),
		Y: append([]float64(nil), s.Y[nTrain:]...),
	}
	return train, test, nil
}
