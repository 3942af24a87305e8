// Package trainer fits a regressor for a protocol, retrying with fresh
// synthetic data and a fresh network until the held-out error is low enough.
package trainer

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"dry/arch"
	"dry/errs"
	"dry/protocol"
	"dry/synth"
	"dry/utils"
)

// Regressor is the capability the trainer needs from a training engine.
type Regressor interface {
	Fit(ctx context.Context, x *mat.Dense, y []float64) error
	Predict(signal []float64) float64
}

// BatchPredictor is implemented by regressors that can score many rows at once.
type BatchPredictor interface {
	PredictBatch(x mat.Matrix) []float64
}

// Builder creates an untrained regressor for a layout, drawing any initial
// weights from src.
type Builder func(d arch.Descriptor, src rand.Source) Regressor

// Generator draws a labelled sample set for a protocol.
type Generator func(p *protocol.Protocol, n int, src rand.Source) (*synth.Samples, error)

// State is a step of the training loop.
type State int

const (
	StateBuild State = iota
	StateFit
	StateEvaluate
	StateAccept
	StateRetry
)

func (s State) String() string {
	switch s {
	case StateBuild:
		return "BUILD"
	case StateFit:
		return "FIT"
	case StateEvaluate:
		return "EVALUATE"
	case StateAccept:
		return "ACCEPT"
	case StateRetry:
		return "RETRY"
	}
	return "UNKNOWN"
}

type Trainer struct {
	Build       Builder
	Generate    Generator
	Samples     int
	HoldOut     float64
	Threshold   float64
	MaxAttempts int
	Seed        int64

	// Stats, when set, accumulates time spent per stage.
	Stats *utils.TimingStats
}

// New returns a trainer configured from c that builds regressors with b.
func New(c utils.Config, b Builder) *Trainer {
	return &Trainer{
		Build:       b,
		Generate:    synth.Generate,
		Samples:     c.Samples,
		HoldOut:     c.HoldOut,
		Threshold:   c.Threshold,
		MaxAttempts: c.MaxAttempts,
		Seed:        c.Seed,
	}
}

// Result is an accepted model.
type Result struct {
	ID       string
	Model    Regressor
	Arch     arch.Descriptor
	MAE      float64
	Attempts int
}

// attempt is the state carried through one pass of the loop.
type attempt struct {
	n          int
	desc       arch.Descriptor
	model      Regressor
	train, val *synth.Samples
	mae        float64
}

// Train runs BUILD → FIT → EVALUATE until a model's held-out MAE is at or
// below the threshold, or until MaxAttempts attempts have failed, in which
// case it returns *errs.ConvergenceFailure. ctx is checked before every
// attempt and passed down to Fit.
func (t *Trainer) Train(ctx context.Context, p *protocol.Protocol) (*Result, error) {
	if p == nil {
		return nil, errs.Validation("protocol", "no protocol supplied")
	}
	if t.Build == nil {
		return nil, errs.Validation("builder", "no training engine supplied")
	}
	if t.MaxAttempts <= 0 {
		return nil, errs.Validation("attempts", "max attempts must be positive, got %d", t.MaxAttempts)
	}
	generate := t.Generate
	if generate == nil {
		generate = synth.Generate
	}

	runID := uuid.NewString()
	best := math.Inf(1)
	cur := &attempt{}
	state := StateBuild
	for {
		switch state {
		case StateBuild:
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrapf(err, "training stopped before attempt %d", cur.n+1)
			}
			cur = &attempt{n: cur.n + 1}
			utils.Logf("[%s] attempt %d/%d: %s", runID[:8], cur.n, t.MaxAttempts, state)

			desc, err := arch.Build(p.Channels(), p.Shells())
			if err != nil {
				return nil, err
			}
			cur.desc = desc
			start := time.Now()
			samples, err := generate(p, t.Samples, t.source(cur.n, 0))
			if err != nil {
				return nil, errors.Wrap(err, "generating synthetic data")
			}
			if cur.train, cur.val, err = samples.Split(t.HoldOut); err != nil {
				return nil, err
			}
			t.record(func(s *utils.TimingStats) { s.SynthesisTime += time.Since(start) })
			cur.model = t.Build(desc, t.source(cur.n, 1))
			state = StateFit

		case StateFit:
			utils.Logf("[%s] attempt %d: %s %s on %d samples", runID[:8], cur.n, state, cur.desc, cur.train.Len())
			start := time.Now()
			if err := cur.model.Fit(ctx, cur.train.X, cur.train.Y); err != nil {
				return nil, errors.Wrapf(err, "fitting attempt %d", cur.n)
			}
			t.record(func(s *utils.TimingStats) { s.FitTime += time.Since(start) })
			state = StateEvaluate

		case StateEvaluate:
			start := time.Now()
			cur.mae = Evaluate(cur.model, cur.val)
			t.record(func(s *utils.TimingStats) { s.EvaluateTime += time.Since(start) })
			utils.Logf("[%s] attempt %d: %s held-out MAE %.4f (threshold %.4f)", runID[:8], cur.n, state, cur.mae, t.Threshold)
			if cur.mae < best {
				best = cur.mae
			}
			if cur.mae <= t.Threshold {
				state = StateAccept
			} else {
				state = StateRetry
			}

		case StateAccept:
			utils.Logf("[%s] %s after %d attempt(s)", runID[:8], state, cur.n)
			return &Result{
				ID:       runID,
				Model:    cur.model,
				Arch:     cur.desc,
				MAE:      cur.mae,
				Attempts: cur.n,
			}, nil

		case StateRetry:
			if cur.n >= t.MaxAttempts {
				return nil, &errs.ConvergenceFailure{Attempts: cur.n, BestMAE: best, Threshold: t.Threshold}
			}
			utils.Logf("[%s] attempt %d: %s", runID[:8], cur.n, state)
			state = StateBuild
		}
	}
}

// source derives an independent random stream for one attempt; stream 0
// feeds the sample generator, stream 1 the weight initialisation.
func (t *Trainer) source(attempt, stream int) rand.Source {
	return rand.NewSource(uint64(t.Seed)<<16 + uint64(attempt)<<1 + uint64(stream))
}

func (t *Trainer) record(fn func(*utils.TimingStats)) {
	if t.Stats != nil {
		fn(t.Stats)
	}
}

// Evaluate returns the mean absolute error of m over s.
func Evaluate(m Regressor, s *synth.Samples) float64 {
	var pred []float64
	if bp, ok := m.(BatchPredictor); ok {
		pred = bp.PredictBatch(s.X)
	} else {
		pred = make([]float64, s.Len())
		for i := range pred {
			pred[i] = m.Predict(s.X.RawRowView(i))
		}
	}
	return MeanAbsoluteError(pred, s.Y)
}

// MeanAbsoluteError is the mean of |pred - truth| over paired entries, NaN
// when the slices are empty or differ in length.
func MeanAbsoluteError(pred, truth []float64) float64 {
	if len(pred) == 0 || len(pred) != len(truth) {
		return math.NaN()
	}
	abs := make([]float64, len(pred))
	for i := range pred {
		abs[i] = math.Abs(pred[i] - truth[i])
	}
	return stat.Mean(abs, nil)
}
