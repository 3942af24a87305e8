package correct

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dry/errs"
	"dry/protocol"
	"dry/synth"
	"dry/tensor"
)

// constModel predicts the same fraction for every voxel.
type constModel struct {
	f     float64
	calls int
}

func (m *constModel) Predict([]float64) float64 {
	m.calls++
	return m.f
}

// batchModel records the rows it was asked to score and returns the first
// channel of each.
type batchModel struct {
	rows int
}

func (m *batchModel) Predict(signal []float64) float64 { return signal[0] }

func (m *batchModel) PredictBatch(x mat.Matrix) []float64 {
	r, _ := x.Dims()
	m.rows += r
	out := make([]float64, r)
	for i := range out {
		out[i] = x.At(i, 1)
	}
	return out
}

func testProtocol(t *testing.T) *protocol.Protocol {
	t.Helper()
	p, err := protocol.New([]float64{0, 1000, 2000})
	require.NoError(t, err)
	return p
}

// volumeOf builds a [C, 1, 1, V] volume whose voxel v has signals[v].
func volumeOf(t *testing.T, signals ...[]float64) *tensor.Tensor {
	t.Helper()
	channels := len(signals[0])
	dwi := tensor.New(channels, 1, 1, len(signals))
	for v, s := range signals {
		for ch, val := range s {
			dwi.Set(val, ch, 0, 0, v)
		}
	}
	return dwi
}

func TestPredictNormalisesAndClamps(t *testing.T) {
	p := testProtocol(t)
	dwi := volumeOf(t, []float64{200, 100, 50}, []float64{10, 5, 2.5})

	tvf, err := New(&constModel{f: 1.7}, p).Predict(dwi)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2}, tvf.Shape)
	assert.Equal(t, []float64{1, 1}, tvf.Data)

	tvf, err = New(&constModel{f: math.NaN()}, p).Predict(dwi)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, tvf.Data)

	tvf, err = New(&constModel{f: -0.3}, p).Predict(dwi)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, tvf.Data)
}

func TestPredictUsesBatchPredictor(t *testing.T) {
	p := testProtocol(t)
	// voxels share the same normalised signal so channel 1 is 0.5 for both
	dwi := volumeOf(t, []float64{200, 100, 50}, []float64{10, 5, 2.5}, []float64{0, 0, 0})
	m := &batchModel{}

	tvf, err := New(m, p).Predict(dwi)
	require.NoError(t, err)
	assert.Equal(t, 2, m.rows, "background voxel should not be scored")
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0}, tvf.Data, 1e-12)
}

func TestPredictSkipsBackground(t *testing.T) {
	m := &constModel{f: 0.8}
	dwi := volumeOf(t, []float64{0, 0, 0}, []float64{-1, -2, -3}, []float64{math.NaN(), 1, 1}, []float64{4, 2, 1})

	tvf, err := New(m, testProtocol(t)).Predict(dwi)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0.8}, tvf.Data)
	assert.Equal(t, 1, m.calls)
}

func TestCorrectZeroFractionGivesZeroSignal(t *testing.T) {
	p := testProtocol(t)
	dwi := volumeOf(t, []float64{200, 100, 50}, []float64{1, 0.9, 0.7})
	tvf := tensor.New(1, 1, 2)

	out, err := New(nil, p).Correct(dwi, tvf)
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		assert.Zero(t, v)
	}
}

func TestCorrectPureTissueRoundTrip(t *testing.T) {
	p := testProtocol(t)
	dwi := volumeOf(t, []float64{200, 100, 50}, []float64{3, 2, 1})
	tvf := tensor.New(1, 1, 2)
	tvf.Data[0], tvf.Data[1] = 1, 1

	out, err := New(nil, p).Correct(dwi, tvf)
	require.NoError(t, err)
	assert.InDeltaSlice(t, dwi.Data, out.Data, 1e-9)
}

func TestCorrectRecoversTissueSignal(t *testing.T) {
	p := testProtocol(t)
	sfw := synth.FreeWaterSignal(p)
	tissue := []float64{1, 0.6, 0.35}
	const f, scale = 0.7, 150.0

	mixed := make([]float64, len(tissue))
	for i := range tissue {
		mixed[i] = scale * (f*tissue[i] + (1-f)*sfw[i])
	}
	dwi := volumeOf(t, mixed)
	tvf, err := tensor.NewWithData([]float64{f}, 1, 1, 1, 1)
	require.NoError(t, err)

	out, err := New(nil, p).Correct(dwi, tvf)
	require.NoError(t, err)
	for i := range tissue {
		assert.InDelta(t, scale*tissue[i], out.Data[i], 1e-9)
	}
}

func TestCorrectClampsNegativeSignal(t *testing.T) {
	p := testProtocol(t)
	// a small fraction makes the high-b channels go negative
	dwi := volumeOf(t, []float64{100, 1, 0.5})
	tvf, err := tensor.NewWithData([]float64{0.1}, 1, 1, 1)
	require.NoError(t, err)

	out, err := New(nil, p).Correct(dwi, tvf)
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestPredictAndCorrect(t *testing.T) {
	p := testProtocol(t)
	dwi := volumeOf(t, []float64{200, 100, 50}, []float64{0, 0, 0})

	tvf, out, err := New(&constModel{f: 1}, p).PredictAndCorrect(dwi)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, tvf.Data)
	assert.Equal(t, dwi.Shape, out.Shape)
	assert.InDeltaSlice(t, []float64{200, 0, 100, 0, 50, 0}, out.Data, 1e-9)
}

func TestValidation(t *testing.T) {
	p := testProtocol(t)
	dwi := volumeOf(t, []float64{200, 100, 50})

	_, err := New(nil, p).Predict(dwi)
	assert.True(t, errs.IsValidation(err), "missing model")

	_, err = New(&constModel{}, nil).Predict(dwi)
	assert.True(t, errs.IsValidation(err), "missing protocol")

	_, err = New(&constModel{}, p).Predict(tensor.New(3, 2, 2))
	assert.True(t, errs.IsValidation(err), "not 4-D")

	_, err = New(&constModel{}, p).Predict(tensor.New(4, 1, 1, 1))
	assert.True(t, errs.IsValidation(err), "channel mismatch")

	c := New(nil, p)
	_, err = c.Correct(dwi, nil)
	assert.True(t, errs.IsValidation(err), "missing tvf")

	_, err = c.Correct(dwi, tensor.New(1, 1, 2))
	assert.True(t, errs.IsValidation(err), "tvf shape mismatch")

	_, err = c.Correct(dwi, tensor.New(2, 1, 1, 1))
	assert.True(t, errs.IsValidation(err), "multi-channel tvf")

	_, err = c.Correct(dwi, tensor.New(1, 1, 1, 1))
	assert.NoError(t, err)
}

func TestCheckTVF(t *testing.T) {
	dwi := tensor.New(3, 2, 4, 5)
	assert.NoError(t, CheckTVF(dwi, tensor.New(2, 4, 5)))
	assert.NoError(t, CheckTVF(dwi, tensor.New(1, 2, 4, 5)))

	for _, shape := range [][]int{{2, 4}, {2, 4, 6}, {2, 2, 4, 5}, {1, 1, 2, 4, 5}} {
		err := CheckTVF(dwi, tensor.New(shape...))
		assert.True(t, errs.IsValidation(err), "tvf shape %v", shape)
	}
	assert.True(t, errs.IsValidation(CheckTVF(dwi, nil)))
	assert.True(t, errs.IsValidation(CheckTVF(tensor.New(2, 4, 5), tensor.New(2, 4, 5))), "3-D dwi")
	assert.True(t, errs.IsValidation(CheckTVF(nil, tensor.New(2, 4, 5))))
}

func TestClampFraction(t *testing.T) {
	assert.Equal(t, 0.0, ClampFraction(math.NaN()))
	assert.Equal(t, 0.0, ClampFraction(-1))
	assert.Equal(t, 1.0, ClampFraction(math.Inf(1)))
	assert.Equal(t, 0.25, ClampFraction(0.25))
}
