package synth

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"dry/errs"
	"dry/protocol"
)

func mustProtocol(t *testing.T, bvals ...float64) *protocol.Protocol {
	t.Helper()
	p, err := protocol.New(bvals)
	require.NoError(t, err)
	return p
}

func TestGenerateShapeAndLabels(t *testing.T) {
	p := mustProtocol(t, 0, 1000, 1000, 2000, 0)
	for _, n := range []int{1, 7, 500} {
		s, err := Generate(p, n, rand.NewSource(1))
		require.NoError(t, err)

		r, c := s.X.Dims()
		assert.Equal(t, n, r)
		assert.Equal(t, p.Channels(), c)
		assert.Equal(t, n, s.Len())
		for _, y := range s.Y {
			assert.GreaterOrEqual(t, y, 0.0)
			assert.LessOrEqual(t, y, 1.0)
		}
	}
}

func TestGenerateBaselineChannelsAreUnattenuated(t *testing.T) {
	p := mustProtocol(t, 0, 1000, 0, 3000)
	s, err := Generate(p, 200, rand.NewSource(3))
	require.NoError(t, err)

	for i := 0; i < s.Len(); i++ {
		// f_t·1 + f_fw·exp(0) = 1
		assert.InDelta(t, 1.0, s.X.At(i, 0), 1e-12)
		assert.InDelta(t, 1.0, s.X.At(i, 2), 1e-12)
	}
}

func TestGenerateFollowsMixtureBounds(t *testing.T) {
	p := mustProtocol(t, 0, 1000)
	s, err := Generate(p, 1000, rand.NewSource(5))
	require.NoError(t, err)

	sfw := math.Exp(-1000 * FreeWaterDiffusivity)
	for i := 0; i < s.Len(); i++ {
		ft := s.Y[i]
		// S = S_t·f_t + S_fw·(1-f_t) with S_t in [0,1]
		lo := sfw * (1 - ft)
		hi := ft + sfw*(1-ft)
		v := s.X.At(i, 1)
		assert.GreaterOrEqual(t, v, lo-1e-12)
		assert.LessOrEqual(t, v, hi+1e-12)
	}
}

func TestGenerateIsReproducibleAndSourceDriven(t *testing.T) {
	p := mustProtocol(t, 0, 1000, 2000)
	a, err := Generate(p, 50, rand.NewSource(11))
	require.NoError(t, err)
	b, err := Generate(p, 50, rand.NewSource(11))
	require.NoError(t, err)
	c, err := Generate(p, 50, rand.NewSource(12))
	require.NoError(t, err)

	assert.True(t, mat.Equal(a.X, b.X))
	assert.Equal(t, a.Y, b.Y)
	assert.False(t, mat.Equal(a.X, c.X))
}

func TestGenerateValidation(t *testing.T) {
	p := mustProtocol(t, 0, 1000)
	_, err := Generate(nil, 10, rand.NewSource(1))
	assert.True(t, errs.IsValidation(err))
	_, err = Generate(p, 0, rand.NewSource(1))
	assert.True(t, errs.IsValidation(err))
	_, err = Generate(p, 10, nil)
	assert.True(t, errs.IsValidation(err))
}

func TestFreeWaterSignal(t *testing.T) {
	p := mustProtocol(t, 0, 1000)
	sfw := FreeWaterSignal(p)
	assert.Equal(t, 1.0, sfw[0])
	assert.InDelta(t, math.Exp(-3), sfw[1], 1e-15)
}

func TestSplit(t *testing.T) {
	p := mustProtocol(t, 0, 1000)
	s, err := Generate(p, 100, rand.NewSource(2))
	require.NoError(t, err)

	train, test, err := s.Split(0.15)
	require.NoError(t, err)
	assert.Equal(t, 85, train.Len())
	assert.Equal(t, 15, test.Len())
	assert.Equal(t, s.Y[85], test.Y[0])
	assert.Equal(t, s.X.At(84, 1), train.X.At(84, 1))

	_, _, err = s.Split(1)
	assert.True(t, errs.IsValidation(err))

	tiny, err := Generate(p, 2, rand.NewSource(2))
	require.NoError(t, err)
	_, _, err = tiny.Split(0.15)
	assert.True(t, errs.IsValidation(err))
}
