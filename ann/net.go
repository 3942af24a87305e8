// Package ann is a small feed-forward regression network on gonum matrices.
// Hidden layers use a configurable activator, the single output unit a
// sigmoid, so predictions fall in (0, 1).
package ann

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"dry/arch"
	"dry/utils"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

type Config struct {
	Arch         arch.Descriptor
	Activator    Activator
	Epochs       int
	BatchSize    int
	LearningRate float64
}

// Network holds weights as (out × in) matrices and biases as (out × 1)
// columns. Samples travel through it as columns.
type Network struct {
	config  Config
	weights []*mat.Dense
	biases  []*mat.Dense

	// Adam moment estimates, one per weight and bias matrix
	mW, vW, mB, vB []*mat.Dense
	step           int

	rng *rand.Rand
}

// NewNetwork initialises a network for c.Arch with weights drawn from src.
// A layer width of 0 is widened to 1.
func NewNetwork(c Config, src rand.Source) *Network {
	if c.Activator == nil {
		c.Activator = ReLU{}
	}
	widths := c.Arch.Widths()
	net := &Network{
		config:  c,
		weights: make([]*mat.Dense, len(widths)),
		biases:  make([]*mat.Dense, len(widths)),
		rng:     rand.New(src),
	}

	cols := c.Arch.Inputs()
	for i, w := range widths {
		rows := layerWidth(w)
		net.weights[i] = mat.NewDense(rows, cols, randomArray(rows*cols, float64(cols), src))
		net.biases[i] = mat.NewDense(rows, 1, nil)
		cols = rows
	}
	net.resetOptimizer()
	return net
}

func layerWidth(w int) int {
	if w < 1 {
		return 1
	}
	return w
}

func (net *Network) resetOptimizer() {
	net.step = 0
	net.mW = zerosLike(net.weights)
	net.vW = zerosLike(net.weights)
	net.mB = zerosLike(net.biases)
	net.vB = zerosLike(net.biases)
}

func zerosLike(ms []*mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(ms))
	for i, m := range ms {
		r, c := m.Dims()
		out[i] = mat.NewDense(r, c, nil)
	}
	return out
}

// Arch is the layout the network was built from.
func (net *Network) Arch() arch.Descriptor { return net.config.Arch }

func (net *Network) lastIndex() int {
	return len(net.weights) - 1
}

// feedForward returns the activations of every layer for the samples held in
// the columns of input, input itself first.
func (net *Network) feedForward(input mat.Matrix) []*mat.Dense {
	sigmoid := ActivatorLookup["sigmoid"]
	layers := make([]*mat.Dense, len(net.weights)+1)
	layers[0] = mat.DenseCopyOf(input)
	for i := range net.weights {
		sum := dot(net.weights[i], layers[i])
		addBias(sum, net.biases[i])
		if i == net.lastIndex() {
			layers[i+1] = apply(sigmoid.Activate, sum)
		} else {
			layers[i+1] = apply(net.config.Activator.Activate, sum)
		}
	}
	return layers
}

// Fit trains the network on the rows of x against targets y with mini-batch
// Adam for the configured number of epochs. Cancelling ctx stops training
// between batches.
func (net *Network) Fit(ctx context.Context, x *mat.Dense, y []float64) error {
	n, inputs := x.Dims()
	if n != len(y) {
		return fmt.Errorf("have %d samples but %d targets", n, len(y))
	}
	if inputs != net.config.Arch.Inputs() {
		return fmt.Errorf("samples have %d channels, network expects %d", inputs, net.config.Arch.Inputs())
	}
	if n == 0 {
		return fmt.Errorf("no samples to fit")
	}
	epochs := net.config.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	batchSize := net.config.BatchSize
	if batchSize <= 0 || batchSize > n {
		batchSize = n
	}

	for epoch := 1; epoch <= epochs; epoch++ {
		order := net.rng.Perm(n)
		epochLoss := 0.0
		for start := 0; start < n; start += batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := start + batchSize
			if end > n {
				end = n
			}
			batchX, batchY := gatherBatch(x, y, order[start:end])
			epochLoss += net.trainBatch(batchX, batchY) * float64(end-start)
		}
		utils.Logf("  epoch %d/%d | mse %.6f", epoch, epochs, epochLoss/float64(n))
	}
	return nil
}

// gatherBatch copies the selected rows of x into the columns of a new matrix.
func gatherBatch(x *mat.Dense, y []float64, rows []int) (*mat.Dense, *mat.Dense) {
	_, inputs := x.Dims()
	bx := mat.NewDense(inputs, len(rows), nil)
	by := mat.NewDense(1, len(rows), nil)
	for j, r := range rows {
		for i := 0; i < inputs; i++ {
			bx.Set(i, j, x.At(r, i))
		}
		by.Set(0, j, y[r])
	}
	return bx, by
}

// trainBatch runs one forward/backward pass and Adam step, returning the
// batch mean squared error before the update.
func (net *Network) trainBatch(input, targets *mat.Dense) float64 {
	layers := net.feedForward(input)
	outputs := layers[net.lastIndex()+1]
	_, batch := input.Dims()

	diff := subtract(outputs, targets)
	loss := meanSquared(diff)

	sigmoid := ActivatorLookup["sigmoid"]
	delta := multiply(diff, sigmoid.Deactivate(outputs))

	gradW := make([]*mat.Dense, len(net.weights))
	gradB := make([]*mat.Dense, len(net.biases))
	for i := net.lastIndex(); i >= 0; i-- {
		gradW[i] = scale(1/float64(batch), dot(delta, layers[i].T()))
		gradB[i] = rowMeans(delta)
		if i > 0 {
			delta = multiply(dot(net.weights[i].T(), delta), net.config.Activator.Deactivate(layers[i]))
		}
	}

	net.step++
	for i := range net.weights {
		net.adamUpdate(net.weights[i], gradW[i], net.mW[i], net.vW[i])
		net.adamUpdate(net.biases[i], gradB[i], net.mB[i], net.vB[i])
	}
	return loss
}

func (net *Network) adamUpdate(param, grad, m, v *mat.Dense) {
	lr := net.config.LearningRate
	c1 := 1 - math.Pow(adamBeta1, float64(net.step))
	c2 := 1 - math.Pow(adamBeta2, float64(net.step))
	p, g := param.RawMatrix().Data, grad.RawMatrix().Data
	md, vd := m.RawMatrix().Data, v.RawMatrix().Data
	for k := range p {
		md[k] = adamBeta1*md[k] + (1-adamBeta1)*g[k]
		vd[k] = adamBeta2*vd[k] + (1-adamBeta2)*g[k]*g[k]
		p[k] -= lr * (md[k] / c1) / (math.Sqrt(vd[k]/c2) + adamEpsilon)
	}
}

// Predict returns the network output for one signal vector.
func (net *Network) Predict(signal []float64) float64 {
	in := mat.NewDense(len(signal), 1, append([]float64(nil), signal...))
	layers := net.feedForward(in)
	return layers[len(layers)-1].At(0, 0)
}

// PredictBatch returns the network output for every row of x.
func (net *Network) PredictBatch(x mat.Matrix) []float64 {
	layers := net.feedForward(x.T())
	out := layers[len(layers)-1]
	_, n := out.Dims()
	preds := make([]float64, n)
	for j := range preds {
		preds[j] = out.At(0, j)
	}
	return preds
}

// Weights exports the network for the model file. Run metadata (id,
// protocol, error) is left for the caller to fill in.
func (net *Network) Weights() *utils.ModelWeights {
	w := &utils.ModelWeights{
		Version:   utils.WeightsVersion,
		Widths:    net.config.Arch.Widths(),
		Activator: net.config.Activator.String(),
		Layers:    make([]utils.LayerWeight, len(net.weights)),
	}
	for i := range net.weights {
		w.Layers[i] = utils.LayerWeight{
			Weight: utils.MatrixToWeightData(fmt.Sprintf("w%d", i), net.weights[i]),
			Bias:   utils.MatrixToWeightData(fmt.Sprintf("b%d", i), net.biases[i]),
		}
	}
	return w
}

// FromWeights rebuilds a network for prediction from a model file.
func FromWeights(w *utils.ModelWeights) (*Network, error) {
	if w == nil || len(w.Layers) == 0 {
		return nil, fmt.Errorf("model has no layers")
	}
	if len(w.Layers) != len(w.Widths) {
		return nil, fmt.Errorf("model has %d layers but %d widths", len(w.Layers), len(w.Widths))
	}
	activator, err := LookupActivator(w.Activator)
	if err != nil {
		return nil, err
	}
	if w.Layers[0].Weight == nil || len(w.Layers[0].Weight.Shape) != 2 {
		return nil, fmt.Errorf("layer 0 has no weight matrix")
	}
	desc, err := arch.Restore(w.Layers[0].Weight.Shape[1], w.Widths)
	if err != nil {
		return nil, err
	}

	net := &Network{
		config:  Config{Arch: desc, Activator: activator},
		weights: make([]*mat.Dense, len(w.Layers)),
		biases:  make([]*mat.Dense, len(w.Layers)),
		rng:     rand.New(rand.NewSource(1)),
	}
	cols := desc.Inputs()
	for i, lw := range w.Layers {
		rows := layerWidth(w.Widths[i])
		if net.weights[i], err = utils.WeightDataToMatrix(lw.Weight); err != nil {
			return nil, fmt.Errorf("layer %d weight: %w", i, err)
		}
		if net.biases[i], err = utils.WeightDataToMatrix(lw.Bias); err != nil {
			return nil, fmt.Errorf("layer %d bias: %w", i, err)
		}
		if r, c := net.weights[i].Dims(); r != rows || c != cols {
			return nil, fmt.Errorf("layer %d weight is %dx%d, expected %dx%d", i, r, c, rows, cols)
		}
		if r, c := net.biases[i].Dims(); r != rows || c != 1 {
			return nil, fmt.Errorf("layer %d bias is %dx%d, expected %dx1", i, r, c, rows)
		}
		cols = rows
	}
	net.resetOptimizer()
	return net, nil
}
