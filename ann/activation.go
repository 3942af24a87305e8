package ann

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Activator is an element-wise activation. Deactivate takes the activated
// values and returns the derivative at those points.
type Activator interface {
	Activate(i, j int, sum float64) float64
	Deactivate(m mat.Matrix) mat.Matrix
	fmt.Stringer
}

var ActivatorLookup = map[string]Activator{
	"sigmoid": Sigmoid{},
	"tanh":    Tanh{},
	"relu":    ReLU{},
}

// LookupActivator returns the activator registered under name.
func LookupActivator(name string) (Activator, error) {
	a, ok := ActivatorLookup[name]
	if !ok {
		return nil, fmt.Errorf("invalid activator %q", name)
	}
	return a, nil
}

type Sigmoid struct{}

func (s Sigmoid) Activate(i, j int, sum float64) float64 {
	return 1.0 / (1.0 + math.Exp(-sum))
}

func (s Sigmoid) Deactivate(matrix mat.Matrix) mat.Matrix {
	sigmoidPrime := func(i, j int, v float64) float64 {
		return v * (1 - v)
	}
	return apply(sigmoidPrime, matrix)
}

func (s Sigmoid) String() string {
	return "sigmoid"
}

type Tanh struct{}

func (t Tanh) Activate(i, j int, sum float64) float64 {
	return math.Tanh(sum)
}

func (t Tanh) Deactivate(matrix mat.Matrix) mat.Matrix {
	tanhPrime := func(i, j int, v float64) float64 {
		return 1.0 - v*v
	}
	return apply(tanhPrime, matrix)
}

func (t Tanh) String() string {
	return "tanh"
}

// ReLU leaks a small slope below zero so dead units can recover.
type ReLU struct{}

const reluLeak = 0.0001

func (r ReLU) Activate(i, j int, sum float64) float64 {
	if sum < 0 {
		return reluLeak * sum
	}
	return sum
}

func (r ReLU) Deactivate(matrix mat.Matrix) mat.Matrix {
	reluPrime := func(i, j int, v float64) float64 {
		if v < 0 {
			return reluLeak
		}
		return 1
	}
	return apply(reluPrime, matrix)
}

func (r ReLU) String() string {
	return "relu"
}
