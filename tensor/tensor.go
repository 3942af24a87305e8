package tensor

import "fmt"

// Tensor is a simple n-D array backed by a flat []float64 in row-major order
// (last index fastest). Volumes use shape [C, Z, Y, X] so that the flat layout
// matches the NIfTI on-disk order.
type Tensor struct {
	Data  []float64
	Shape []int
}

// New allocates a Tensor of given shape (product of dims = len(Data)).
func New(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float64, size(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NewWithData wraps data in a Tensor of the given shape, or errors if the
// element count does not match.
func NewWithData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != size(shape) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, size(shape), len(data))
	}
	return &Tensor{
		Data:  data,
		Shape: append([]int(nil), shape...),
	}, nil
}

func size(shape []int) int {
	total := 1
	for _, d := range shape {
		total *= d
	}
	return total
}

// Len is the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// At returns the element at the given indices.
// For a 4D tensor [a, b, c, d], At(i, j, k, l) returns the element at position [i][j][k][l].
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.offset("At", indices)]
}

// Set sets the element at the given indices to the given value.
func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.offset("Set", indices)] = value
}

func (t *Tensor) offset(op string, indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("%s: expected %d indices, got %d", op, len(t.Shape), len(indices)))
	}

	// Compute linear index
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("%s: index %d out of bounds for dimension %d (shape: %v)", op, indices[i], i, t.Shape))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}
