package ann

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// meanSquared is the mean of the squared entries of diff.
func meanSquared(diff *mat.Dense) float64 {
	d := diff.RawMatrix().Data
	sq := make([]float64, len(d))
	for i, v := range d {
		sq[i] = v * v
	}
	return stat.Mean(sq, nil)
}
