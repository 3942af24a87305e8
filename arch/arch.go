// Package arch derives the feed-forward network topology for a b-value
// protocol.
package arch

import (
	"math"
	"strconv"
	"strings"

	"dry/errs"
)

// widthScale widens every layer relative to the channels-per-shell ratio.
const widthScale = 1.5

// Descriptor is the immutable layer layout of one network: the input
// dimensionality and the width of every dense layer, output layer last.
type Descriptor struct {
	inputs int
	widths []int
}

// Build returns the layout for a protocol with the given channel and shell
// counts. The first layer is round(channels/shells·1.5) wide, layer l (1 ≤ l <
// shells) round(channels/(shells·(l+1))·1.5), and the output layer 1.
// Rounding is half-to-even.
func Build(channels, shells int) (Descriptor, error) {
	if channels < 1 {
		return Descriptor{}, errs.Validation("channels", "must be at least 1, got %d", channels)
	}
	if shells < 1 || shells > channels {
		return Descriptor{}, errs.Validation("shells", "must be in [1, %d], got %d", channels, shells)
	}

	c, s := float64(channels), float64(shells)
	widths := make([]int, 0, shells+1)
	widths = append(widths, int(math.RoundToEven(c/s*widthScale)))
	for l := 1; l < shells; l++ {
		widths = append(widths, int(math.RoundToEven(c/(s*float64(l+1))*widthScale)))
	}
	widths = append(widths, 1)

	return Descriptor{inputs: channels, widths: widths}, nil
}

// Inputs is the input dimensionality (the protocol's channel count).
func (d Descriptor) Inputs() int { return d.inputs }

// Widths returns a copy of the layer widths, output layer last.
func (d Descriptor) Widths() []int { return append([]int(nil), d.widths...) }

// Layers is the number of dense layers, output included.
func (d Descriptor) Layers() int { return len(d.widths) }

// Equal reports whether d and o describe the same topology.
func (d Descriptor) Equal(o Descriptor) bool {
	if d.inputs != o.inputs || len(d.widths) != len(o.widths) {
		return false
	}
	for i := range d.widths {
		if d.widths[i] != o.widths[i] {
			return false
		}
	}
	return true
}

// Restore rebuilds a descriptor from stored widths, e.g. from a model file.
func Restore(inputs int, widths []int) (Descriptor, error) {
	if inputs < 1 {
		return Descriptor{}, errs.Validation("inputs", "must be at least 1, got %d", inputs)
	}
	if len(widths) == 0 || widths[len(widths)-1] != 1 {
		return Descriptor{}, errs.Validation("widths", "output layer must have width 1, got %v", widths)
	}
	for _, w := range widths {
		if w < 0 {
			return Descriptor{}, errs.Validation("widths", "negative width in %v", widths)
		}
	}
	return Descriptor{inputs: inputs, widths: append([]int(nil), widths...)}, nil
}

// String renders the layout as input-w1-…-1.
func (d Descriptor) String() string {
	parts := make([]string, 0, len(d.widths)+1)
	parts = append(parts, strconv.Itoa(d.inputs))
	for _, w := range d.widths {
		parts = append(parts, strconv.Itoa(w))
	}
	return strings.Join(parts, "-")
}
