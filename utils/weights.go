package utils

import (
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// WeightsVersion is written into every model file.
const WeightsVersion = "1.0"

// WeightData represents a serializable weight matrix
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// ModelWeights is the on-disk form of a fitted free-water model: the network
// weights plus everything needed to apply it to a protocol again.
type ModelWeights struct {
	Version   string        `json:"version"`
	ID        string        `json:"id"`
	BValues   []float64     `json:"bvalues"`
	Widths    []int         `json:"widths"`
	Activator string        `json:"activator"`
	MAE       float64       `json:"mae"`
	Layers    []LayerWeight `json:"layers"`
}

// LayerWeight contains weights and bias for a layer
type LayerWeight struct {
	Weight *WeightData `json:"weight,omitempty"`
	Bias   *WeightData `json:"bias,omitempty"`
}

// SaveWeights saves model weights to a JSON file
func SaveWeights(filepath string, weights *ModelWeights) error {
	if weights == nil {
		return fmt.Errorf("no weights to save")
	}
	data, err := json.MarshalIndent(weights, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	return os.WriteFile(filepath, data, 0644)
}

// LoadWeights loads model weights from a JSON file
func LoadWeights(filepath string) (*ModelWeights, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var weights ModelWeights
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if weights.Version != WeightsVersion {
		return nil, fmt.Errorf("unsupported weights version %q", weights.Version)
	}
	return &weights, nil
}

// MatrixToWeightData converts a matrix to serializable weight data
func MatrixToWeightData(name string, m mat.Matrix) *WeightData {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return &WeightData{
		Name:  name,
		Shape: []int{r, c},
		Data:  data,
	}
}

// WeightDataToMatrix converts weight data back to a dense matrix
func WeightDataToMatrix(wd *WeightData) (*mat.Dense, error) {
	if wd == nil {
		return nil, fmt.Errorf("missing weight data")
	}
	if len(wd.Shape) != 2 || wd.Shape[0] <= 0 || wd.Shape[1] <= 0 {
		return nil, fmt.Errorf("%s: invalid shape %v", wd.Name, wd.Shape)
	}
	if len(wd.Data) != wd.Shape[0]*wd.Shape[1] {
		return nil, fmt.Errorf("%s: shape %v needs %d values, got %d",
			wd.Name, wd.Shape, wd.Shape[0]*wd.Shape[1], len(wd.Data))
	}
	return mat.NewDense(wd.Shape[0], wd.Shape[1], append([]float64(nil), wd.Data...)), nil
}
