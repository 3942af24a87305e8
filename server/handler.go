// Package server exposes a loaded free-water model over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dry/correct"
	"dry/dry"
	"dry/errs"
	"dry/tensor"
)

// Handler serves requests against one model.
type Handler struct {
	model     *dry.Model
	corrector *correct.Corrector
	started   time.Time
}

// NewHandler returns a handler for m.
func NewHandler(m *dry.Model) (*Handler, error) {
	if m == nil || m.Net == nil || m.Protocol == nil {
		return nil, errs.Validation("model", "no model supplied")
	}
	return &Handler{
		model:     m,
		corrector: correct.New(m.Net, m.Protocol),
		started:   time.Now(),
	}, nil
}

// NewRouter wires h into a gin engine with logging and recovery.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/model", h.Model)
		api.POST("/fwe/predict", h.Predict)
		api.POST("/fwe/correct", h.Correct)
	}
	return router
}

// PredictRequest holds one signal vector per voxel, in protocol order.
type PredictRequest struct {
	Signals [][]float64 `json:"signals" binding:"required"`
}

// CorrectRequest adds a tissue volume fraction per voxel.
type CorrectRequest struct {
	Signals [][]float64 `json:"signals" binding:"required"`
	TVF     []float64   `json:"tvf" binding:"required"`
}

// CorrectionResponse holds per-voxel results. TVF is omitted when it was
// supplied by the caller.
type CorrectionResponse struct {
	ModelID   string      `json:"model_id"`
	TVF       []float64   `json:"tvf,omitempty"`
	Corrected [][]float64 `json:"corrected"`
}

// ModelResponse describes the loaded model.
type ModelResponse struct {
	ID           string    `json:"id"`
	Architecture string    `json:"architecture"`
	Widths       []int     `json:"widths"`
	Layers       int       `json:"layers"`
	BValues      []float64 `json:"bvalues"`
	ShellValues  []float64 `json:"shell_bvalues"`
	Shells       int       `json:"shells"`
	MAE          float64   `json:"mae"`
}

// Health reports that the service is up.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"model_id":  h.model.ID,
		"uptime":    time.Since(h.started).String(),
		"timestamp": time.Now().UTC(),
	})
}

// Model returns the architecture and protocol of the loaded model.
func (h *Handler) Model(c *gin.Context) {
	c.JSON(http.StatusOK, ModelResponse{
		ID:           h.model.ID,
		Architecture: h.model.Arch.String(),
		Widths:       h.model.Arch.Widths(),
		Layers:       h.model.Arch.Layers(),
		BValues:      h.model.Protocol.BValues(),
		ShellValues:  h.model.Protocol.Unique(),
		Shells:       h.model.Protocol.Shells(),
		MAE:          h.model.MAE,
	})
}

// Predict estimates the TVF of every voxel and returns the corrected signals.
func (h *Handler) Predict(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	dwi, err := voxelTensor(req.Signals)
	if err != nil {
		fail(c, err)
		return
	}
	tvf, corrected, err := h.corrector.PredictAndCorrect(dwi)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, CorrectionResponse{
		ModelID:   h.model.ID,
		TVF:       tvf.Data,
		Corrected: voxelRows(corrected),
	})
}

// Correct removes free water using the caller's TVF values.
func (h *Handler) Correct(c *gin.Context) {
	var req CorrectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	dwi, err := voxelTensor(req.Signals)
	if err != nil {
		fail(c, err)
		return
	}
	if len(req.TVF) != len(req.Signals) {
		fail(c, errs.Validation("tvf", "%d TVF values for %d voxels", len(req.TVF), len(req.Signals)))
		return
	}
	tvf, err := tensor.NewWithData(append([]float64(nil), req.TVF...), 1, 1, len(req.TVF))
	if err != nil {
		fail(c, err)
		return
	}
	corrected, err := h.corrector.Correct(dwi, tvf)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, CorrectionResponse{
		ModelID:   h.model.ID,
		Corrected: voxelRows(corrected),
	})
}

// voxelTensor packs per-voxel signal rows into a [C, 1, 1, N] volume.
func voxelTensor(signals [][]float64) (*tensor.Tensor, error) {
	if len(signals) == 0 {
		return nil, errs.Validation("signals", "no voxels given")
	}
	channels := len(signals[0])
	n := len(signals)
	t := tensor.New(channels, 1, 1, n)
	for v, row := range signals {
		if len(row) != channels {
			return nil, errs.Validation("signals", "voxel %d has %d channels, voxel 0 has %d", v, len(row), channels)
		}
		for ch, s := range row {
			t.Set(s, ch, 0, 0, v)
		}
	}
	return t, nil
}

// voxelRows unpacks a [C, 1, 1, N] volume into per-voxel rows.
func voxelRows(t *tensor.Tensor) [][]float64 {
	channels := t.Shape[0]
	n := t.Len() / channels
	rows := make([][]float64, n)
	for v := range rows {
		rows[v] = make([]float64, channels)
		for ch := range rows[v] {
			rows[v][ch] = t.At(ch, 0, 0, v)
		}
	}
	return rows
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid request",
		"details": err.Error(),
	})
}

func fail(c *gin.Context, err error) {
	if errs.IsValidation(err) {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "correction failed",
		"details": err.Error(),
	})
}
