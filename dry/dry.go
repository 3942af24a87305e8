// Package dry trains protocol-specific free-water models and applies them to
// diffusion-weighted NIfTI volumes.
package dry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"dry/ann"
	"dry/arch"
	"dry/correct"
	"dry/errs"
	"dry/protocol"
	"dry/tensor"
	"dry/trainer"
	"dry/utils"
	"dry/volume"
)

// Output suffixes appended to the input base name.
const (
	TVFSuffix = "_tvf.nii"
	FWESuffix = "_fwe.nii"
)

// Model is a fitted network together with the protocol it was trained for.
type Model struct {
	ID       string
	Protocol *protocol.Protocol
	Arch     arch.Descriptor
	Net      *ann.Network
	MAE      float64
	Attempts int
}

// Output lists the files written for one input volume. TVF is empty when the
// map was supplied by the caller.
type Output struct {
	Input string
	TVF   string
	FWE   string
}

// Dry runs training and correction with one configuration. Stats, when set,
// collects stage timings across calls.
type Dry struct {
	Config utils.Config
	Stats  *utils.TimingStats

	mu sync.Mutex
}

// New returns a pipeline using c.
func New(c utils.Config) *Dry {
	return &Dry{Config: c}
}

// TrainModel trains a model for the b-values in bfile with cfg.
func TrainModel(ctx context.Context, bfile string, cfg utils.Config) (*Model, error) {
	return New(cfg).TrainModel(ctx, bfile)
}

// CorrectFWE corrects dwiPaths with m using the default configuration.
func CorrectFWE(ctx context.Context, dwiPaths []string, m *Model, bfile, outDir string) ([]Output, error) {
	return New(utils.DefaultConfig()).CorrectFWE(ctx, dwiPaths, m, bfile, outDir)
}

// CorrectFWEWithTVF corrects dwiPaths with precomputed TVF maps using the
// default configuration.
func CorrectFWEWithTVF(ctx context.Context, dwiPaths, tvfPaths []string, bfile, outDir string) ([]Output, error) {
	return New(utils.DefaultConfig()).CorrectFWEWithTVF(ctx, dwiPaths, tvfPaths, bfile, outDir)
}

func (d *Dry) record(fn func(*utils.TimingStats)) {
	if d.Stats == nil {
		return
	}
	d.mu.Lock()
	fn(d.Stats)
	d.mu.Unlock()
}

// TrainModel parses bfile and trains networks until one reaches the
// configured held-out error.
func (d *Dry) TrainModel(ctx context.Context, bfile string) (*Model, error) {
	if bfile == "" {
		return nil, errs.Validation("bfile", "no b-value file given")
	}
	cfg := d.Config
	if err := utils.ValidateConfig(&cfg); err != nil {
		return nil, errs.Validation("config", "%v", err)
	}
	activator, err := ann.LookupActivator(cfg.Activator)
	if err != nil {
		return nil, errs.Validation("activator", "%v", err)
	}

	start := time.Now()
	p, err := protocol.Load(bfile)
	if err != nil {
		return nil, err
	}
	d.record(func(s *utils.TimingStats) { s.ProtocolTime += time.Since(start) })
	utils.Logf("Protocol %s: %s", p.Source(), p)

	tr := trainer.New(cfg, func(desc arch.Descriptor, src rand.Source) trainer.Regressor {
		return ann.NewNetwork(ann.Config{
			Arch:         desc,
			Activator:    activator,
			Epochs:       cfg.Epochs,
			BatchSize:    cfg.BatchSize,
			LearningRate: cfg.LearningRate,
		}, src)
	})
	if d.Stats != nil {
		tr.Stats = &utils.TimingStats{}
		defer d.record(func(s *utils.TimingStats) {
			s.SynthesisTime += tr.Stats.SynthesisTime
			s.FitTime += tr.Stats.FitTime
			s.EvaluateTime += tr.Stats.EvaluateTime
		})
	}
	res, err := tr.Train(ctx, p)
	if err != nil {
		return nil, err
	}
	return &Model{
		ID:       res.ID,
		Protocol: p,
		Arch:     res.Arch,
		Net:      res.Model.(*ann.Network),
		MAE:      res.MAE,
		Attempts: res.Attempts,
	}, nil
}

// SaveModel writes m to path as a JSON weights file. Nothing is written when m
// has no network.
func SaveModel(path string, m *Model) error {
	if m == nil || m.Net == nil {
		return errs.Validation("model", "no model to save")
	}
	if path == "" {
		return errs.Validation("path", "no model file given")
	}
	w := m.Net.Weights()
	w.ID = m.ID
	w.MAE = m.MAE
	if m.Protocol != nil {
		w.BValues = m.Protocol.BValues()
	}
	if err := utils.SaveWeights(path, w); err != nil {
		return errors.Wrapf(err, "saving model to %s", path)
	}
	return nil
}

// LoadModel reads a model file written by SaveModel.
func LoadModel(path string) (*Model, error) {
	if path == "" {
		return nil, errs.Validation("path", "no model file given")
	}
	w, err := utils.LoadWeights(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading model %s", path)
	}
	net, err := ann.FromWeights(w)
	if err != nil {
		return nil, errors.Wrapf(err, "rebuilding model %s", path)
	}
	p, err := protocol.New(w.BValues)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", path)
	}
	if p.Channels() != net.Arch().Inputs() {
		return nil, errs.Validation("model", "network takes %d channels but the model lists %d b-values",
			net.Arch().Inputs(), p.Channels())
	}
	return &Model{ID: w.ID, Protocol: p, Arch: net.Arch(), Net: net, MAE: w.MAE}, nil
}

// job is one input volume and where its results go.
type job struct {
	path string
	dir  string
	base string
	dwi  *volume.Volume
	tvf  *volume.Volume
}

// CorrectFWE predicts a TVF map for every volume in dwiPaths, corrects it, and
// writes <outDir>/<base>/<base>_tvf.nii and _fwe.nii. All inputs are loaded
// and checked before anything is written.
func (d *Dry) CorrectFWE(ctx context.Context, dwiPaths []string, m *Model, bfile, outDir string) ([]Output, error) {
	if m == nil || m.Net == nil {
		return nil, errs.Validation("model", "no model supplied")
	}
	p, jobs, err := d.prepare(dwiPaths, bfile, outDir)
	if err != nil {
		return nil, err
	}
	if m.Arch.Inputs() != p.Channels() {
		return nil, errs.Validation("model", "model was trained for %d channels, protocol %s has %d",
			m.Arch.Inputs(), bfile, p.Channels())
	}
	c := correct.New(m.Net, p)

	return d.run(ctx, jobs, func(j *job) (Output, error) {
		start := time.Now()
		tvf, err := c.Predict(j.dwi.Data)
		if err != nil {
			return Output{}, err
		}
		d.record(func(s *utils.TimingStats) { s.PredictTime += time.Since(start) })
		out := Output{Input: j.path, TVF: filepath.Join(j.dir, j.base+TVFSuffix)}
		if err := d.correctAndSave(c, j, tvf, &out); err != nil {
			return Output{}, err
		}
		return out, nil
	})
}

// CorrectFWEWithTVF corrects every volume in dwiPaths with a caller-supplied
// TVF map, either one per volume or a single map shared by all, and writes
// <outDir>/<base>/<base>_fwe.nii.
func (d *Dry) CorrectFWEWithTVF(ctx context.Context, dwiPaths, tvfPaths []string, bfile, outDir string) ([]Output, error) {
	if len(tvfPaths) == 0 {
		return nil, errs.Validation("tvf", "no TVF maps given")
	}
	if len(tvfPaths) != 1 && len(tvfPaths) != len(dwiPaths) {
		return nil, errs.Validation("tvf", "%d TVF maps for %d volumes", len(tvfPaths), len(dwiPaths))
	}
	p, jobs, err := d.prepare(dwiPaths, bfile, outDir)
	if err != nil {
		return nil, err
	}

	var shared *volume.Volume
	for i, j := range jobs {
		if len(tvfPaths) == 1 && shared != nil {
			j.tvf = shared
			continue
		}
		tvfPath := tvfPaths[0]
		if len(tvfPaths) > 1 {
			tvfPath = tvfPaths[i]
		}
		if j.tvf, err = d.load(tvfPath); err != nil {
			return nil, err
		}
		shared = j.tvf
	}
	c := correct.New(nil, p)
	for _, j := range jobs {
		if err := correct.CheckTVF(j.dwi.Data, j.tvf.Data); err != nil {
			return nil, errors.Wrapf(err, "%s", j.path)
		}
	}

	return d.run(ctx, jobs, func(j *job) (Output, error) {
		out := Output{Input: j.path}
		if err := d.correctAndSave(c, j, j.tvf.Data, &out); err != nil {
			return Output{}, err
		}
		return out, nil
	})
}

// prepare parses the protocol and loads every DWI volume, rejecting any that
// do not fit it, so that nothing is written for a bad batch.
func (d *Dry) prepare(dwiPaths []string, bfile, outDir string) (*protocol.Protocol, []*job, error) {
	if len(dwiPaths) == 0 {
		return nil, nil, errs.Validation("dwi", "no volumes given")
	}
	if bfile == "" {
		return nil, nil, errs.Validation("bfile", "no b-value file given")
	}
	if outDir == "" {
		outDir = "."
	}
	start := time.Now()
	p, err := protocol.Load(bfile)
	if err != nil {
		return nil, nil, err
	}
	d.record(func(s *utils.TimingStats) { s.ProtocolTime += time.Since(start) })

	jobs := make([]*job, len(dwiPaths))
	seen := make(map[string]string, len(dwiPaths))
	for i, path := range dwiPaths {
		base := volume.BaseName(path)
		if prev, ok := seen[base]; ok {
			return nil, nil, errs.Validation("dwi", "%s and %s would write to the same output folder", prev, path)
		}
		seen[base] = path

		v, err := d.load(path)
		if err != nil {
			return nil, nil, err
		}
		if shape := v.Data.Shape; len(shape) != 4 || shape[0] != p.Channels() {
			return nil, nil, errs.Validation("dwi", "%s has dims %v, protocol %s needs 4-D with %d channels",
				path, v.Dims(), bfile, p.Channels())
		}
		jobs[i] = &job{path: path, dir: filepath.Join(outDir, base), base: base, dwi: v}
	}
	return p, jobs, nil
}

func (d *Dry) load(path string) (*volume.Volume, error) {
	start := time.Now()
	v, err := volume.Load(path)
	if err != nil {
		return nil, err
	}
	d.record(func(s *utils.TimingStats) { s.LoadTime += time.Since(start) })
	return v, nil
}

// correctAndSave corrects j with tvf and writes the results named in out.
func (d *Dry) correctAndSave(c *correct.Corrector, j *job, tvf *tensor.Tensor, out *Output) error {
	start := time.Now()
	fwe, err := c.Correct(j.dwi.Data, tvf)
	if err != nil {
		return errors.Wrapf(err, "%s", j.path)
	}
	elapsed := time.Since(start)
	d.record(func(s *utils.TimingStats) { s.CorrectionTime += elapsed })
	perVoxel := utils.DurationUS(elapsed) / float64(tvf.Len())

	start = time.Now()
	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", j.dir)
	}
	if out.TVF != "" {
		if err := save(out.TVF, j.dwi, tvf); err != nil {
			return err
		}
	}
	out.FWE = filepath.Join(j.dir, j.base+FWESuffix)
	if err := save(out.FWE, j.dwi, fwe); err != nil {
		return err
	}
	d.record(func(s *utils.TimingStats) { s.SaveTime += time.Since(start) })
	utils.Logf("Corrected %s -> %s (%.2f µs/voxel)", j.path, j.dir, perVoxel)
	return nil
}

// save writes data under the geometry of ref.
func save(path string, ref *volume.Volume, data *tensor.Tensor) error {
	v, err := ref.WithData(data)
	if err != nil {
		return err
	}
	return volume.Save(path, v)
}

// run processes jobs on up to Config.Workers goroutines. Results keep the
// order of jobs; the first error is returned.
func (d *Dry) run(ctx context.Context, jobs []*job, fn func(*job) (Output, error)) ([]Output, error) {
	workers := d.Config.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	outputs := make([]Output, len(jobs))
	next := make(chan int)
	var firstErr error
	var mu sync.Mutex
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range next {
				if err := ctx.Err(); err != nil {
					fail(err)
					continue
				}
				out, err := fn(jobs[i])
				if err != nil {
					fail(err)
					continue
				}
				outputs[i] = out
			}
		}()
	}
	for i := range jobs {
		next <- i
	}
	close(next)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}
