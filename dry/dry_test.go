package dry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"dry/ann"
	"dry/arch"
	"dry/errs"
	"dry/protocol"
	"dry/tensor"
	"dry/utils"
	"dry/volume"
)

const singleShell = "0 1000 1000 1000 1000 1000"

func quiet(t *testing.T) {
	old := utils.Verbose
	utils.Verbose = false
	t.Cleanup(func() { utils.Verbose = old })
}

// chdir moves into dir for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func writeBvals(t *testing.T, dir, bvals string) string {
	t.Helper()
	path := filepath.Join(dir, "bvals")
	require.NoError(t, os.WriteFile(path, []byte(bvals+"\n"), 0644))
	return path
}

// writeDWI saves a [channels, 2, 3, 4] volume with a decaying signal.
func writeDWI(t *testing.T, dir, name string, channels int) string {
	t.Helper()
	data := tensor.New(channels, 2, 3, 4)
	voxels := data.Len() / channels
	for ch := 0; ch < channels; ch++ {
		for v := 0; v < voxels; v++ {
			data.Data[ch*voxels+v] = float64(100+v) / float64(ch+1)
		}
	}
	v, err := volume.New(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, volume.Save(path, v))
	return path
}

func writeTVF(t *testing.T, dir, name string, shape ...int) string {
	t.Helper()
	data := tensor.New(shape...)
	for i := range data.Data {
		data.Data[i] = 0.8
	}
	v, err := volume.New(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, volume.Save(path, v))
	return path
}

func untrainedModel(t *testing.T, bvals string) *Model {
	t.Helper()
	p, err := protocol.Parse(strings.NewReader(bvals))
	require.NoError(t, err)
	d, err := arch.Build(p.Channels(), p.Shells())
	require.NoError(t, err)
	return &Model{
		ID:       "test",
		Protocol: p,
		Arch:     d,
		Net:      ann.NewNetwork(ann.Config{Arch: d, Activator: ann.ReLU{}}, rand.NewSource(3)),
	}
}

func fastConfig() utils.Config {
	c := utils.DefaultConfig()
	c.Samples = 300
	c.Epochs = 2
	c.MaxAttempts = 2
	c.Threshold = 1
	c.Workers = 2
	return c
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	require.NoError(t, filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, rel)
		}
		return nil
	}))
	return files
}

func TestTrainAndCorrectWritesSixFiles(t *testing.T) {
	quiet(t)
	in := t.TempDir()
	bfile := writeBvals(t, in, singleShell)
	dwis := []string{
		writeDWI(t, in, "a.nii", 6),
		writeDWI(t, in, "b.nii.gz", 6),
		writeDWI(t, in, "c.nii", 6),
	}

	d := New(fastConfig())
	d.Stats = &utils.TimingStats{}
	m, err := d.TrainModel(context.Background(), bfile)
	require.NoError(t, err)
	assert.Equal(t, 6, m.Arch.Inputs())
	assert.LessOrEqual(t, m.MAE, 1.0)
	assert.NotEmpty(t, m.ID)

	out := t.TempDir()
	chdir(t, out)
	outputs, err := d.CorrectFWE(context.Background(), dwis, m, bfile, "")
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.Equal(t, filepath.Join("b", "b_tvf.nii"), outputs[1].TVF)

	files := listFiles(t, out)
	assert.ElementsMatch(t, []string{
		filepath.Join("a", "a_tvf.nii"), filepath.Join("a", "a_fwe.nii"),
		filepath.Join("b", "b_tvf.nii"), filepath.Join("b", "b_fwe.nii"),
		filepath.Join("c", "c_tvf.nii"), filepath.Join("c", "c_fwe.nii"),
	}, files)

	tvf, err := volume.Load(filepath.Join(out, "a", "a_tvf.nii"))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, tvf.Data.Shape)
	for _, f := range tvf.Data.Data {
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 1.0)
	}
	fwe, err := volume.Load(filepath.Join(out, "c", "c_fwe.nii"))
	require.NoError(t, err)
	assert.Equal(t, []int{6, 2, 3, 4}, fwe.Data.Shape)

	assert.Greater(t, d.Stats.FitTime.Nanoseconds(), int64(0))
	assert.Greater(t, d.Stats.SaveTime.Nanoseconds(), int64(0))
}

func TestMismatchedInputsWriteNothing(t *testing.T) {
	quiet(t)
	in := t.TempDir()
	out := t.TempDir()
	bfile := writeBvals(t, in, singleShell)
	good := writeDWI(t, in, "good.nii", 6)
	wrongChannels := writeDWI(t, in, "wrong.nii", 4)

	_, err := CorrectFWE(context.Background(), []string{good, wrongChannels}, untrainedModel(t, singleShell), bfile, out)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	tvf := writeTVF(t, in, "tvf.nii", 2, 3, 5)
	_, err = CorrectFWEWithTVF(context.Background(), []string{good}, []string{tvf}, bfile, out)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	tvf4 := writeTVF(t, in, "tvf4.nii", 2, 2, 3, 4)
	_, err = CorrectFWEWithTVF(context.Background(), []string{good}, []string{tvf4}, bfile, out)
	assert.True(t, errs.IsValidation(err), "multi-channel TVF")

	assert.Empty(t, listFiles(t, out))
}

func TestSaveModelWithoutModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")

	err := SaveModel(path, nil)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	err = SaveModel(path, &Model{ID: "empty"})
	assert.True(t, errs.IsValidation(err))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveLoadModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	m := untrainedModel(t, singleShell)
	m.MAE = 0.07

	require.NoError(t, SaveModel(path, m))
	loaded, err := LoadModel(path)
	require.NoError(t, err)

	assert.Equal(t, "test", loaded.ID)
	assert.Equal(t, 0.07, loaded.MAE)
	assert.Equal(t, m.Protocol.BValues(), loaded.Protocol.BValues())
	assert.True(t, m.Arch.Equal(loaded.Arch))
	signal := []float64{1, 0.4, 0.3, 0.35, 0.5, 0.2}
	assert.Equal(t, m.Net.Predict(signal), loaded.Net.Predict(signal))
}

func TestLoadModelErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadModel("")
	assert.True(t, errs.IsValidation(err))

	_, err = LoadModel(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version":"0.1"}`), 0644))
	_, err = LoadModel(bad)
	assert.Error(t, err)

	// b-values that disagree with the network input size
	m := untrainedModel(t, singleShell)
	m.Protocol, err = protocol.New([]float64{0, 1000})
	require.NoError(t, err)
	path := filepath.Join(dir, "model.json")
	require.NoError(t, SaveModel(path, m))
	_, err = LoadModel(path)
	assert.True(t, errs.IsValidation(err))
}

func TestCorrectWithSharedTVF(t *testing.T) {
	quiet(t)
	in := t.TempDir()
	out := t.TempDir()
	bfile := writeBvals(t, in, singleShell)
	dwis := []string{writeDWI(t, in, "x.nii", 6), writeDWI(t, in, "y.nii", 6)}
	tvf := writeTVF(t, in, "tvf.nii", 2, 3, 4)

	outputs, err := CorrectFWEWithTVF(context.Background(), dwis, []string{tvf}, bfile, out)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	for _, o := range outputs {
		assert.Empty(t, o.TVF)
	}
	assert.ElementsMatch(t, []string{
		filepath.Join("x", "x_fwe.nii"),
		filepath.Join("y", "y_fwe.nii"),
	}, listFiles(t, out))

	_, err = CorrectFWEWithTVF(context.Background(), dwis, []string{tvf, tvf, tvf}, bfile, out)
	assert.True(t, errs.IsValidation(err), "TVF count must match")
}

func TestCorrectValidation(t *testing.T) {
	in := t.TempDir()
	bfile := writeBvals(t, in, singleShell)
	dwi := writeDWI(t, in, "v.nii", 6)
	m := untrainedModel(t, singleShell)
	ctx := context.Background()

	_, err := CorrectFWE(ctx, []string{dwi}, nil, bfile, in)
	assert.True(t, errs.IsValidation(err), "no model")

	_, err = CorrectFWE(ctx, nil, m, bfile, in)
	assert.True(t, errs.IsValidation(err), "no volumes")

	_, err = CorrectFWE(ctx, []string{dwi}, m, "", in)
	assert.True(t, errs.IsValidation(err), "no bfile")

	_, err = CorrectFWE(ctx, []string{dwi, dwi}, m, bfile, in)
	assert.True(t, errs.IsValidation(err), "duplicate outputs")

	_, err = CorrectFWE(ctx, []string{dwi}, untrainedModel(t, "0 1000 2000"), bfile, in)
	assert.True(t, errs.IsValidation(err), "model/protocol mismatch")

	_, err = CorrectFWE(ctx, []string{dwi}, m, filepath.Join(in, "nope"), in)
	assert.True(t, errs.IsProtocol(err))

	_, err = CorrectFWEWithTVF(ctx, []string{dwi}, nil, bfile, in)
	assert.True(t, errs.IsValidation(err), "no TVF")
}

func TestCorrectHonoursCancellation(t *testing.T) {
	quiet(t)
	in := t.TempDir()
	out := t.TempDir()
	bfile := writeBvals(t, in, singleShell)
	dwi := writeDWI(t, in, "v.nii", 6)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CorrectFWE(ctx, []string{dwi}, untrainedModel(t, singleShell), bfile, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listFiles(t, out))
}

func TestTrainModelValidation(t *testing.T) {
	_, err := TrainModel(context.Background(), "", fastConfig())
	assert.True(t, errs.IsValidation(err))

	bfile := writeBvals(t, t.TempDir(), singleShell)
	c := fastConfig()
	c.Activator = "softsign"
	_, err = TrainModel(context.Background(), bfile, c)
	assert.True(t, errs.IsValidation(err))

	c = fastConfig()
	c.Epochs = 0
	_, err = TrainModel(context.Background(), bfile, c)
	assert.True(t, errs.IsValidation(err))

	bad := writeBvals(t, t.TempDir(), "0 1000 abc")
	_, err = TrainModel(context.Background(), bad, fastConfig())
	assert.True(t, errs.IsProtocol(err))
}
