package inference

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/executor/qnet"
	"github.com/brensch/dqn2048/game"
)

func TestOpenModel_Checkpoint(t *testing.T) {
	net, err := qnet.New(3, convert.Log2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.gob")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, net.Save(f))
	require.NoError(t, f.Close())

	m, err := OpenModel(ModelSource{CheckpointPath: path})
	require.NoError(t, err)
	defer m.Close()

	g := game.MustFromRows([][]int{{2, 0, 4}, {0, 8, 0}, {16, 0, 2}})
	want, err := net.Predict(g)
	require.NoError(t, err)
	got, err := m.Predict(g)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestOpenModel_Errors(t *testing.T) {
	_, err := OpenModel(ModelSource{})
	require.ErrorIs(t, err, game.ErrInvalidConfiguration)

	_, err = OpenModel(ModelSource{CheckpointPath: filepath.Join(t.TempDir(), "missing.gob")})
	require.ErrorIs(t, err, os.ErrNotExist)

	garbage := filepath.Join(t.TempDir(), "garbage.gob")
	require.NoError(t, os.WriteFile(garbage, []byte("not a checkpoint"), 0o644))
	_, err = OpenModel(ModelSource{CheckpointPath: garbage})
	require.Error(t, err)

	_, err = OpenModel(ModelSource{ONNXPath: filepath.Join(t.TempDir(), "missing.onnx"), Onnx: OnnxClientConfig{GridSize: 4}})
	require.ErrorIs(t, err, os.ErrNotExist)
}
