package inference

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/game"
	"github.com/brensch/dqn2048/rules"
	"github.com/stretchr/testify/require"
)

// testModel locates an exported model; tests that need one skip without it.
func testModel(tb testing.TB) string {
	tb.Helper()
	candidates := []string{
		"../../models/qnet_4x4.onnx",
		"../../models/qnet.onnx",
	}
	if p := os.Getenv("DQN2048_ONNX_MODEL"); p != "" {
		candidates = append([]string{p}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	tb.Skip("ONNX model not found; set DQN2048_ONNX_MODEL to run")
	return ""
}

func TestNewOnnxClient_ValidatesBeforeLoading(t *testing.T) {
	_, err := NewOnnxClient("missing.onnx", 1)
	require.ErrorIs(t, err, game.ErrInvalidConfiguration)

	_, err = NewOnnxClientWithConfig("missing.onnx", OnnxClientConfig{GridSize: 4, Encoding: convert.Encoding(5)})
	require.ErrorIs(t, err, game.ErrInvalidConfiguration)

	_, err = NewOnnxClient(filepath.Join(t.TempDir(), "missing.onnx"), 4)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOnnxClient_ConcurrentPredict(t *testing.T) {
	model := testModel(t)
	c, err := NewOnnxClientWithConfig(model, OnnxClientConfig{GridSize: 4, BatchSize: 8})
	if err != nil {
		t.Skipf("ORT unavailable: %v", err)
	}
	defer c.Close()

	rng := rand.New(rand.NewSource(1))
	grids := make([]game.Grid, 16)
	for i := range grids {
		grids[i], err = rules.NewGrid(4, rng)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([][]float64, len(grids))
	errs := make([]error, len(grids))
	for i := range grids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Predict(grids[i])
		}(i)
	}
	wg.Wait()
	for i := range grids {
		require.NoError(t, errs[i])
		require.Len(t, results[i], Outputs)
	}

	// Batching must not change per-grid answers.
	again, err := c.Predict(grids[3])
	require.NoError(t, err)
	require.InDeltaSlice(t, results[3], again, 1e-5)

	st := c.Stats()
	require.Equal(t, int64(len(grids)+1), st.TotalItems)

	_, err = c.Predict(game.MustFromRows([][]int{{2, 0}, {0, 0}}))
	require.ErrorIs(t, err, game.ErrInvalidConfiguration)

	require.NoError(t, c.Close())
	_, err = c.Predict(grids[0])
	require.ErrorIs(t, err, ErrClosed)
}

func BenchmarkOnnxPredict(b *testing.B) {
	model := testModel(b)
	c, err := NewOnnxClient(model, 4)
	if err != nil {
		b.Skipf("ORT unavailable: %v", err)
	}
	defer c.Close()

	g, err := rules.NewGrid(4, rand.New(rand.NewSource(1)))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Predict(g); err != nil {
				b.Fatal(err)
			}
		}
	})
}
