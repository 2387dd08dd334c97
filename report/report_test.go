package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRollingMean(t *testing.T) {
	got := RollingMean([]float64{2, 4, 6, 8, 10}, 2)
	require.Equal(t, []float64{2, 3, 5, 7, 9}, got)

	got = RollingMean([]float64{1, 2, 3}, 10)
	require.Equal(t, []float64{1, 1.5, 2}, got)

	got = RollingMean([]float64{5, 7}, 0)
	require.Equal(t, []float64{5, 7}, got)

	require.Empty(t, RollingMean(nil, 3))
}

func TestWriteTrainingCurves(t *testing.T) {
	dir := t.TempDir()
	h := History{
		Scores:        []float64{100, 300, 250, 400, 380, 500},
		Losses:        []float64{0.5, 0.2, 0.0, 0.1},
		Turns:         []float64{80, 120, 110, 150, 140, 170},
		InvalidRatios: nil,
	}
	written, err := WriteTrainingCurves(dir, h, 3)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "score.png"),
		filepath.Join(dir, "loss.png"),
		filepath.Join(dir, "turns.png"),
	}, written)

	pngMagic := []byte{0x89, 'P', 'N', 'G'}
	for _, p := range written {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		require.True(t, bytes.HasPrefix(b, pngMagic), p)
	}
}

func TestWriteCurve_Empty(t *testing.T) {
	err := WriteCurve(filepath.Join(t.TempDir(), "x.png"), Curve{Title: "empty"})
	require.Error(t, err)
}

func TestWriteCurve_LogScaleFlatSeries(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]float64{
		"single":   {0.0079},
		"constant": {0.5, 0.5, 0.5},
		"zeros":    {0, 0},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".png")
			require.NoError(t, WriteCurve(path, Curve{Title: name, Values: values, Window: 2, LogScale: true}))
			require.FileExists(t, path)
		})
	}
}

func TestLogRange(t *testing.T) {
	lo, hi := logRange([]float64{0.5, 0.5})
	require.InDelta(t, 0.05, lo, 1e-12)
	require.InDelta(t, 5, hi, 1e-12)

	lo, hi = logRange([]float64{0.2, 3, 0.01})
	require.Equal(t, 0.01, lo)
	require.Equal(t, 3.0, hi)
}
