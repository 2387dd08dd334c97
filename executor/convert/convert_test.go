package convert

import (
	"testing"

	"github.com/brensch/dqn2048/game"
	"github.com/stretchr/testify/require"
)

func TestGridToFloat64(t *testing.T) {
	g := game.MustFromRows([][]int{{0, 2}, {8, 1024}})

	require.Equal(t, []float64{0, 2, 8, 1024}, GridToFloat64(g, Raw, nil))
	require.Equal(t, []float64{0, 1, 3, 10}, GridToFloat64(g, Log2, nil))

	buf := make([]float64, 0, 16)
	out := GridToFloat64(g, Raw, buf)
	require.Len(t, out, 4)
	require.Equal(t, &buf[:1][0], &out[0], "reuses the provided buffer")
}

func TestGridToFloat32_Pooled(t *testing.T) {
	g := game.MustFromRows([][]int{
		{2, 0, 0},
		{0, 4, 0},
		{0, 0, 16},
	})
	ptr := GridToFloat32(g, Log2)
	require.Equal(t, []float32{1, 0, 0, 0, 2, 0, 0, 0, 4}, *ptr)
	PutFloatBuffer(ptr)

	// A recycled buffer is fully overwritten.
	ptr = GridToFloat32(game.MustFromRows([][]int{{0, 0, 0}, {0, 0, 0}, {0, 0, 2}}), Raw)
	require.Equal(t, []float32{0, 0, 0, 0, 0, 0, 0, 0, 2}, *ptr)
	PutFloatBuffer(ptr)

	// Different sizes use different pools.
	small := GridToFloat32(game.MustFromRows([][]int{{2, 2}, {2, 2}}), Raw)
	require.Len(t, *small, 4)
	PutFloatBuffer(small)
}

func TestParseEncoding(t *testing.T) {
	for _, enc := range []Encoding{Raw, Log2} {
		got, err := ParseEncoding(enc.String())
		require.NoError(t, err)
		require.Equal(t, enc, got)
	}
	got, err := ParseEncoding("")
	require.NoError(t, err)
	require.Equal(t, Raw, got)

	_, err = ParseEncoding("onehot")
	require.ErrorIs(t, err, game.ErrInvalidConfiguration)
	require.False(t, Encoding(9).Valid())
}

func BenchmarkGridToFloat32(b *testing.B) {
	g := game.MustFromRows([][]int{
		{2, 4, 8, 16},
		{32, 64, 128, 256},
		{512, 1024, 2048, 0},
		{0, 0, 0, 2},
	})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ptr := GridToFloat32(g, Log2)
		PutFloatBuffer(ptr)
	}
}
