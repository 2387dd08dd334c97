package store

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/brensch/dqn2048/game"
	"github.com/stretchr/testify/require"
)

func sampleEpisodes(runID string, n int) []EpisodeRow {
	rows := make([]EpisodeRow, n)
	for i := range rows {
		rows[i] = EpisodeRow{
			RunID:        runID,
			Episode:      int32(i + 1),
			GridSize:     4,
			Score:        int64(100 * (i + 1)),
			TileScore:    int64(40 + i),
			Turns:        int32(50 + i),
			InvalidMoves: int32(i),
			InvalidRatio: float32(i) / float32(50+i),
			MaxTile:      64,
			Trained:      i > 0,
			MeanLoss:     0.5,
			Epsilon:      0.15,
			Beta:         0.4,
			FinalCells:   []int32{2, 4, 8, 16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2},
			Source:       "train",
		}
	}
	return rows
}

func TestWriteEpisodes_RoundTrip(t *testing.T) {
	root := t.TempDir()
	rows := sampleEpisodes("run-a", 5)

	path, err := WriteEpisodes(root, rows)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, EpisodesDir), filepath.Dir(path))

	tmpEntries, err := os.ReadDir(filepath.Join(root, EpisodesDir, "tmp"))
	require.NoError(t, err)
	require.Empty(t, tmpEntries)

	_, err = WriteEpisodes(root, sampleEpisodes("run-b", 2))
	require.NoError(t, err)

	got, err := ReadEpisodes(root)
	require.NoError(t, err)
	require.Len(t, got, 7)

	sort.Slice(got, func(i, j int) bool {
		if got[i].RunID != got[j].RunID {
			return got[i].RunID < got[j].RunID
		}
		return got[i].Episode < got[j].Episode
	})
	require.Equal(t, rows, got[:5])
}

func TestMoveWriter_StreamsAndFinalizes(t *testing.T) {
	root := t.TempDir()
	w, err := NewMoveWriter(root)
	require.NoError(t, err)

	for ep := int32(1); ep <= 3; ep++ {
		rows := []MoveRow{
			{RunID: "r", Episode: ep, Turn: 1, Cells: []int32{2, 0, 0, 2}, Action: 0, Reward: 0.1, Score: 4, Spawned: 1, QValues: []float32{1, 2, 3, 4}},
			{RunID: "r", Episode: ep, Turn: 2, Cells: []int32{4, 2, 0, 0}, Action: 2, Reward: -1, Invalid: true, Spawned: -1},
		}
		require.NoError(t, w.WriteRows(rows))
		w.NoteEpisodeWritten()
	}
	require.Equal(t, 6, w.BufferedRows())
	require.Equal(t, 3, w.BufferedEpisodes())

	// Nothing is visible to readers until Finalize.
	_, err = os.Stat(w.OutPath())
	require.True(t, os.IsNotExist(err))

	out, rows, episodes, err := w.Finalize()
	require.NoError(t, err)
	require.Equal(t, w.OutPath(), out)
	require.Equal(t, 6, rows)
	require.Equal(t, 3, episodes)

	got, err := ReadMoves(root)
	require.NoError(t, err)
	require.Len(t, got, 6)
	require.Equal(t, []float32{1, 2, 3, 4}, got[0].QValues)
	require.True(t, got[1].Invalid)

	require.Error(t, w.WriteRows(got))
	out, _, _, err = w.Finalize()
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestMoveWriter_EmptyLeavesNoFile(t *testing.T) {
	root := t.TempDir()
	w, err := NewMoveWriter(root)
	require.NoError(t, err)
	out, rows, _, err := w.Finalize()
	require.NoError(t, err)
	require.Empty(t, out)
	require.Zero(t, rows)

	_, err = os.Stat(w.TmpPath())
	require.True(t, os.IsNotExist(err))
	got, err := ReadMoves(root)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGridCellsConversion(t *testing.T) {
	g := game.MustFromRows([][]int{{2, 0}, {0, 1024}})
	cells := CellsFromGrid(g)
	require.Equal(t, []int32{2, 0, 0, 1024}, cells)

	back, err := GridFromCells(cells)
	require.NoError(t, err)
	require.True(t, g.Equal(back))

	_, err = GridFromCells([]int32{2, 0, 0})
	require.ErrorIs(t, err, game.ErrInvalidConfiguration)
	_, err = GridFromCells([]int32{3, 0, 0, 0})
	require.ErrorIs(t, err, game.ErrInvalidTile)
}
