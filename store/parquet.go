package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

const (
	EpisodeSchema = "episode_row_v1"
	MoveSchema    = "move_row_v1"
)

// Subdirectories of an archive root.
const (
	EpisodesDir = "episodes"
	MovesDir    = "moves"
)

func writeOptions(schema string) []parquet.WriterOption {
	return []parquet.WriterOption{
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", schema),
	}
}

// WriteBatchParquetAtomic writes rows into outDir/tmp and then renames the
// file into outDir, so readers globbing outDir/*.parquet never observe a
// partial file. The returned path is the final file.
func WriteBatchParquetAtomic[T any](outDir, schema string, rows []T) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	tmpDir := filepath.Join(outDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	finalPath := filepath.Join(outDir, name)
	tmpPath := filepath.Join(tmpDir, name+".tmp")
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows, writeOptions(schema)...); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename parquet: %w", err)
	}
	return finalPath, nil
}

func WriteEpisodes(root string, rows []EpisodeRow) (string, error) {
	return WriteBatchParquetAtomic(filepath.Join(root, EpisodesDir), EpisodeSchema, rows)
}

func WriteMoves(root string, rows []MoveRow) (string, error) {
	return WriteBatchParquetAtomic(filepath.Join(root, MovesDir), MoveSchema, rows)
}

// ReadEpisodes loads every finished episode file under root.
func ReadEpisodes(root string) ([]EpisodeRow, error) {
	return readAll[EpisodeRow](filepath.Join(root, EpisodesDir))
}

func ReadMoves(root string) ([]MoveRow, error) {
	return readAll[MoveRow](filepath.Join(root, MovesDir))
}

func readAll[T any](dir string) ([]T, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return nil, err
	}
	var out []T
	for _, p := range paths {
		rows, err := parquet.ReadFile[T](p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}
