package viewer

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/brensch/dqn2048/store"
)

// DBCache maintains a DuckDB connection whose episodes view is rebuilt
// periodically so new archive files become visible.
type DBCache struct {
	roots       []string
	refreshRate time.Duration

	mu          sync.RWMutex
	db          *sql.DB
	lastRefresh time.Time
}

func NewDBCache(roots []string, refreshRate time.Duration) *DBCache {
	return &DBCache{
		roots:       roots,
		refreshRate: refreshRate,
	}
}

// Get returns the cached DB connection, refreshing if needed.
func (c *DBCache) Get() (*sql.DB, error) {
	c.mu.RLock()
	if c.db != nil && time.Since(c.lastRefresh) < c.refreshRate {
		db := c.db
		c.mu.RUnlock()
		return db, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if c.db != nil && time.Since(c.lastRefresh) < c.refreshRate {
		return c.db, nil
	}
	return c.refreshLocked()
}

// Refresh forces the view to be rebuilt.
func (c *DBCache) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.refreshLocked()
	return err
}

func (c *DBCache) refreshLocked() (*sql.DB, error) {
	start := time.Now()

	newDB, files, err := openEpisodesDB(c.roots)
	if err != nil {
		return nil, err
	}
	if c.db != nil {
		_ = c.db.Close()
	}
	c.db = newDB
	c.lastRefresh = time.Now()

	log.Debug().Int("files", files).Dur("took", time.Since(start)).Msg("episode view refreshed")
	return c.db, nil
}

func (c *DBCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		err := c.db.Close()
		c.db = nil
		return err
	}
	return nil
}

const emptyEpisodesView = `CREATE OR REPLACE VIEW episodes AS
	SELECT * FROM (
		SELECT
			NULL::VARCHAR AS run_id,
			NULL::INTEGER AS episode,
			NULL::INTEGER AS grid_size,
			NULL::BIGINT AS score,
			NULL::BIGINT AS tile_score,
			NULL::INTEGER AS turns,
			NULL::INTEGER AS invalid_moves,
			NULL::FLOAT AS invalid_ratio,
			NULL::INTEGER AS max_tile,
			NULL::BOOLEAN AS trained,
			NULL::FLOAT AS mean_loss,
			NULL::FLOAT AS epsilon,
			NULL::FLOAT AS beta,
			NULL::BIGINT AS duration_ms,
			NULL::BIGINT AS ended_at_ms,
			NULL::INTEGER[] AS final_cells,
			NULL::VARCHAR AS source
	) WHERE 1=0`

// openEpisodesDB creates an in-memory DuckDB with an episodes view over every
// finished episode file under roots. Roots with no files yet are skipped so
// read_parquet never sees an empty glob.
func openEpisodesDB(roots []string) (*sql.DB, int, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, 0, err
	}
	// Basic pragmas; ignore errors for compatibility across versions.
	_, _ = db.Exec("PRAGMA threads=4")

	globs := make([]string, 0, len(roots))
	files := 0
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		glob := filepath.Join(root, store.EpisodesDir, "*.parquet")
		matches, err := filepath.Glob(glob)
		if err != nil || len(matches) == 0 {
			continue
		}
		files += len(matches)
		globs = append(globs, "'"+escapeSQLString(glob)+"'")
	}

	sqlText := emptyEpisodesView
	if len(globs) > 0 {
		sqlText = `CREATE OR REPLACE VIEW episodes AS
			SELECT * FROM read_parquet([` + strings.Join(globs, ",") + `], union_by_name=true)`
	}
	if _, err := db.Exec(sqlText); err != nil {
		_ = db.Close()
		return nil, 0, err
	}
	return db, files, nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// runFilter matches every run when the bound run id is empty.
const runFilter = `(?::VARCHAR = '' OR run_id = ?::VARCHAR)`

func queryRuns(ctx context.Context, db *sql.DB) ([]RunSummary, error) {
	rows, err := db.QueryContext(ctx, `SELECT
			run_id,
			COUNT(*)::BIGINT,
			COALESCE(MAX(episode), 0)::BIGINT,
			COALESCE(MAX(tile_score), 0)::BIGINT,
			COALESCE(MAX(max_tile), 0)::BIGINT,
			COALESCE(MAX(ended_at_ms), 0)::BIGINT AS last_ended
		FROM episodes
		GROUP BY run_id
		ORDER BY last_ended DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Episodes, &r.LastEpisode, &r.BestScore, &r.BestTile, &r.LastEndedMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func normalizeSort(sortKey string, sortDir string) (string, string) {
	sk := strings.ToLower(strings.TrimSpace(sortKey))
	sd := strings.ToLower(strings.TrimSpace(sortDir))
	if sd != "asc" && sd != "desc" {
		sd = "desc"
	}
	// Map user-facing keys to column names. Must be safe (no user input concatenated).
	switch sk {
	case "score", "tile_score":
		sk = "tile_score"
	case "merge_score":
		sk = "score"
	case "turns":
		sk = "turns"
	case "tile", "max_tile":
		sk = "max_tile"
	case "episode":
		sk = "episode"
	default:
		sk = "ended_at_ms"
	}
	return sk, sd
}

func queryEpisodes(ctx context.Context, db *sql.DB, runID string, limit, offset int, sortKey, sortDir string) (EpisodesResponse, error) {
	var resp EpisodesResponse
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*)::BIGINT FROM episodes WHERE `+runFilter, runID, runID).Scan(&resp.Total); err != nil {
		return resp, err
	}

	col, dir := normalizeSort(sortKey, sortDir)
	query := fmt.Sprintf(`SELECT
			run_id,
			episode::BIGINT,
			grid_size::BIGINT,
			score::BIGINT,
			tile_score::BIGINT,
			turns::BIGINT,
			invalid_moves::BIGINT,
			max_tile::BIGINT,
			trained,
			mean_loss::DOUBLE,
			epsilon::DOUBLE,
			ended_at_ms::BIGINT,
			final_cells,
			source
		FROM episodes
		WHERE %s
		ORDER BY %s %s, episode DESC
		LIMIT ? OFFSET ?`, runFilter, col, dir)
	rows, err := db.QueryContext(ctx, query, runID, runID, limit, offset)
	if err != nil {
		return resp, err
	}
	defer rows.Close()

	resp.Episodes = make([]EpisodeSummary, 0, limit)
	for rows.Next() {
		var e EpisodeSummary
		var cells any
		if err := rows.Scan(
			&e.RunID,
			&e.Episode,
			&e.GridSize,
			&e.Score,
			&e.TileScore,
			&e.Turns,
			&e.InvalidMoves,
			&e.MaxTile,
			&e.Trained,
			&e.MeanLoss,
			&e.Epsilon,
			&e.EndedAtMs,
			&cells,
			&e.Source,
		); err != nil {
			return resp, err
		}
		e.FinalCells = asInt32Slice(cells)
		resp.Episodes = append(resp.Episodes, e)
	}
	return resp, rows.Err()
}

// queryStats groups consecutive episodes of a run into buckets of
// bucketSize and averages each bucket.
func queryStats(ctx context.Context, db *sql.DB, runID string, bucketSize int64) ([]StatsPoint, error) {
	query := `WITH bucketed AS (
		SELECT
			*,
			(floor((episode - 1)::DOUBLE / ?::DOUBLE) * ?::DOUBLE + 1)::BIGINT AS first_episode
		FROM episodes
		WHERE ` + runFilter + `
	)
	SELECT
		first_episode,
		COUNT(*)::BIGINT,
		AVG(score)::DOUBLE,
		AVG(tile_score)::DOUBLE,
		AVG(turns)::DOUBLE,
		AVG(invalid_ratio)::DOUBLE,
		COALESCE(AVG(mean_loss) FILTER (WHERE trained), 0)::DOUBLE,
		MAX(max_tile)::BIGINT
	FROM bucketed
	GROUP BY first_episode
	ORDER BY first_episode ASC`

	rows, err := db.QueryContext(ctx, query, bucketSize, bucketSize, runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]StatsPoint, 0, 256)
	for rows.Next() {
		var p StatsPoint
		if err := rows.Scan(
			&p.FirstEpisode,
			&p.Episodes,
			&p.MeanScore,
			&p.MeanTileScore,
			&p.MeanTurns,
			&p.MeanInvalidRatio,
			&p.MeanLoss,
			&p.MaxTile,
		); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

func queryTiles(ctx context.Context, db *sql.DB, runID string) ([]TileCount, error) {
	rows, err := db.QueryContext(ctx, `SELECT max_tile::BIGINT AS tile, COUNT(*)::BIGINT
		FROM episodes
		WHERE `+runFilter+`
		GROUP BY tile
		ORDER BY tile ASC`, runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TileCount
	for rows.Next() {
		var tc TileCount
		if err := rows.Scan(&tc.Tile, &tc.Episodes); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
