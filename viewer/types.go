package viewer

type RunSummary struct {
	RunID       string `json:"run_id"`
	Episodes    int64  `json:"episodes"`
	LastEpisode int64  `json:"last_episode"`
	BestScore   int64  `json:"best_score"`
	BestTile    int64  `json:"best_tile"`
	LastEndedMs int64  `json:"last_ended_ms"`
}

type EpisodeSummary struct {
	RunID        string  `json:"run_id"`
	Episode      int64   `json:"episode"`
	GridSize     int64   `json:"grid_size"`
	Score        int64   `json:"score"`
	TileScore    int64   `json:"tile_score"`
	Turns        int64   `json:"turns"`
	InvalidMoves int64   `json:"invalid_moves"`
	MaxTile      int64   `json:"max_tile"`
	Trained      bool    `json:"trained"`
	MeanLoss     float64 `json:"mean_loss"`
	Epsilon      float64 `json:"epsilon"`
	EndedAtMs    int64   `json:"ended_at_ms"`
	FinalCells   []int32 `json:"final_cells"`
	Source       string  `json:"source"`
}

type EpisodesResponse struct {
	Total    int64            `json:"total"`
	Episodes []EpisodeSummary `json:"episodes"`
}

// StatsPoint aggregates a fixed-width bucket of consecutive episodes.
type StatsPoint struct {
	FirstEpisode     int64   `json:"first_episode"`
	Episodes         int64   `json:"episodes"`
	MeanScore        float64 `json:"mean_score"`
	MeanTileScore    float64 `json:"mean_tile_score"`
	MeanTurns        float64 `json:"mean_turns"`
	MeanInvalidRatio float64 `json:"mean_invalid_ratio"`
	MeanLoss         float64 `json:"mean_loss"`
	MaxTile          int64   `json:"max_tile"`
}

type StatsResponse struct {
	RunID      string       `json:"run_id"`
	BucketSize int64        `json:"bucket_size"`
	Points     []StatsPoint `json:"points"`
}

type TileCount struct {
	Tile     int64 `json:"tile"`
	Episodes int64 `json:"episodes"`
}

type ActRequest struct {
	Grid [][]int `json:"grid"`
}

type ActResponse struct {
	Action    int       `json:"action"`
	Direction string    `json:"direction"`
	QValues   []float64 `json:"q_values"`
	Valid     []string  `json:"valid"`
	Terminal  bool      `json:"terminal"`
}

// LiveEvent is the message pushed to websocket clients for every training
// snapshot.
type LiveEvent struct {
	Status       string  `json:"status"`
	Episode      int     `json:"episode"`
	Score        int     `json:"score"`
	TileScore    int     `json:"tile_score"`
	Turns        int     `json:"turns"`
	InvalidMoves int     `json:"invalid_moves"`
	MaxTile      int     `json:"max_tile"`
	Trained      bool    `json:"trained"`
	MeanLoss     float64 `json:"mean_loss"`
	Epsilon      float64 `json:"epsilon"`
	Beta         float64 `json:"beta"`
	BestScore    int     `json:"best_score"`
	BestTile     int     `json:"best_tile"`
	MemorySize   int     `json:"memory_size"`
	Grid         [][]int `json:"grid,omitempty"`
	Checkpoint   string  `json:"checkpoint,omitempty"`
	Error        string  `json:"error,omitempty"`
}
