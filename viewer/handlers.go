// Package viewer serves archived training statistics, a live training feed
// and the agent's recommended move for arbitrary grids.
package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brensch/dqn2048/executor/agent"
	"github.com/brensch/dqn2048/executor/qnet"
	"github.com/brensch/dqn2048/executor/selfplay"
	"github.com/brensch/dqn2048/game"
	"github.com/brensch/dqn2048/rules"
)

const defaultBucketSize = 50

type Options struct {
	// Roots are archive directories containing an episodes/ subdirectory.
	Roots        []string
	RefreshEvery time.Duration
	// Predictor backs /api/act. Without one the endpoint answers 503.
	Predictor agent.Predictor
	// StaticDir is served as a single page app when set.
	StaticDir string
}

// Server holds shared state for HTTP handlers.
type Server struct {
	dbCache *DBCache
	hub     *Hub

	predictMu sync.Mutex
	predictor agent.Predictor
	staticDir string
}

func NewServer(opts Options) *Server {
	refresh := opts.RefreshEvery
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &Server{
		dbCache:   NewDBCache(opts.Roots, refresh),
		hub:       NewHub(),
		predictor: opts.Predictor,
		staticDir: opts.StaticDir,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Publish pushes a training snapshot to live clients.
func (s *Server) Publish(snap selfplay.Snapshot) error {
	return s.hub.Broadcast(EventFromSnapshot(snap))
}

func (s *Server) Close() error {
	s.hub.Close()
	return s.dbCache.Close()
}

// Handler returns the routes wrapped in an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	if s.staticDir != "" {
		mux.Handle("/", spaHandler{staticPath: s.staticDir, indexPath: filepath.Join(s.staticDir, "index.html")})
	}
	return mux
}

// RegisterRoutes sets up all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/episodes", s.handleEpisodes)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/tiles", s.handleTiles)
	mux.HandleFunc("/api/act", s.handleAct)
	mux.Handle("/ws", s.hub)
}

// allow handles CORS preflight and method checks. It reports whether the
// handler should continue.
func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	withCORS(w, r)
	if r.Method == http.MethodOptions {
		return false
	}
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	db, err := s.dbCache.Get()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	runs, err := queryRuns(r.Context(), db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []RunSummary{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	// Force a refresh so the newest archive files are visible.
	if err := s.dbCache.Refresh(); err != nil {
		http.Error(w, fmt.Sprintf("failed to refresh db: %v", err), http.StatusInternalServerError)
		return
	}
	db, err := s.dbCache.Get()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	limit := parseIntQuery(r, "limit", 100)
	offset := parseIntQuery(r, "offset", 0)
	resp, err := queryEpisodes(r.Context(), db, strings.TrimSpace(q.Get("run_id")), limit, offset, q.Get("sort"), q.Get("dir"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	bucket := int64(parseIntQuery(r, "bucket", defaultBucketSize))
	if bucket <= 0 {
		bucket = defaultBucketSize
	}
	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))

	db, err := s.dbCache.Get()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	points, err := queryStats(r.Context(), db, runID, bucket)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, StatsResponse{RunID: runID, BucketSize: bucket, Points: points})
}

func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	db, err := s.dbCache.Get()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tiles, err := queryTiles(r.Context(), db, strings.TrimSpace(r.URL.Query().Get("run_id")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tiles == nil {
		tiles = []TileCount{}
	}
	writeJSON(w, tiles)
}

func (s *Server) handleAct(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.predictor == nil {
		http.Error(w, "no model loaded", http.StatusServiceUnavailable)
		return
	}

	var req ActRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	grid, err := game.FromRows(req.Grid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.predictMu.Lock()
	d, q, err := agent.Greedy(s.predictor, grid, rules.InvalidActions(grid))
	s.predictMu.Unlock()
	switch {
	case errors.Is(err, qnet.ErrModelMismatch), errors.Is(err, game.ErrInvalidConfiguration):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	valid := rules.ValidActions(grid)
	names := make([]string, len(valid))
	for i, v := range valid {
		names[i] = v.String()
	}
	writeJSON(w, ActResponse{
		Action:    int(d),
		Direction: d.String(),
		QValues:   q,
		Valid:     names,
		Terminal:  rules.IsTerminal(grid),
	})
}

// EventFromSnapshot flattens a trainer snapshot for the live feed.
func EventFromSnapshot(s selfplay.Snapshot) LiveEvent {
	ev := LiveEvent{
		Status:       s.Status,
		Episode:      s.Episode,
		Score:        s.Stats.Score,
		TileScore:    s.Stats.TileScore,
		Turns:        s.Stats.Turns,
		InvalidMoves: s.Stats.InvalidMoves,
		MaxTile:      s.Stats.MaxTile,
		Trained:      s.Stats.Trained,
		MeanLoss:     s.Stats.MeanLoss,
		Epsilon:      s.Stats.Epsilon,
		Beta:         s.Stats.Beta,
		BestScore:    s.BestScore,
		BestTile:     s.BestTile,
		MemorySize:   s.MemorySize,
		Checkpoint:   s.Checkpoint,
	}
	if s.Stats.FinalGrid.Size > 0 {
		ev.Grid = s.Stats.FinalGrid.Rows()
	}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	return ev
}
