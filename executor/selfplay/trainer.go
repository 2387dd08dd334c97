// Package selfplay drives the agent through games of 2048 and trains it
// between episodes.
package selfplay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brensch/dqn2048/executor/agent"
	"github.com/brensch/dqn2048/executor/replay"
	"github.com/brensch/dqn2048/game"
	"github.com/brensch/dqn2048/report"
	"github.com/brensch/dqn2048/rules"
	"github.com/brensch/dqn2048/store"
)

const (
	StatusEpisodeComplete = "episode_complete"
	StatusDone            = "done"
	StatusCancelled       = "cancelled"
	StatusFailed          = "failed"
)

type Config struct {
	// Episodes to play. Zero runs until the context is cancelled.
	Episodes int
	// BatchSize is the number of transitions replayed after each episode.
	BatchSize int
	// WarmupEpisodes are played without training to fill replay memory.
	WarmupEpisodes  int
	TargetSyncEvery int

	CheckpointEvery int
	CheckpointPath  string
	// Resume loads CheckpointPath before training when it exists.
	Resume bool

	ReportEvery  int
	ReportDir    string
	ReportWindow int

	// MaxTurns caps a single game. Zero means no cap.
	MaxTurns int
	// RecordMoves attaches per-move rows, including the online network's
	// Q-values, to every episode snapshot.
	RecordMoves bool
	RunID       string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       128,
		WarmupEpisodes:  128,
		TargetSyncEvery: 50,
		CheckpointEvery: 250,
		ReportEvery:     250,
		ReportWindow:    20,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Episodes < 0:
		return fmt.Errorf("%w: episodes %d", game.ErrInvalidConfiguration, c.Episodes)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size %d", game.ErrInvalidConfiguration, c.BatchSize)
	case c.WarmupEpisodes < 0:
		return fmt.Errorf("%w: warmup episodes %d", game.ErrInvalidConfiguration, c.WarmupEpisodes)
	case c.TargetSyncEvery < 0, c.CheckpointEvery < 0, c.ReportEvery < 0:
		return fmt.Errorf("%w: intervals must not be negative", game.ErrInvalidConfiguration)
	case c.MaxTurns < 0:
		return fmt.Errorf("%w: max turns %d", game.ErrInvalidConfiguration, c.MaxTurns)
	case c.Resume && c.CheckpointPath == "":
		return fmt.Errorf("%w: resume needs a checkpoint path", game.ErrInvalidConfiguration)
	}
	return nil
}

// Snapshot is emitted after every episode and once more when the run stops.
type Snapshot struct {
	Status  string
	Episode int
	Stats   EpisodeStats
	// Moves is only populated when RecordMoves is set.
	Moves []store.MoveRow

	EpisodesCompleted int
	TotalTurns        int
	BestScore         int
	BestTile          int
	MemorySize        int

	// Checkpoint and Reports name the files written after this episode.
	Checkpoint string
	Reports    []string

	Err error
}

// Trainer owns the agent for the duration of Run. Nothing else may use the
// agent while Run is in progress.
type Trainer struct {
	cfg   Config
	agent *agent.Agent
	rng   *rand.Rand

	history           history
	episodesCompleted int
	totalTurns        int
	bestScore         int
	bestTile          int
}

// NewTrainer validates cfg and, when resuming, restores the agent from its
// checkpoint. A nil rng uses ambient entropy for tile spawns.
func NewTrainer(cfg Config, a *agent.Agent, rng *rand.Rand) (*Trainer, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil agent", game.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReportWindow <= 0 {
		cfg.ReportWindow = 20
	}
	if rng == nil {
		rng = rules.NewRand()
	}
	if cfg.Resume {
		err := a.Load(cfg.CheckpointPath)
		switch {
		case err == nil:
			log.Info().Str("path", cfg.CheckpointPath).Msg("resumed from checkpoint")
		case errors.Is(err, os.ErrNotExist):
			log.Info().Str("path", cfg.CheckpointPath).Msg("no checkpoint yet, starting fresh")
		default:
			return nil, err
		}
	}
	return &Trainer{cfg: cfg, agent: a, rng: rng}, nil
}

// History returns the series plotted in training reports.
func (t *Trainer) History() report.History { return t.history.snapshot() }

// Run plays episodes on a background goroutine. The returned channel is
// closed after the final snapshot; callers must drain it.
func (t *Trainer) Run(ctx context.Context) <-chan Snapshot {
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		for episode := 1; t.cfg.Episodes == 0 || episode <= t.cfg.Episodes; episode++ {
			if ctx.Err() != nil {
				t.finish(StatusCancelled, episode-1, out)
				return
			}
			snap, err := t.runEpisode(ctx, episode)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				t.finish(StatusCancelled, episode-1, out)
				return
			}
			if err != nil {
				log.Error().Err(err).Int("episode", episode).Msg("training failed")
				snap.Status = StatusFailed
				snap.Err = err
				out <- snap
				return
			}
			out <- snap
		}
		t.finish(StatusDone, t.episodesCompleted, out)
	}()
	return out
}

// finish writes a last checkpoint and report, then emits the closing
// snapshot.
func (t *Trainer) finish(status string, episode int, out chan<- Snapshot) {
	snap := t.snapshot(status, episode)
	if t.episodesCompleted > 0 {
		if path, err := t.checkpoint(); err != nil {
			snap.Err = err
		} else {
			snap.Checkpoint = path
		}
		files, err := t.writeReport()
		snap.Reports = files
		if err != nil && snap.Err == nil {
			snap.Err = err
		}
	}
	log.Info().
		Str("status", status).
		Int("episodes", t.episodesCompleted).
		Int("best_score", t.bestScore).
		Int("best_tile", t.bestTile).
		Msg("training stopped")
	out <- snap
}

func (t *Trainer) snapshot(status string, episode int) Snapshot {
	return Snapshot{
		Status:            status,
		Episode:           episode,
		EpisodesCompleted: t.episodesCompleted,
		TotalTurns:        t.totalTurns,
		BestScore:         t.bestScore,
		BestTile:          t.bestTile,
		MemorySize:        t.agent.Memory().Len(),
	}
}

func (t *Trainer) runEpisode(ctx context.Context, episode int) (Snapshot, error) {
	stats, moves, err := t.playEpisode(ctx, episode)
	if err != nil {
		return t.snapshot(StatusFailed, episode), err
	}

	if episode > t.cfg.WarmupEpisodes {
		loss, err := t.agent.Replay(t.cfg.BatchSize)
		switch {
		case err == nil:
			stats.Trained = true
			stats.MeanLoss = loss
		case errors.Is(err, replay.ErrInsufficientExperience):
		default:
			return t.snapshot(StatusFailed, episode), fmt.Errorf("replay: %w", err)
		}
	}
	if t.cfg.TargetSyncEvery > 0 && episode%t.cfg.TargetSyncEvery == 0 {
		if err := t.agent.UpdateTargetModel(); err != nil {
			return t.snapshot(StatusFailed, episode), fmt.Errorf("sync target: %w", err)
		}
	}
	stats.Epsilon = t.agent.Epsilon()
	stats.Beta = t.agent.Beta()

	t.episodesCompleted++
	t.totalTurns += stats.Turns
	t.bestScore = max(t.bestScore, stats.TileScore)
	t.bestTile = max(t.bestTile, stats.MaxTile)
	t.history.add(stats)

	log.Info().Msgf("episode: %6d, score: %6d, score(v2): %7d, turns: %5d, invalid: %4d, max tile: %5d, loss: %.5f, epsilon: %.4f",
		episode, stats.Score, stats.TileScore, stats.Turns, stats.InvalidMoves, stats.MaxTile, stats.MeanLoss, stats.Epsilon)

	snap := t.snapshot(StatusEpisodeComplete, episode)
	snap.Stats = stats
	snap.Moves = moves

	if t.cfg.CheckpointEvery > 0 && episode%t.cfg.CheckpointEvery == 0 {
		path, err := t.checkpoint()
		if err != nil {
			return snap, err
		}
		snap.Checkpoint = path
	}
	if t.cfg.ReportEvery > 0 && episode%t.cfg.ReportEvery == 0 {
		files, err := t.writeReport()
		if err != nil {
			return snap, err
		}
		snap.Reports = files
	}
	return snap, nil
}

// playEpisode plays one game with the current policy, storing every
// transition in replay memory.
func (t *Trainer) playEpisode(ctx context.Context, episode int) (EpisodeStats, []store.MoveRow, error) {
	start := time.Now()
	board, err := rules.NewBoard(t.agent.Config().GridSize, t.rng)
	if err != nil {
		return EpisodeStats{}, nil, err
	}

	var moves []store.MoveRow
	truncated := false
	state := board.Grid()
	for !board.Done() {
		if err := ctx.Err(); err != nil {
			return EpisodeStats{}, nil, err
		}
		if t.cfg.MaxTurns > 0 && board.Turns() >= t.cfg.MaxTurns {
			truncated = true
			break
		}

		var q []float64
		if t.cfg.RecordMoves {
			if q, err = t.agent.Online().Predict(state); err != nil {
				return EpisodeStats{}, nil, err
			}
		}
		action, err := t.agent.Act(state, board.InvalidActions())
		if err != nil {
			return EpisodeStats{}, nil, err
		}
		outcome, err := board.Move(action)
		if err != nil {
			return EpisodeStats{}, nil, err
		}
		next := board.Grid()
		t.agent.Remember(replay.Transition{
			State:     state,
			Action:    action,
			Reward:    outcome.Reward,
			NextState: next,
			Done:      outcome.Done,
		})

		if t.cfg.RecordMoves {
			moves = append(moves, store.MoveRow{
				RunID:   t.cfg.RunID,
				Episode: int32(episode),
				Turn:    int32(board.Turns()),
				Cells:   store.CellsFromGrid(state),
				Action:  int32(action),
				Reward:  float32(outcome.Reward),
				Score:   int32(outcome.Score),
				Invalid: outcome.Invalid,
				Done:    outcome.Done,
				Spawned: int32(outcome.Spawned),
				QValues: toFloat32(q),
			})
		}
		state = next
	}

	invalidRatio := 0.0
	if board.Turns() > 0 {
		invalidRatio = float64(board.InvalidMoves()) / float64(board.Turns())
	}
	return EpisodeStats{
		Episode:      episode,
		Score:        board.Score(),
		TileScore:    board.TileScore(),
		Turns:        board.Turns() - board.InvalidMoves(),
		InvalidMoves: board.InvalidMoves(),
		InvalidRatio: invalidRatio,
		MaxTile:      board.MaxTile(),
		Truncated:    truncated,
		Duration:     time.Since(start),
		EndedAt:      time.Now(),
		FinalGrid:    state,
	}, moves, nil
}

func (t *Trainer) checkpoint() (string, error) {
	if t.cfg.CheckpointPath == "" {
		return "", nil
	}
	if err := t.agent.Save(t.cfg.CheckpointPath); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	log.Info().Str("path", t.cfg.CheckpointPath).Int("episode", t.episodesCompleted).Msg("saved checkpoint")
	return t.cfg.CheckpointPath, nil
}

func (t *Trainer) writeReport() ([]string, error) {
	if t.cfg.ReportDir == "" {
		return nil, nil
	}
	files, err := report.WriteTrainingCurves(t.cfg.ReportDir, t.history.snapshot(), t.cfg.ReportWindow)
	if err != nil {
		return files, fmt.Errorf("report: %w", err)
	}
	log.Info().Str("dir", t.cfg.ReportDir).Int("files", len(files)).Msg("wrote training curves")
	return files, nil
}

func toFloat32(v []float64) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
