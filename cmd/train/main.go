// Command train runs double-DQN self-play training for 2048, archiving every
// episode to parquet and optionally serving the live viewer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/brensch/dqn2048/executor/agent"
	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/executor/selfplay"
	"github.com/brensch/dqn2048/logging"
	"github.com/brensch/dqn2048/viewer"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("train failed")
	}
}

func run() error {
	defaults := agent.DefaultHyperparameters()
	loopDefaults := selfplay.DefaultConfig()

	size := flag.Int("size", getEnvIntOrDefault("DQN2048_SIZE", 4), "Board side length")
	encoding := flag.String("encoding", getEnvOrDefault("DQN2048_ENCODING", "raw"), "Network input encoding: raw or log2")
	episodes := flag.Int("episodes", getEnvIntOrDefault("DQN2048_EPISODES", 0), "Episodes to play (0 = until interrupted)")
	batch := flag.Int("batch", getEnvIntOrDefault("DQN2048_BATCH", loopDefaults.BatchSize), "Transitions replayed after each episode")
	warmup := flag.Int("warmup", getEnvIntOrDefault("DQN2048_WARMUP", loopDefaults.WarmupEpisodes), "Episodes played before training starts")
	syncEvery := flag.Int("sync-every", getEnvIntOrDefault("DQN2048_SYNC_EVERY", loopDefaults.TargetSyncEvery), "Episodes between target network syncs")
	maxTurns := flag.Int("max-turns", getEnvIntOrDefault("DQN2048_MAX_TURNS", 0), "Cap on moves per game (0 = none)")
	seed := flag.Int64("seed", int64(getEnvIntOrDefault("DQN2048_SEED", 0)), "Random seed (0 = time based)")

	checkpoint := flag.String("checkpoint", getEnvOrDefault("DQN2048_CHECKPOINT", filepath.Join("models", "dqn2048.gob")), "Checkpoint path")
	checkpointEvery := flag.Int("checkpoint-every", getEnvIntOrDefault("DQN2048_CHECKPOINT_EVERY", loopDefaults.CheckpointEvery), "Episodes between checkpoints")
	resume := flag.Bool("resume", getEnvBoolOrDefault("DQN2048_RESUME", true), "Load the checkpoint before training when it exists")

	reportDir := flag.String("report-dir", getEnvOrDefault("DQN2048_REPORT_DIR", "result"), "Directory for training curve PNGs (empty disables)")
	reportEvery := flag.Int("report-every", getEnvIntOrDefault("DQN2048_REPORT_EVERY", loopDefaults.ReportEvery), "Episodes between training curve renders")
	reportWindow := flag.Int("report-window", getEnvIntOrDefault("DQN2048_REPORT_WINDOW", loopDefaults.ReportWindow), "Rolling mean window for training curves")

	archiveDir := flag.String("archive-dir", getEnvOrDefault("DQN2048_ARCHIVE_DIR", filepath.Join("data", "archive")), "Parquet archive root (empty disables)")
	episodesPerFlush := flag.Int("episodes-per-flush", getEnvIntOrDefault("DQN2048_EPISODES_PER_FLUSH", 50), "Episodes buffered per parquet flush")
	recordMoves := flag.Bool("record-moves", getEnvBoolOrDefault("DQN2048_RECORD_MOVES", false), "Archive every move with its Q-values")

	lr := flag.Float64("lr", getEnvFloatOrDefault("DQN2048_LR", defaults.LearningRate), "RMSprop learning rate")
	gamma := flag.Float64("gamma", getEnvFloatOrDefault("DQN2048_GAMMA", defaults.Gamma), "Discount factor")
	epsilon := flag.Float64("epsilon", getEnvFloatOrDefault("DQN2048_EPSILON", defaults.Epsilon), "Initial exploration rate")
	epsilonMin := flag.Float64("epsilon-min", getEnvFloatOrDefault("DQN2048_EPSILON_MIN", defaults.EpsilonMin), "Exploration floor")
	epsilonDecay := flag.Float64("epsilon-decay", getEnvFloatOrDefault("DQN2048_EPSILON_DECAY", defaults.EpsilonDecay), "Exploration decay per replay")
	memory := flag.Int("memory", getEnvIntOrDefault("DQN2048_MEMORY", defaults.MemoryCapacity), "Replay memory capacity")
	importance := flag.Bool("importance-weighting", getEnvBoolOrDefault("DQN2048_IMPORTANCE_WEIGHTING", false), "Scale each sample's loss by its importance weight")

	listen := flag.String("listen", getEnvOrDefault("DQN2048_LISTEN", ""), "Serve the viewer on this address while training (empty disables)")
	useTUI := flag.Bool("tui", getEnvBoolOrDefault("DQN2048_TUI", true), "Show the live dashboard")
	logLevel := flag.String("log-level", getEnvOrDefault("DQN2048_LOG_LEVEL", "info"), "Log level")
	logFormat := flag.String("log-format", getEnvOrDefault("DQN2048_LOG_FORMAT", "console"), "Log format: console, json or pretty-json")
	logFile := flag.String("log-file", getEnvOrDefault("DQN2048_LOG_FILE", "train.log"), "Log file used while the dashboard is shown")
	flag.Parse()

	format, err := logging.ParseFormat(*logFormat)
	if err != nil {
		return err
	}
	logOpts := logging.Options{Level: *logLevel, Format: format}
	if *useTUI {
		// Keep log lines off the dashboard.
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOpts.Output = f
		if format == logging.FormatConsole {
			logOpts.Format = logging.FormatJSON
		}
	}
	if _, err := logging.Setup(logOpts); err != nil {
		return err
	}

	enc, err := convert.ParseEncoding(*encoding)
	if err != nil {
		return err
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	hyper := defaults
	hyper.LearningRate = *lr
	hyper.Gamma = *gamma
	hyper.Epsilon = *epsilon
	hyper.EpsilonMin = *epsilonMin
	hyper.EpsilonDecay = *epsilonDecay
	hyper.MemoryCapacity = *memory
	hyper.ImportanceWeighting = *importance

	a, err := agent.New(agent.Config{
		GridSize: *size,
		Hyper:    hyper,
		Encoding: enc,
		Rand:     rand.New(rand.NewSource(rng.Int63())),
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	runID := "run_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	loopCfg := selfplay.Config{
		Episodes:        *episodes,
		BatchSize:       *batch,
		WarmupEpisodes:  *warmup,
		TargetSyncEvery: *syncEvery,
		CheckpointEvery: *checkpointEvery,
		CheckpointPath:  *checkpoint,
		Resume:          *resume && *checkpoint != "",
		ReportEvery:     *reportEvery,
		ReportDir:       *reportDir,
		ReportWindow:    *reportWindow,
		MaxTurns:        *maxTurns,
		RecordMoves:     *recordMoves && *archiveDir != "",
		RunID:           runID,
	}
	trainer, err := selfplay.NewTrainer(loopCfg, a, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	log.Info().
		Str("run_id", runID).
		Int("size", *size).
		Str("encoding", enc.String()).
		Int64("seed", *seed).
		Int("episodes", *episodes).
		Msg("starting training")

	var srv *viewer.Server
	var httpSrv *http.Server
	if *listen != "" {
		roots := []string{}
		if *archiveDir != "" {
			roots = append(roots, *archiveDir)
		}
		srv = viewer.NewServer(viewer.Options{Roots: roots})
		httpSrv = &http.Server{Addr: *listen, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", *listen).Msg("viewer listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("viewer stopped")
			}
		}()
	}

	archive := make(chan selfplay.Snapshot, 64)
	writerDone := make(chan struct{})
	go func() {
		archiveLoop(*archiveDir, runID, *episodesPerFlush, archive)
		close(writerDone)
	}()

	updates := make(chan selfplay.Snapshot, 64)
	var fanout sync.WaitGroup
	fanout.Add(1)
	var runErr error
	go func() {
		defer fanout.Done()
		defer close(archive)
		defer close(updates)
		for snap := range trainer.Run(ctx) {
			if snap.Status == selfplay.StatusFailed {
				runErr = snap.Err
			}
			archive <- snap
			if srv != nil {
				if err := srv.Publish(snap); err != nil {
					log.Warn().Err(err).Msg("publish snapshot")
				}
			}
			// Never block training on the display.
			select {
			case updates <- snap:
			default:
			}
		}
	}()

	if *useTUI {
		p := tea.NewProgram(newDashboard(runID, updates, cancel), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			cancel()
			log.Error().Err(err).Msg("dashboard failed")
		}
		cancel()
		fmt.Println("Stopping: finishing the current episode and flushing archives...")
	} else {
		for snap := range updates {
			if snap.Status != selfplay.StatusEpisodeComplete {
				log.Info().Str("status", snap.Status).Int("episodes", snap.EpisodesCompleted).Msg("trainer finished")
			}
		}
	}

	fanout.Wait()
	<-writerDone

	if httpSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = srv.Close()
	}
	log.Info().Msg("shutdown complete")
	return runErr
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		var i int
		if _, err := fmt.Sscanf(val, "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloatOrDefault(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}
