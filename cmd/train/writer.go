package main

import (
	"github.com/rs/zerolog/log"

	"github.com/brensch/dqn2048/executor/selfplay"
	"github.com/brensch/dqn2048/store"
)

// archiveLoop buffers finished episodes and flushes them to parquet every
// episodesPerFlush episodes and once more when in closes. Move rows stream
// through a BatchWriter that is finalized on the same cadence. An empty root
// drains in without writing.
func archiveLoop(root, runID string, episodesPerFlush int, in <-chan selfplay.Snapshot) {
	if root == "" {
		for range in {
		}
		return
	}
	if episodesPerFlush <= 0 {
		episodesPerFlush = 50
	}

	pending := make([]store.EpisodeRow, 0, episodesPerFlush)
	var moves *store.BatchWriter[store.MoveRow]

	flush := func(final bool) {
		if len(pending) > 0 {
			outPath, err := store.WriteEpisodes(root, pending)
			if err != nil {
				log.Error().Err(err).Int("episodes", len(pending)).Msg("parquet flush failed")
			} else {
				log.Info().Str("path", outPath).Int("episodes", len(pending)).Bool("final", final).Msg("parquet flush ok")
			}
			pending = pending[:0]
		}
		if moves != nil {
			outPath, rows, episodes, err := moves.Finalize()
			if err != nil {
				log.Error().Err(err).Msg("move archive finalize failed")
			} else if outPath != "" {
				log.Info().Str("path", outPath).Int("rows", rows).Int("episodes", episodes).Msg("move archive flush ok")
			}
			moves = nil
		}
	}

	for snap := range in {
		if snap.Status != selfplay.StatusEpisodeComplete {
			continue
		}
		pending = append(pending, snap.Stats.Row(runID))

		if len(snap.Moves) > 0 {
			if moves == nil {
				w, err := store.NewMoveWriter(root)
				if err != nil {
					log.Error().Err(err).Msg("open move archive")
				} else {
					moves = w
				}
			}
			if moves != nil {
				if err := moves.WriteRows(snap.Moves); err != nil {
					log.Error().Err(err).Int("episode", snap.Episode).Msg("write moves")
				} else {
					moves.NoteEpisodeWritten()
				}
			}
		}

		if len(pending) >= episodesPerFlush {
			flush(false)
		}
	}
	flush(true)
}
