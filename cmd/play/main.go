// Command play plays one game of 2048 in the terminal, either with a trained
// model choosing moves or with a biased random policy.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brensch/dqn2048/executor/agent"
	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/executor/inference"
	"github.com/brensch/dqn2048/game"
	"github.com/brensch/dqn2048/logging"
	"github.com/brensch/dqn2048/render"
	"github.com/brensch/dqn2048/rules"
)

const (
	roleAI     = "ai"
	roleRandom = "random"
)

// randomWeights biases the random role towards left and up, indexed by
// direction.
var randomWeights = [game.NumDirections]float64{0.9, 0.007, 0.003, 0.1}

func main() {
	role := flag.String("role", "ai", "Who plays: ai or random")
	checkpoint := flag.String("checkpoint", "models/dqn2048.gob", "Gob checkpoint for the ai role")
	onnxPath := flag.String("onnx", "", "ONNX model for the ai role (overrides -checkpoint)")
	size := flag.Int("size", 4, "Board side length")
	encoding := flag.String("encoding", "raw", "Input encoding of the ONNX model: raw or log2")
	seed := flag.Int64("seed", 0, "Random seed (0 = time based)")
	delay := flag.Duration("delay", 150*time.Millisecond, "Pause between moves")
	maxTurns := flag.Int("max-turns", 10000, "Stop after this many moves")
	quiet := flag.Bool("quiet", false, "Only print the final board")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if _, err := logging.Setup(logging.Options{Level: *logLevel}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	var policy policy
	switch *role {
	case roleAI:
		enc, err := convert.ParseEncoding(*encoding)
		if err != nil {
			log.Fatal().Err(err).Msg("bad encoding")
		}
		model, err := inference.OpenModel(inference.ModelSource{
			CheckpointPath: *checkpoint,
			ONNXPath:       *onnxPath,
			Onnx:           inference.OnnxClientConfig{GridSize: *size, Encoding: enc},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("load model")
		}
		defer model.Close()
		policy = greedyPolicy{model: model}
	case roleRandom:
		policy = weightedPolicy{rng: rand.New(rand.NewSource(rng.Int63())), weights: randomWeights}
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	board, err := rules.NewBoard(*size, rng)
	if err != nil {
		log.Fatal().Err(err).Msg("new board")
	}
	out := io.Writer(os.Stdout)
	if *quiet {
		out = io.Discard
	}
	if err := play(board, policy, out, *delay, *maxTurns); err != nil {
		log.Fatal().Err(err).Msg("play")
	}
	fmt.Println(render.Board(board.Grid()))
	log.Info().
		Str("role", *role).
		Int("score", board.Score()).
		Int("tile_score", board.TileScore()).
		Int("turns", board.Turns()).
		Int("invalid", board.InvalidMoves()).
		Int("max_tile", board.MaxTile()).
		Msg("game over")
}

// policy picks the next move for a board. q is nil for policies without a
// value estimate.
type policy interface {
	choose(b *rules.Board) (d game.Direction, q []float64, err error)
}

type greedyPolicy struct {
	model agent.Predictor
}

func (p greedyPolicy) choose(b *rules.Board) (game.Direction, []float64, error) {
	return agent.Greedy(p.model, b.Grid(), b.InvalidActions())
}

// weightedPolicy samples directions by fixed weights, invalid ones included.
type weightedPolicy struct {
	rng     *rand.Rand
	weights [game.NumDirections]float64
}

func (p weightedPolicy) choose(*rules.Board) (game.Direction, []float64, error) {
	total := 0.0
	for _, w := range p.weights {
		total += w
	}
	v := p.rng.Float64() * total
	for i, w := range p.weights {
		if v < w {
			return game.Direction(i), nil, nil
		}
		v -= w
	}
	return game.Up, nil, nil
}

func play(b *rules.Board, p policy, out io.Writer, delay time.Duration, maxTurns int) error {
	for !b.Done() && !b.IsTerminal() && b.Turns() < maxTurns {
		d, q, err := p.choose(b)
		if err != nil {
			return err
		}
		if out != io.Discard {
			fmt.Fprintf(out, "turn %d  score %d\n%s\n", b.Turns()+1, b.Score(), render.Board(b.Grid()))
			if q != nil {
				fmt.Fprintln(out, render.QValues(q, d))
			} else {
				fmt.Fprintf(out, "move: %s\n", d)
			}
		}
		if _, err := b.Move(d); err != nil {
			return err
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}
