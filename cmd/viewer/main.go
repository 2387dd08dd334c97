// Command viewer serves archived training runs over HTTP, optionally with a
// model answering /api/act.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/executor/inference"
	"github.com/brensch/dqn2048/logging"
	"github.com/brensch/dqn2048/viewer"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("viewer failed")
	}
}

func run() error {
	listen := flag.String("listen", getEnvOrDefault("DQN2048_VIEWER_LISTEN", ":8080"), "Address to serve on")
	archiveDirs := flag.String("archive-dirs", getEnvOrDefault("DQN2048_ARCHIVE_DIRS", filepath.Join("data", "archive")), "Comma separated parquet archive roots")
	checkpoint := flag.String("checkpoint", getEnvOrDefault("DQN2048_CHECKPOINT", ""), "Gob checkpoint used by /api/act")
	onnxPath := flag.String("onnx", getEnvOrDefault("DQN2048_ONNX", ""), "ONNX model used by /api/act (overrides -checkpoint)")
	sessions := flag.Int("sessions", 1, "ONNX sessions to pool")
	size := flag.Int("size", 4, "Board side length of the ONNX model")
	encoding := flag.String("encoding", "raw", "Input encoding of the ONNX model: raw or log2")
	staticDir := flag.String("static-dir", getEnvOrDefault("DQN2048_STATIC_DIR", ""), "Frontend build to serve at /")
	refresh := flag.Duration("refresh", 30*time.Second, "How often to rescan the archive")
	logLevel := flag.String("log-level", getEnvOrDefault("DQN2048_LOG_LEVEL", "info"), "Log level")
	logFormat := flag.String("log-format", getEnvOrDefault("DQN2048_LOG_FORMAT", "console"), "Log format: console, json or pretty-json")
	flag.Parse()

	format, err := logging.ParseFormat(*logFormat)
	if err != nil {
		return err
	}
	if _, err := logging.Setup(logging.Options{Level: *logLevel, Format: format}); err != nil {
		return err
	}

	opts := viewer.Options{
		Roots:        viewer.ParseRoots(*archiveDirs),
		RefreshEvery: *refresh,
		StaticDir:    *staticDir,
	}
	if *checkpoint != "" || *onnxPath != "" {
		enc, err := convert.ParseEncoding(*encoding)
		if err != nil {
			return err
		}
		model, err := inference.OpenModel(inference.ModelSource{
			CheckpointPath: *checkpoint,
			ONNXPath:       *onnxPath,
			Sessions:       *sessions,
			Onnx:           inference.OnnxClientConfig{GridSize: *size, Encoding: enc},
		})
		if err != nil {
			return err
		}
		defer model.Close()
		opts.Predictor = model
	}

	srv := viewer.NewServer(opts)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", *listen).Strs("roots", opts.Roots).Bool("act", opts.Predictor != nil).Msg("viewer listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Msg("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
