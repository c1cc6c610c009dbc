package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrEngineFailure marks a run in which ffmpeg failed or left incomplete output.
var ErrEngineFailure = errors.New("transcoding engine failure")

// Result lists the artifacts of a successful run.
type Result struct {
	OutputDir string
	Master    string
	Outputs   []Output
}

// Engine runs ffmpeg once per job to render every rendition of the ladder.
type Engine struct {
	FFmpegPath  string
	FFprobePath string
	Ladder      Ladder
	Logger      *slog.Logger
}

// NewEngine builds an engine for the ladder, defaulting binaries to the PATH.
func NewEngine(ladder Ladder, ffmpegPath, ffprobePath string, logger *slog.Logger) *Engine {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Ladder: ladder, Logger: logger}
}

// Transcode renders inputPath into outputDir and writes the master playlist.
// Stale files left in outputDir by an earlier run are removed first. On
// failure no master playlist exists in outputDir.
func (e *Engine) Transcode(ctx context.Context, inputPath, outputDir string) (*Result, error) {
	if err := clearDir(outputDir); err != nil {
		return nil, fmt.Errorf("prepare output dir: %w", err)
	}
	source, err := Probe(ctx, e.FFprobePath, inputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	plan, err := buildTranscodePlan(inputPath, outputDir, e.Ladder, source)
	if err != nil {
		return nil, err
	}
	logger := e.Logger.With("source_width", source.Width, "source_height", source.Height)
	logger.Info("starting ffmpeg", "renditions", len(plan.outputs))

	cmd := exec.CommandContext(ctx, e.FFmpegPath, plan.args...)
	stdout := newLogWriter(logger, "stdout")
	stderr := newLogWriter(logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	runErr := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: interrupted: %v", ErrEngineFailure, ctx.Err())
		}
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrEngineFailure, runErr, stderr.Tail())
	}

	master, err := writeMaster(plan.outputDir, e.Ladder, plan.outputs)
	if err != nil {
		return nil, err
	}
	logger.Info("ffmpeg completed", "master", filepath.Base(master))
	return &Result{OutputDir: plan.outputDir, Master: master, Outputs: plan.outputs}, nil
}

func clearDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
