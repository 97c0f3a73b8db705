package encoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/pixelmill/transcode-api/errors"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/metrics"
	"github.com/pixelmill/transcode-api/subprocess"
)

const (
	SegmentDurationSec = 15
	stderrTailLines    = 20

	// No frame/time marker for two consecutive windows means the encoder is
	// presumed hung and gets terminated.
	markerWindow    = 30 * time.Second
	termGracePeriod = 10 * time.Second
)

type Preset string

const (
	PresetUltrafast Preset = "ultrafast"
	PresetFast      Preset = "fast"
	PresetMedium    Preset = "medium"
)

// Rendition is one row of the fixed encoding ladder.
type Rendition struct {
	Tag          string
	Width        int
	Height       int
	VideoBitrate int // kbps
	AudioBitrate int // kbps
}

// Bandwidth is the value advertised in the master playlist, in bits per
// second.
func (r Rendition) Bandwidth() int {
	return (r.VideoBitrate + r.AudioBitrate) * 1000
}

func (r Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Ladder is ordered by ascending bitrate, which is also the order variants
// appear in the master playlist.
var Ladder = []Rendition{
	{Tag: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96},
	{Tag: "480p", Width: 854, Height: 480, VideoBitrate: 1400, AudioBitrate: 128},
	{Tag: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128},
	{Tag: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5000, AudioBitrate: 192},
}

func RenditionFor(tag string) (Rendition, bool) {
	for _, r := range Ladder {
		if r.Tag == tag {
			return r, true
		}
	}
	return Rendition{}, false
}

// Spec describes one encoder invocation. PlaylistResolutions may be a
// superset of TargetResolutions when a prior stage already produced some
// renditions that the master playlist should keep referencing.
type Spec struct {
	TargetResolutions   []string
	PlaylistResolutions []string
	Preset              Preset
	CPUThreads          int
}

// SpecForStage derives the encoder invocation from the queue lane. The fast
// lane buys time-to-first-playback with a single cheap rendition; the
// background lane fills out the ladder with capped CPU.
func SpecForStage(stage string, backgroundThreads int) Spec {
	if stage == "background" {
		return Spec{
			TargetResolutions:   []string{"480p", "720p", "1080p"},
			PlaylistResolutions: []string{"360p", "480p", "720p", "1080p"},
			Preset:              PresetMedium,
			CPUThreads:          backgroundThreads,
		}
	}
	return Spec{
		TargetResolutions:   []string{"360p"},
		PlaylistResolutions: []string{"360p"},
		Preset:              PresetUltrafast,
		CPUThreads:          0,
	}
}

// ProgressFunc receives per-resolution encode fractions in [0, 1].
type ProgressFunc func(resolution string, fraction float64)

type Driver interface {
	Transcode(ctx context.Context, jobID, inputPath, outputDir string, spec Spec, onProgress ProgressFunc) error
}

// FFmpeg drives the external ffmpeg binary, one invocation per target
// resolution, and writes the master playlist when all of them are done.
type FFmpeg struct{}

func (e FFmpeg) Transcode(ctx context.Context, jobID, inputPath, outputDir string, spec Spec, onProgress ProgressFunc) error {
	probe, err := ProbeInput(ctx, inputPath)
	if err != nil {
		// An unprobeable input fails exactly like an encoder exit so retry
		// accounting stays uniform.
		first := "360p"
		if len(spec.TargetResolutions) > 0 {
			first = spec.TargetResolutions[0]
		}
		return errors.NewEncoderError(first, "", err)
	}
	log.Log(jobID, "probed input", "duration_sec", probe.DurationSec, "width", probe.Width, "height", probe.Height)

	for _, tag := range spec.TargetResolutions {
		rendition, ok := RenditionFor(tag)
		if !ok {
			return errors.NewEncoderError(tag, "", fmt.Errorf("unknown resolution %q", tag))
		}
		start := time.Now()
		if err := e.encodeRendition(ctx, jobID, inputPath, outputDir, rendition, spec, probe.DurationSec, onProgress); err != nil {
			// Discard partial outputs of the failed resolution before
			// surfacing the error.
			if rmErr := os.RemoveAll(filepath.Join(outputDir, tag)); rmErr != nil {
				log.LogError(jobID, "error removing partial rendition output", rmErr, "resolution", tag)
			}
			return err
		}
		metrics.Metrics.EncodeDurationSec.WithLabelValues(tag).Observe(time.Since(start).Seconds())
		onProgress(tag, 1)
	}

	return WriteMasterPlaylist(outputDir, spec.PlaylistResolutions)
}

func (e FFmpeg) encodeRendition(ctx context.Context, jobID, inputPath, outputDir string, rendition Rendition, spec Spec, durationSec float64, onProgress ProgressFunc) error {
	renditionDir := filepath.Join(outputDir, rendition.Tag)
	if err := os.MkdirAll(renditionDir, 0o755); err != nil {
		return fmt.Errorf("error creating rendition dir: %w", err)
	}

	outputArgs := ffmpeg.KwArgs{
		"c:v":                  "libx264",
		"preset":               string(spec.Preset),
		"b:v":                  fmt.Sprintf("%dk", rendition.VideoBitrate),
		"maxrate":              fmt.Sprintf("%dk", rendition.VideoBitrate),
		"bufsize":              fmt.Sprintf("%dk", rendition.VideoBitrate*2),
		"vf":                   fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease:force_divisible_by=2", rendition.Width, rendition.Height),
		"c:a":                  "aac",
		"b:a":                  fmt.Sprintf("%dk", rendition.AudioBitrate),
		"f":                    "hls",
		"hls_time":             SegmentDurationSec,
		"hls_playlist_type":    "vod",
		"start_number":         0,
		"hls_segment_filename": filepath.Join(renditionDir, "segment%03d.ts"),
	}
	if spec.CPUThreads > 0 {
		outputArgs["threads"] = spec.CPUThreads
	}

	cmd := ffmpeg.Input(inputPath).
		Output(filepath.Join(renditionDir, "index.m3u8"), outputArgs).
		OverWriteOutput().
		Compile()

	tail := subprocess.NewTailBuffer(stderrTailLines)
	parser := newProgressParser(durationSec, tail, func(fraction float64) {
		onProgress(rendition.Tag, fraction)
	})
	cmd.Stdout = io.Discard
	cmd.Stderr = parser

	if err := cmd.Start(); err != nil {
		return errors.NewEncoderError(rendition.Tag, "", err)
	}

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go watchEncoder(ctx, jobID, rendition.Tag, cmd, parser, watchdogDone)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewEncoderError(rendition.Tag, tail.Tail(), err)
	}
	return nil
}

// watchEncoder terminates the encoder subprocess when its context is
// cancelled or when no time marker has appeared for two consecutive
// windows. Termination is graceful: SIGTERM first, SIGKILL after the grace
// period.
func watchEncoder(ctx context.Context, jobID, tag string, cmd *exec.Cmd, parser *progressParser, done <-chan struct{}) {
	ticker := time.NewTicker(markerWindow)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			log.Log(jobID, "terminating encoder on cancellation", "resolution", tag)
			terminate(cmd, done)
			return
		case <-ticker.C:
			if time.Since(parser.LastMarker()) > 2*markerWindow {
				log.Log(jobID, "encoder produced no progress markers, terminating", "resolution", tag)
				terminate(cmd, done)
				return
			}
		}
	}
}

func terminate(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(termGracePeriod):
		_ = cmd.Process.Kill()
	}
}
