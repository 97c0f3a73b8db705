package encoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

const probeTimeout = 60 * time.Second

type ProbeResult struct {
	DurationSec float64
	Width       int
	Height      int
}

// ProbeInput validates the source before any encode is attempted. Inputs
// without a video stream or with zero duration fail here rather than a
// minute into an ffmpeg run.
func ProbeInput(ctx context.Context, path string) (ProbeResult, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, probeTimeout)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return ProbeResult{}, fmt.Errorf("error probing input: %w", err)
	}
	return parseProbeData(data)
}

func parseProbeData(data *ffprobe.ProbeData) (ProbeResult, error) {
	if data == nil || data.Format == nil {
		return ProbeResult{}, errors.New("error parsing input video: format information missing")
	}
	videoStream := data.FirstVideoStream()
	if videoStream == nil {
		return ProbeResult{}, errors.New("error checking for video: no video stream found")
	}
	duration := data.Format.DurationSeconds
	if duration <= 0 {
		return ProbeResult{}, errors.New("error checking for video: zero duration input")
	}
	return ProbeResult{
		DurationSec: duration,
		Width:       videoStream.Width,
		Height:      videoStream.Height,
	}, nil
}
