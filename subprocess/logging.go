package subprocess

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/pixelmill/transcode-api/log"
)

// TailBuffer keeps the last maxLines lines written to it. The encoder feeds
// its subprocess stderr through one so that a failure can be reported with
// the tail of the output instead of megabytes of progress spam.
type TailBuffer struct {
	mu       sync.Mutex
	maxLines int
	lines    []string
}

func NewTailBuffer(maxLines int) *TailBuffer {
	return &TailBuffer{maxLines: maxLines}
}

func (t *TailBuffer) append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.maxLines {
		t.lines = t.lines[len(t.lines)-t.maxLines:]
	}
}

func (t *TailBuffer) Tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// Stream reads src line by line until EOF, recording each line in the tail
// buffer. It is intended to run in its own goroutine per pipe.
func (t *TailBuffer) Stream(src io.Reader) {
	s := bufio.NewReader(src)
	for {
		line, err := s.ReadString('\n')
		if len(line) > 0 {
			t.append(strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.LogNoRequestID("subprocess stream read error", "err", err)
			return
		}
	}
}
