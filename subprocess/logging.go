package subprocess

import (
	"bytes"
	"container/ring"
	"io"
	"os"
	"strings"
	"sync"
)

// EngineStderr is the stderr sink for child engine processes: everything is
// mirrored to our own stderr for live visibility and the last lines are
// retained in tail so failure diagnostics can be attached to errors.
func EngineStderr(tail *TailBuffer) io.Writer {
	return io.MultiWriter(os.Stderr, tail)
}

// TailBuffer keeps the last N lines written to it, without buffering the
// full output of a long transcode.
type TailBuffer struct {
	mu    sync.Mutex
	lines *ring.Ring
	part  []byte
}

func NewTailBuffer(n int) *TailBuffer {
	return &TailBuffer{lines: ring.New(n)}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.part = append(t.part, p...)
	for {
		idx := bytes.IndexByte(t.part, '\n')
		if idx < 0 {
			break
		}
		t.lines.Value = string(t.part[:idx])
		t.lines = t.lines.Next()
		t.part = t.part[idx+1:]
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	t.lines.Do(func(v interface{}) {
		if v != nil {
			out = append(out, v.(string))
		}
	})
	if len(t.part) > 0 {
		out = append(out, string(t.part))
	}
	return strings.Join(out, "\n")
}
