package subprocess

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunReturnsChildExitError(t *testing.T) {
	cmd := exec.Command("false")
	err := Run(context.Background(), "test-job", cmd, time.Second)
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
}

func TestRunCompletesNormally(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, Run(context.Background(), "test-job", cmd, time.Second))
}

func TestRunStopsChildOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.Command("sleep", "60")

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Run(ctx, "test-job", cmd, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestTailBufferKeepsLastLines(t *testing.T) {
	tail := NewTailBuffer(2)
	_, err := tail.Write([]byte("one\ntwo\nthree\n"))
	require.NoError(t, err)
	require.Equal(t, "two\nthree", tail.String())
}

func TestTailBufferKeepsPartialLine(t *testing.T) {
	tail := NewTailBuffer(4)
	_, _ = tail.Write([]byte("complete\npart"))
	require.Equal(t, "complete\npart", tail.String())
}
