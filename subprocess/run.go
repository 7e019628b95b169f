package subprocess

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/vodworks/vod-pipeline/log"
)

// Run executes cmd under ctx with cooperative termination. On cancellation
// the child receives SIGINT and is given the grace period to flush and exit
// cleanly before being killed; this keeps an orchestrator shutdown from
// orphaning children or leaving half-written artifacts behind under names a
// resumed job would trust.
//
// The returned error is ctx.Err() when the run ended because of cancellation,
// otherwise the child's exit error.
func Run(ctx context.Context, jobID string, cmd *exec.Cmd, grace time.Duration) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	log.Log(jobID, "requesting graceful stop of child process", "path", cmd.Path, "grace", grace)
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		log.LogError(jobID, "failed to signal child process, killing", err)
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}

	select {
	case <-done:
	case <-time.After(grace):
		log.Log(jobID, "child process did not stop within grace period, killing", "path", cmd.Path)
		_ = cmd.Process.Kill()
		<-done
	}
	return ctx.Err()
}
