package transcode

import (
	"fmt"
	"strings"

	xerrors "github.com/vodworks/vod-pipeline/errors"
)

// Failure reports an abnormal exit or unusable output from the external
// transcoding engine, carrying the stage it happened in and the tail of the
// engine's diagnostics.
type Failure struct {
	Stage       string
	Err         error
	Diagnostics string
}

func (f *Failure) Error() string {
	if f.Diagnostics == "" {
		return fmt.Sprintf("transcode failure in %s stage: %s", f.Stage, f.Err)
	}
	return fmt.Sprintf("transcode failure in %s stage: %s [%s]", f.Stage, f.Err, f.Diagnostics)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Diagnostics that indicate a problem with the source itself rather than a
// transient process or resource issue. Redelivering such a job would fail the
// same way, so these are reported as unretriable.
var malformedSourceMessages = []string{
	"invalid data found when processing input",
	"does not contain any stream",
	"moov atom not found",
	"invalid argument",
	"could not find codec parameters",
}

// NewFailure wraps an engine error, classifying it as retryable or not based
// on the exit diagnostics.
func NewFailure(stage string, err error, diagnostics string) error {
	f := &Failure{Stage: stage, Err: err, Diagnostics: diagnostics}
	lower := strings.ToLower(diagnostics)
	for _, msg := range malformedSourceMessages {
		if strings.Contains(lower, msg) {
			return xerrors.Unretriable(f)
		}
	}
	return f
}
