package lecture

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTheme is returned for a theme other than dark or light.
	ErrInvalidTheme = errors.New("lecture: invalid theme")
	// ErrInvalidID is returned when a lecture id cannot be used as a directory name.
	ErrInvalidID = errors.New("lecture: invalid id")
)

// Stage names a step of generation that can fail.
type Stage string

const (
	StageSynthesize Stage = "synthesize"
	StageEncode     Stage = "encode"
	StageWrite      Stage = "write"
	StagePublish    Stage = "publish"
	StageCancelled  Stage = "cancelled"
)

// StageError reports the step, segment and path involved in a failed
// generation. Segment is zero when the failure is not tied to one segment.
type StageError struct {
	Stage   Stage
	Segment int
	Path    string
	Err     error
}

func (e *StageError) Error() string {
	msg := string(e.Stage)
	if e.Segment > 0 {
		msg += fmt.Sprintf(" segment %d", e.Segment)
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	return msg + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failed stage recorded in err, or "" when err carries none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
