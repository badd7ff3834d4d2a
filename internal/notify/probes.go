package notify

import (
	"context"
	"fmt"
	"runtime"
)

// Check names used across the engine, config, and CLI.
const (
	CheckFullscreen = "fullscreen"
	CheckMeeting    = "meeting"
)

// UnsupportedProbe stands in on platforms without a native detection
// implementation. Its error degrades the check to fail-open, which keeps
// notifications flowing instead of suppressing them forever.
type UnsupportedProbe struct {
	Check string
}

// Probe always fails with a descriptive error.
func (p UnsupportedProbe) Probe(context.Context) (bool, error) {
	return false, fmt.Errorf("%s detection not supported on %s", p.Check, runtime.GOOS)
}
