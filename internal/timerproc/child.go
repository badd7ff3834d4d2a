package timerproc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Run is the countdown child process body. It waits out the duration, then
// emits exactly one break-time message on out, unless a cancel command
// arrives on in first. Closing in also stops the countdown, so an orphaned
// child never outlives its parent.
func Run(d time.Duration, in io.Reader, out io.Writer) error {
	cancel := make(chan struct{})

	go func() {
		defer close(cancel)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == cancelCommand {
				return
			}
		}
		// stdin closed: parent is gone
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cancel:
		return nil
	}

	data, err := json.Marshal(wireMessage{Type: "break-time"})
	if err != nil {
		return fmt.Errorf("marshal completion message: %w", err)
	}
	if _, err := fmt.Fprintf(out, "%s\n", data); err != nil {
		return fmt.Errorf("write completion message: %w", err)
	}
	return nil
}
