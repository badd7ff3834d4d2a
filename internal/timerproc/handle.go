package timerproc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handle owns one spawned countdown process. The countdown runs in its own
// process so a crash on either side never strands the other: the parent
// reaps an unexpected child exit into an error message, and the child exits
// when its stdin closes.
type Handle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	messages  chan Message
	cancelled atomic.Bool
	logger    zerolog.Logger
}

// Start launches `executable timer --minutes N` and wires its pipes.
func Start(executable string, minutes int, logger zerolog.Logger) (*Handle, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("invalid countdown duration: %d minutes", minutes)
	}

	cmd := exec.Command(executable, "timer", "--minutes", strconv.Itoa(minutes))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start countdown process: %w", err)
	}

	h := &Handle{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan Message, 1),
		logger:   logger.With().Str("component", "timerproc").Int("pid", cmd.Process.Pid).Logger(),
	}

	h.logger.Info().Int("minutes", minutes).Msg("Countdown process started")

	go h.read(stdout)

	return h, nil
}

// read consumes child stdout until EOF, validating each line against the
// closed message set, then reaps the process.
func (h *Handle) read(stdout io.Reader) {
	defer close(h.messages)

	completed := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.logger.Warn().Err(err).Msg("Malformed message from countdown process")
			continue
		}

		if msg.Type != "break-time" {
			h.logger.Warn().Str("type", msg.Type).Msg("Unknown message type from countdown process")
			continue
		}

		completed = true
		h.messages <- Message{Kind: KindBreakTime}
	}

	err := h.cmd.Wait()
	if completed || h.cancelled.Load() {
		return
	}

	// Neither completion nor cancellation: the process died on us.
	if err == nil {
		err = fmt.Errorf("countdown process exited without completing")
	}
	h.logger.Error().Err(err).Msg("Countdown process error")
	h.messages <- Message{Kind: KindError, Err: err}
}

// Messages returns the message channel. It is closed once the process has
// been reaped.
func (h *Handle) Messages() <-chan Message {
	return h.messages
}

// Cancel sends the cancel command. The command is best effort: if the
// channel itself is broken the process is force-terminated, with no retry
// and no silent continuation.
func (h *Handle) Cancel() error {
	h.cancelled.Store(true)

	if _, err := io.WriteString(h.stdin, cancelCommand+"\n"); err != nil {
		h.logger.Warn().Err(err).Msg("Cancel delivery failed, force-terminating countdown process")
		return h.Kill()
	}

	_ = h.stdin.Close()
	h.logger.Info().Msg("Countdown process cancelled")
	return nil
}

// Kill forcibly terminates the countdown process.
func (h *Handle) Kill() error {
	h.cancelled.Store(true)
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill countdown process: %w", err)
	}
	return nil
}
