package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/ledger"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/metrics"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/timerproc"
)

// recentDays is the window broadcast to presentation surfaces.
const recentDays = 7

// TimerProcess is one live countdown, as the orchestrator sees it.
type TimerProcess interface {
	Messages() <-chan timerproc.Message
	Cancel() error
	Kill() error
}

// Spawner starts countdown processes.
type Spawner interface {
	Spawn(minutes int) (TimerProcess, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(minutes int) (TimerProcess, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(minutes int) (TimerProcess, error) {
	return f(minutes)
}

// Decider reports whether interrupting the user is currently permissible.
type Decider interface {
	ShouldShowNotification(ctx context.Context) bool
}

// Ledger is the activity surface the orchestrator drives.
type Ledger interface {
	AddMinutes(n int) error
	AddExtendedSession() error
	RecentRecords(days int) []ledger.Record
}

// ChoicePresenter shows the break prompt and blocks until the user answers
// or the prompt auto-closes. Implementations own their own timeout and
// return ChoiceNoResponse when it fires.
type ChoicePresenter interface {
	PresentBreakChoice(ctx context.Context) Choice
}

// Config holds orchestrator settings.
type Config struct {
	FocusMinutes  int
	RestMinutes   int
	ExtendMinutes int
	PollInterval  time.Duration
}

// Orchestrator is the timer state machine. It owns the single live countdown
// handle, reacts to its completion, consults the decision engine before
// interrupting, and drives the activity ledger.
type Orchestrator struct {
	cfg       Config
	spawner   Spawner
	decider   Decider
	ledger    Ledger
	presenter ChoicePresenter
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	mode   Mode
	handle TimerProcess
	gen    uint64 // bumped on every transition; stale goroutines check it

	obsMu     sync.Mutex
	observers map[int]chan Event
	nextObs   int
}

// New creates an orchestrator in the idle state.
func New(cfg Config, spawner Spawner, decider Decider, ldg Ledger, presenter ChoicePresenter, logger zerolog.Logger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		spawner:   spawner,
		decider:   decider,
		ledger:    ldg,
		presenter: presenter,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[int]chan Event),
	}
}

// Mode returns the current authoritative mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Subscribe registers a presentation surface. The returned cancel func must
// be called when the surface closes.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()

	id := o.nextObs
	o.nextObs++
	ch := make(chan Event, 16)
	o.observers[id] = ch

	return ch, func() {
		o.obsMu.Lock()
		defer o.obsMu.Unlock()
		if c, ok := o.observers[id]; ok {
			delete(o.observers, id)
			close(c)
		}
	}
}

// broadcast delivers an event to every observer. Sends never block: a
// surface that stopped draining drops events rather than stalling the state
// machine.
func (o *Orchestrator) broadcast(ev Event) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()

	for id, ch := range o.observers {
		select {
		case ch <- ev:
		default:
			o.logger.Warn().Int("observer", id).Int("event", int(ev.Type)).Msg("Observer not draining, event dropped")
		}
	}
}

// StartWork begins a focus session. A zero duration means the configured
// focus length. Any live countdown is cancelled first, so calling this twice
// never leaves two processes running.
func (o *Orchestrator) StartWork(minutes int) error {
	if minutes <= 0 {
		minutes = o.cfg.FocusMinutes
	}

	o.mu.Lock()
	o.cleanupLocked()
	gen := o.bumpLocked()

	handle, err := o.spawner.Spawn(minutes)
	if err != nil {
		o.mode = ModeIdle
		o.mu.Unlock()
		o.broadcast(Event{Type: EventWorkingState, Working: false})
		o.broadcast(Event{Type: EventIdle})
		return fmt.Errorf("spawn countdown: %w", err)
	}

	o.handle = handle
	o.mode = ModeWorking
	o.mu.Unlock()

	metrics.WorkSessionsStarted.Inc()
	o.logger.Info().Int("minutes", minutes).Msg("Work session started")

	o.broadcast(Event{Type: EventWorkStarted})
	o.broadcast(Event{Type: EventWorkingState, Working: true})

	go o.watch(handle, gen)
	go o.accrue(gen)

	return nil
}

// CancelWork cancels any live countdown and returns to idle, without a
// break.
func (o *Orchestrator) CancelWork() {
	o.mu.Lock()
	o.cleanupLocked()
	o.bumpLocked()
	o.mode = ModeIdle
	o.mu.Unlock()

	o.logger.Info().Msg("Work session cancelled")

	o.broadcast(Event{Type: EventWorkingState, Working: false})
	o.broadcast(Event{Type: EventIdle})
}

// ExtendWork records an extended session and restarts the countdown with the
// extend duration. Extending is cancel-then-restart, never add-on.
func (o *Orchestrator) ExtendWork() error {
	if err := o.ledger.AddExtendedSession(); err != nil {
		return fmt.Errorf("record extended session: %w", err)
	}

	o.mu.Lock()
	o.cleanupLocked()
	gen := o.bumpLocked()

	handle, err := o.spawner.Spawn(o.cfg.ExtendMinutes)
	if err != nil {
		o.mode = ModeIdle
		o.mu.Unlock()
		o.broadcast(Event{Type: EventWorkingState, Working: false})
		o.broadcast(Event{Type: EventIdle})
		return fmt.Errorf("spawn countdown: %w", err)
	}

	o.handle = handle
	o.mode = ModeWorking
	o.mu.Unlock()

	o.logger.Info().Int("minutes", o.cfg.ExtendMinutes).Msg("Work session extended")

	o.broadcast(Event{Type: EventRecords, Records: o.ledger.RecentRecords(recentDays)})

	go o.watch(handle, gen)
	go o.accrue(gen)

	return nil
}

// Close shuts the orchestrator down, killing any live countdown.
func (o *Orchestrator) Close() {
	o.cancel()

	o.mu.Lock()
	o.cleanupLocked()
	o.bumpLocked()
	o.mode = ModeIdle
	o.mu.Unlock()
}

// cleanupLocked cancels the live handle, if any. Cancel itself escalates to
// a forced kill when the cancel channel is broken, so after this call the
// prior process is gone either way. Must be called with the lock held.
func (o *Orchestrator) cleanupLocked() {
	if o.handle == nil {
		return
	}
	if err := o.handle.Cancel(); err != nil {
		o.logger.Warn().Err(err).Msg("Countdown cleanup failed")
	}
	o.handle = nil
}

// bumpLocked invalidates all goroutines spawned for earlier generations.
// Must be called with the lock held.
func (o *Orchestrator) bumpLocked() uint64 {
	o.gen++
	return o.gen
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen
}

// watch consumes messages from one countdown process until it completes,
// errors, or is cancelled out from under us.
func (o *Orchestrator) watch(handle TimerProcess, gen uint64) {
	for msg := range handle.Messages() {
		switch msg.Kind {
		case timerproc.KindBreakTime:
			o.onBreakTime(gen)
			return
		case timerproc.KindError:
			o.onTimerFailure(gen, msg.Err)
			return
		}
	}
	// Channel closed without a message: cancelled, nothing to do.
}

// onTimerFailure treats an unexpected process death exactly like a
// cancellation so the orchestrator never reports Working with no live timer.
func (o *Orchestrator) onTimerFailure(gen uint64, err error) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.handle = nil
	o.bumpLocked()
	o.mode = ModeIdle
	o.mu.Unlock()

	o.logger.Error().Err(err).Msg("Countdown process failed, resetting to idle")

	o.broadcast(Event{Type: EventWorkingState, Working: false})
	o.broadcast(Event{Type: EventIdle})
}

// onBreakTime runs after the focus countdown elapses. The user is not
// interrupted immediately: permission is polled until the decision engine
// allows it or the state is changed externally, however long that takes.
func (o *Orchestrator) onBreakTime(gen uint64) {
	mode := func() Mode {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.gen != gen {
			return ModeIdle
		}
		o.handle = nil // process exits after completion
		return o.mode
	}()

	if mode == ModeBreak {
		// Rest countdown elapsed: ready for the next focus session.
		o.finishBreak(gen)
		return
	}
	if mode != ModeWorking {
		return
	}

	o.logger.Info().Msg("Focus countdown elapsed, waiting for permission to interrupt")

	if !o.pollPermission(gen) {
		return
	}

	choice := o.presenter.PresentBreakChoice(o.ctx)
	metrics.BreakPrompts.WithLabelValues(choice.String()).Inc()
	o.logger.Info().Stringer("choice", choice).Msg("Break prompt resolved")

	if !o.current(gen) {
		return
	}

	switch choice {
	case ChoiceExtend:
		if err := o.ExtendWork(); err != nil {
			o.logger.Error().Err(err).Msg("Extend failed")
		}
	default:
		// TakeBreak, and NoResponse treated identically.
		o.startBreak(gen)
	}
}

// pollPermission asks the decision engine at a fixed interval until it
// permits the interruption. Returns false when the state changed externally
// or the orchestrator shut down; the ticker is stopped the moment a decision
// is acted on.
func (o *Orchestrator) pollPermission(gen uint64) bool {
	if o.decider.ShouldShowNotification(o.ctx) {
		return o.current(gen)
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !o.current(gen) {
				return false
			}
			if o.decider.ShouldShowNotification(o.ctx) {
				return o.current(gen)
			}
		case <-o.ctx.Done():
			return false
		}
	}
}

// startBreak transitions Working -> Break and runs the rest countdown.
func (o *Orchestrator) startBreak(gen uint64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.cleanupLocked()
	next := o.bumpLocked()

	handle, err := o.spawner.Spawn(o.cfg.RestMinutes)
	if err != nil {
		o.mode = ModeIdle
		o.mu.Unlock()
		o.logger.Error().Err(err).Msg("Rest countdown failed to start")
		o.broadcast(Event{Type: EventWorkingState, Working: false})
		o.broadcast(Event{Type: EventIdle})
		return
	}

	o.handle = handle
	o.mode = ModeBreak
	o.mu.Unlock()

	o.logger.Info().Int("minutes", o.cfg.RestMinutes).Msg("Break started")

	o.broadcast(Event{Type: EventWorkingState, Working: false})
	o.broadcast(Event{Type: EventBreakStarted})
	o.broadcast(Event{Type: EventRecords, Records: o.ledger.RecentRecords(recentDays)})

	go o.watch(handle, next)
}

// finishBreak transitions Break -> Idle once the rest countdown elapses.
func (o *Orchestrator) finishBreak(gen uint64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.bumpLocked()
	o.mode = ModeIdle
	o.mu.Unlock()

	o.logger.Info().Msg("Break finished")
	o.broadcast(Event{Type: EventIdle})
}

// accrue records one working minute per elapsed minute while the generation
// stays current and the mode stays Working.
func (o *Orchestrator) accrue(gen uint64) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.mu.Lock()
			ok := o.gen == gen && o.mode == ModeWorking
			o.mu.Unlock()
			if !ok {
				return
			}
			if err := o.ledger.AddMinutes(1); err != nil {
				o.logger.Error().Err(err).Msg("Failed to record working minute")
				continue
			}
			o.broadcast(Event{Type: EventRecords, Records: o.ledger.RecentRecords(recentDays)})
		case <-o.ctx.Done():
			return
		}
	}
}
