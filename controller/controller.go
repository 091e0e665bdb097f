package controller

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"golang.org/x/exp/slog"
)

// State is the phase of the controller's loop
type State int

const (
	// StateWaiting samples fragmentation until it crosses the upper bound
	StateWaiting State = iota
	// StateCompacting runs compaction passes until the run's budget is spent or fragmentation recovers
	StateCompacting
)

var stateMapping = map[State]string{
	StateWaiting:    "WAITING",
	StateCompacting: "COMPACTING",
}

func (s State) String() string {
	return stateMapping[s]
}

// Controller drives background compaction. While waiting it samples fragmentation; once fragmentation
// crosses Config.FragUpper it grants itself a budget of Config.Aggressiveness times the live bytes and
// spends it one compaction pass per iteration. The sleep between iterations grows additively while passes
// make progress and shrinks multiplicatively when they don't, and never lets compaction take more than
// Config.TargetOverhead of wall time.
type Controller struct {
	logger    *slog.Logger
	config    Config
	sampler   Sampler
	compactor Compactor

	mutex  sync.Mutex
	state  State
	tokens int
	sleep  time.Duration
	last   Sample

	cancel context.CancelFunc
	done   chan struct{}
}

func New(logger *slog.Logger, config Config, sampler Sampler, compactor Compactor) (*Controller, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}
	if sampler == nil || compactor == nil {
		return nil, errors.New("a controller requires both a sampler and a compactor")
	}

	config = config.withDefaults()
	return &Controller{
		logger:    logger,
		config:    config,
		sampler:   sampler,
		compactor: compactor,
		state:     StateWaiting,
		sleep:     config.MaxSleep,
	}, nil
}

func (c *Controller) Config() Config {
	return c.config
}

func (c *Controller) Sampler() Sampler {
	return c.sampler
}

func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state
}

// Tokens is the number of bytes the current compaction run may still relocate
func (c *Controller) Tokens() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.tokens
}

// Step runs one iteration of the controller loop and returns how long to sleep before the next one
func (c *Controller) Step() (time.Duration, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch {
	case c.config.Mode == ModeDisabled:
		return c.config.MaxSleep, nil
	case c.config.Mode == ModeStress:
		return c.stressStep()
	case c.state == StateWaiting:
		return c.waitStep()
	default:
		return c.compactStep()
	}
}

func (c *Controller) waitStep() (time.Duration, error) {
	sample, err := c.sampler.Sample()
	if err != nil {
		return c.sleep, err
	}
	c.last = sample

	fragmentation := sample.Fragmentation()
	if fragmentation <= c.config.FragUpper {
		return c.sleep, nil
	}

	tokens := int(float64(sample.Live) * c.config.Aggressiveness)
	if tokens <= 0 {
		return c.sleep, nil
	}

	c.tokens = tokens
	c.state = StateCompacting
	c.sleep = c.config.MinSleep

	c.logger.Info("Controller::Step",
		slog.String("State", c.state.String()),
		slog.Float64("Fragmentation", fragmentation),
		slog.String("Resident", humanize.Bytes(uint64(sample.Resident))),
		slog.String("Live", humanize.Bytes(uint64(sample.Live))),
		slog.String("Budget", humanize.Bytes(uint64(tokens))))
	return c.sleep, nil
}

func (c *Controller) compactStep() (time.Duration, error) {
	budget := c.tokens
	if c.config.MaxPassBytes > 0 && budget > c.config.MaxPassBytes {
		budget = c.config.MaxPassBytes
	}

	start := time.Now()
	moved, err := c.compactor.Compact(budget)
	elapsed := time.Since(start)
	if err != nil {
		c.finishRun("error")
		return c.sleep, err
	}
	c.tokens -= moved

	sample, err := c.sampler.Sample()
	if err != nil {
		c.finishRun("error")
		return c.sleep, err
	}

	fragmentation := sample.Fragmentation()
	progressed := moved > 0 && fragmentation < c.last.Fragmentation()
	c.last = sample

	if progressed {
		c.sleep += c.config.AdditiveStep
	} else {
		c.sleep = time.Duration(float64(c.sleep) / c.config.MultiplicativeFactor)
	}
	c.sleep = c.clampSleep(c.sleep, elapsed)

	c.logger.Debug("Controller::Step",
		slog.String("Moved", humanize.Bytes(uint64(moved))),
		slog.Float64("Fragmentation", fragmentation),
		slog.Duration("Elapsed", elapsed),
		slog.Duration("Sleep", c.sleep))

	switch {
	case moved == 0:
		c.finishRun("no progress")
	case c.tokens <= 0:
		c.finishRun("budget spent")
	case fragmentation < c.config.FragLower:
		c.finishRun("fragmentation recovered")
	}

	return c.sleep, nil
}

func (c *Controller) stressStep() (time.Duration, error) {
	c.state = StateCompacting

	start := time.Now()
	moved, err := c.compactor.Compact(math.MaxInt)
	elapsed := time.Since(start)
	if err != nil {
		return c.config.MinSleep, err
	}

	c.sleep = c.clampSleep(c.config.MinSleep, elapsed)
	c.logger.Debug("Controller::Step", slog.String("Mode", c.config.Mode.String()), slog.String("Moved", humanize.Bytes(uint64(moved))))
	return c.sleep, nil
}

func (c *Controller) finishRun(reason string) {
	c.logger.Info("Controller::Step",
		slog.String("State", StateWaiting.String()),
		slog.String("Reason", reason),
		slog.String("Unspent", humanize.Bytes(uint64(c.tokens))))

	c.state = StateWaiting
	c.tokens = 0
}

// clampSleep keeps the sleep within [MinSleep, MaxSleep], then stretches it if a pass that took elapsed
// would otherwise exceed TargetOverhead of wall time
func (c *Controller) clampSleep(sleep, elapsed time.Duration) time.Duration {
	if sleep < c.config.MinSleep {
		sleep = c.config.MinSleep
	}
	if sleep > c.config.MaxSleep {
		sleep = c.config.MaxSleep
	}

	floor := time.Duration(float64(elapsed) * (1 - c.config.TargetOverhead) / c.config.TargetOverhead)
	if sleep < floor {
		sleep = floor
	}

	return sleep
}

// Start runs the controller loop on a new goroutine until the context is cancelled or Stop is called.
// A disabled controller does not start.
func (c *Controller) Start(ctx context.Context) {
	if c.config.Mode == ModeDisabled {
		return
	}
	if c.done != nil {
		panic("controller was started twice")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sleep, err := c.Step()
		if err != nil {
			c.logger.LogAttrs(ctx, slog.LevelError, "Controller::run", slog.Any("error", err))
		}

		timer.Reset(sleep)
	}
}

// Stop cancels the controller loop and waits for it to exit
func (c *Controller) Stop() {
	if c.done == nil {
		return
	}

	c.cancel()
	<-c.done
	c.done = nil
	c.cancel = nil
}
