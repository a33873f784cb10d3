// Package crash raises a vessel's low point out of the terrain.
//
// Controller.Run is entered only when the periapsis is below the target
// altitude. Each poll it points along an escape vector, throttles in
// proportion to how well it is aligned, stages spent stages and checks
// whether the trajectory is safe. Once safe it releases the controls and
// hands off to a circularization burn.
package crash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/orbitwright/kosctl/internal/config"
	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/maneuver"
	"github.com/orbitwright/kosctl/internal/monitoring"
	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/telemetry"
)

const (
	eventSource = "crash"

	// DefaultOrbitSpeed is the orbital speed above which the controller
	// steers radially in the orbital plane instead of straight up.
	DefaultOrbitSpeed = 1000.0

	cleanupTimeout  = 15 * time.Second
	throttleEpsilon = 0.005
)

// Mode is the navigation reference used for the escape vector.
type Mode string

const (
	ModeSurface Mode = "surface"
	ModeOrbit   Mode = "orbit"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeAlreadySafe Outcome = "already_safe"
	OutcomeSafe        Outcome = "safe"
	OutcomeTimeout     Outcome = "unsafe_timeout"
	OutcomeFailed      Outcome = "failed"
)

// Trigger names the condition that ended the climb.
type Trigger string

const (
	TriggerSafety Trigger = "safety"
	TriggerTilt   Trigger = "tilt"
)

// Handoff runs the follow-up maneuver once the trajectory is safe.
type Handoff interface {
	Circularize(ctx context.Context) error
}

// HandoffFunc adapts a function to Handoff.
type HandoffFunc func(ctx context.Context) error

func (f HandoffFunc) Circularize(ctx context.Context) error { return f(ctx) }

// CircularizeWith plans a node at apoapsis and flies it with x.
func CircularizeWith(x *maneuver.Executor) Handoff {
	return HandoffFunc(func(ctx context.Context) error {
		if _, err := x.PlanCircularizeAtApoapsis(ctx); err != nil {
			return err
		}
		_, err := x.ExecuteNode(ctx, maneuver.Options{})
		return err
	})
}

// Monitor reports console health; *monitoring.Monitor implements it.
type Monitor interface {
	Status() monitoring.Status
	Clear()
}

// Options adjust a single run.
type Options struct {
	// TargetAltitude overrides the configured safe altitude when positive.
	TargetAltitude float64

	// NoHandoff skips circularization even when a Handoff is configured.
	NoHandoff bool
}

// Report summarises a run.
type Report struct {
	Success      bool          `json:"success"`
	Outcome      Outcome       `json:"outcome"`
	Mode         Mode          `json:"mode,omitempty"`
	Trigger      Trigger       `json:"trigger,omitempty"`
	Target       float64       `json:"target"`
	InitialLow   float64       `json:"initial_low"`
	FinalLow     float64       `json:"final_low"`
	DeltaVUsed   float64       `json:"delta_v_used"`
	StagesUsed   int           `json:"stages_used"`
	Throttle     float64       `json:"throttle"`
	Elapsed      time.Duration `json:"elapsed"`
	HandoffError string        `json:"handoff_error,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Controller flies the crash-avoidance loop.
type Controller struct {
	exec           protocol.Executor
	cfg            config.CrashConfig
	script         Script
	handoff        Handoff
	monitor        Monitor
	bus            *events.Bus
	logger         *slog.Logger
	commandTimeout time.Duration
	orbitSpeed     float64
}

// Option configures a Controller.
type Option func(*Controller)

// WithHandoff sets the maneuver run once safe.
func WithHandoff(h Handoff) Option {
	return func(c *Controller) { c.handoff = h }
}

// WithMonitor aborts the loop when the monitor reports an error loop.
func WithMonitor(m Monitor) Option {
	return func(c *Controller) { c.monitor = m }
}

func WithEvents(bus *events.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithCommandTimeout(d time.Duration) Option {
	return func(c *Controller) { c.commandTimeout = d }
}

// WithOrbitSpeed sets the speed at which orbit mode takes over.
func WithOrbitSpeed(v float64) Option {
	return func(c *Controller) { c.orbitSpeed = v }
}

// WithScript replaces the command templates.
func WithScript(s Script) Option {
	return func(c *Controller) { c.script = s }
}

// New creates a Controller.
func New(exec protocol.Executor, cfg config.CrashConfig, opts ...Option) *Controller {
	c := &Controller{
		exec:           exec,
		cfg:            cfg,
		script:         DefaultScript(),
		commandTimeout: 10 * time.Second,
		orbitSpeed:     DefaultOrbitSpeed,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.cfg.PollInterval <= 0 {
		c.cfg.PollInterval = 500 * time.Millisecond
	}
	if c.cfg.Timeout <= 0 {
		c.cfg.Timeout = 5 * time.Minute
	}
	return c
}

// Throttle maps the angle between facing and the escape vector to a throttle
// fraction: 1 at or below full degrees, 0 at or above start degrees, linear
// in between.
func Throttle(angle, start, full float64) float64 {
	switch {
	case math.IsNaN(angle):
		return 0
	case angle <= full:
		return 1
	case angle >= start:
		return 0
	}
	return (start - angle) / (start - full)
}

// sample is one parsed Status reading.
type sample struct {
	alt, apo, per float64
	vs, speed     float64
	pitch         float64
	upAngle       float64
	radialAngle   float64
	stageDV, dv   float64
	stage         int
}

func (s sample) mode(orbitSpeed float64) Mode {
	if s.speed >= orbitSpeed {
		return ModeOrbit
	}
	return ModeSurface
}

func (s sample) angle(m Mode) float64 {
	if m == ModeOrbit {
		return s.radialAngle
	}
	return s.upAngle
}

// safe reports whether the trajectory clears target in mode m. In surface
// mode the vessel must be climbing with its high point above target; in
// orbit mode the low point itself must clear it.
func (s sample) safe(m Mode, target float64) bool {
	if m == ModeOrbit {
		return s.per >= target
	}
	return s.vs > 0 && s.apo >= target
}

type flight struct {
	report   Report
	locked   bool
	throttle float64
	steering Mode
	climbed  bool // a non-zero throttle was commanded
	orbitNav bool
}

// navMode picks the navigation reference for s. Once switched to orbit
// navigation the run stays there.
func (c *Controller) navMode(f *flight, s sample) Mode {
	if f.orbitNav {
		return ModeOrbit
	}
	return s.mode(c.orbitSpeed)
}

// Run climbs until the trajectory is safe or the configured timeout passes.
func (c *Controller) Run(ctx context.Context, opts Options) (rep Report, err error) {
	start := time.Now()
	target := c.cfg.TargetAltitude
	if opts.TargetAltitude > 0 {
		target = opts.TargetAltitude
	}
	f := &flight{report: Report{Target: target}, throttle: -1}
	if c.monitor != nil {
		c.monitor.Clear()
	}

	defer func() {
		c.release(ctx, f)
		rep = f.report
		rep.Elapsed = time.Since(start)
		if err != nil {
			if rep.Outcome == "" {
				rep.Outcome = OutcomeFailed
			}
			rep.Error = err.Error()
			c.logger.Warn("crash avoidance failed", "error", err, "low", rep.FinalLow)
		} else {
			rep.Success = true
			c.logger.Info("trajectory safe", "outcome", rep.Outcome, "low", rep.FinalLow, "dv_used", rep.DeltaVUsed)
		}
		c.bus.Publish(events.Event{
			Type:    events.EventResult,
			Source:  eventSource,
			Phase:   string(rep.Outcome),
			Message: rep.Error,
			Fields:  map[string]float64{"low": rep.FinalLow, "dv_used": rep.DeltaVUsed, "stages": float64(rep.StagesUsed)},
		})
	}()

	s, err := c.sample(ctx)
	if err != nil {
		return f.report, err
	}
	f.report.InitialLow, f.report.FinalLow = s.per, s.per
	initialDV := s.dv
	if s.per >= target {
		f.report.Outcome = OutcomeAlreadySafe
		c.bus.Phase(eventSource, string(OutcomeAlreadySafe), fmt.Sprintf("low point %.0f m", s.per))
		return f.report, nil
	}
	c.logger.Info("trajectory unsafe, climbing", "low", s.per, "target", target)

	timeout := time.NewTimer(c.cfg.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		mode := c.navMode(f, s)
		f.report.Mode = mode
		if f.steering != mode {
			if _, err := c.command(ctx, c.script.steer(mode)); err != nil {
				return f.report, err
			}
			f.locked = true
			f.steering = mode
			c.bus.Phase(eventSource, string(mode), "steering to escape vector")
		}

		throttle := Throttle(s.angle(mode), c.cfg.StartAngle, c.cfg.FullAngle)
		if math.Abs(throttle-f.throttle) > throttleEpsilon {
			if _, err := c.command(ctx, c.script.throttle(throttle)); err != nil {
				return f.report, err
			}
			f.locked = true
			f.throttle = throttle
			f.climbed = f.climbed || throttle > 0
		}
		f.report.Throttle = throttle

		if s.stageDV < c.cfg.StageThreshold && s.stage > 0 && throttle > 0 {
			if _, err := c.command(ctx, c.script.Stage); err != nil {
				return f.report, err
			}
			f.report.StagesUsed++
			c.logger.Info("staged", "stage", s.stage, "stage_dv", s.stageDV)
		}

		c.bus.Progress(eventSource, string(mode), map[string]float64{
			"low": s.per, "high": s.apo, "vs": s.vs, "angle": s.angle(mode), "throttle": throttle,
		})

		select {
		case <-ctx.Done():
			return f.report, ctx.Err()
		case <-timeout.C:
			return f.report, c.timedOut(f, start)
		case <-ticker.C:
		}

		if s, err = c.sample(ctx); err != nil {
			return f.report, err
		}
		f.report.FinalLow = s.per
		f.report.DeltaVUsed = math.Max(0, initialDV-s.dv)

		mode = c.navMode(f, s)
		var trigger Trigger
		switch {
		case s.safe(mode, target):
			trigger = TriggerSafety
		case mode == ModeSurface && s.vs > 0 && s.pitch < c.cfg.TiltThreshold:
			// Tilting over only ends a climb that has started. A vessel
			// already near horizontal is moving sideways, so it is steered
			// in the orbital plane instead.
			if f.climbed || f.report.DeltaVUsed > 0 {
				trigger = TriggerTilt
				break
			}
			c.logger.Info("horizontal before climbing, switching to orbit navigation", "pitch", s.pitch, "speed", s.speed)
			f.orbitNav = true
		}
		if trigger != "" {
			f.report.Mode = mode
			return c.finish(ctx, f, trigger, opts)
		}
	}
}

func (c *Controller) timedOut(f *flight, start time.Time) error {
	f.report.Outcome = OutcomeTimeout
	return &UnsafeTimeoutError{LastLow: f.report.FinalLow, Target: f.report.Target, Elapsed: time.Since(start)}
}

// finish releases the controls and runs the hand-off. A failed hand-off is
// recorded but does not fail the run.
func (c *Controller) finish(ctx context.Context, f *flight, trigger Trigger, opts Options) (Report, error) {
	f.report.Outcome = OutcomeSafe
	f.report.Trigger = trigger
	c.logger.Info("climb complete", "trigger", trigger, "low", f.report.FinalLow)
	c.bus.Phase(eventSource, string(OutcomeSafe), "trigger "+string(trigger))
	c.release(ctx, f)

	if c.handoff == nil || opts.NoHandoff || !c.cfg.Circularize {
		return f.report, nil
	}
	c.bus.Phase(eventSource, "handoff", "circularizing")
	if err := c.handoff.Circularize(ctx); err != nil {
		f.report.HandoffError = err.Error()
		c.logger.Warn("circularization hand-off failed", "error", err)
	}
	return f.report, nil
}

// release zeroes the throttle and unlocks the controls if they were taken.
func (c *Controller) release(ctx context.Context, f *flight) {
	if !f.locked {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if res, err := c.exec.Execute(ctx, c.script.Unlock, c.commandTimeout); err != nil || !res.Success {
		c.logger.Error("releasing controls failed", "error", err, "result", res.Error)
		return
	}
	f.locked = false
	f.report.Throttle = 0
}

func (c *Controller) sample(ctx context.Context) (sample, error) {
	out, err := c.command(ctx, c.script.Status)
	if err != nil {
		return sample{}, err
	}
	l, err := telemetry.ParseLabeled(out)
	if err != nil {
		return sample{}, fmt.Errorf("reading vessel status: %w", err)
	}
	var s sample
	for key, dst := range map[string]*float64{
		"ALT": &s.alt, "APO": &s.apo, "PER": &s.per, "VS": &s.vs,
	} {
		if *dst, err = l.Float(key); err != nil {
			return sample{}, fmt.Errorf("reading vessel status: %w", err)
		}
	}
	s.speed = l.FloatOr("SPD", 0)
	s.pitch = l.FloatOr("PITCH", 90)
	s.upAngle = l.FloatOr("UPANG", math.NaN())
	s.radialAngle = l.FloatOr("RADANG", math.NaN())
	s.stageDV = l.FloatOr("STAGEDV", 0)
	s.dv = l.FloatOr("DV", 0)
	s.stage = int(l.FloatOr("STAGE", 0))
	return s, nil
}

func (c *Controller) command(ctx context.Context, cmd string) (string, error) {
	res, err := c.exec.Execute(ctx, cmd, c.commandTimeout)
	if err != nil {
		return res.Output, err
	}
	if !res.Success {
		return res.Output, errors.New(res.Error)
	}
	if c.monitor != nil {
		if st := c.monitor.Status(); st.IsLooping {
			return res.Output, fmt.Errorf("%w: %q seen %d times", ErrConsoleLoop, st.ErrorPattern, st.LoopCount)
		}
	}
	return res.Output, nil
}
