// Package maneuver executes the next planned maneuver node.
//
// ExecuteNode is a state machine:
//
//	Idle → Validating → Aligning → Warping → Burning → Completed | Failed
//
// with a bounded retry edge Burning → Aligning when the node executor gives
// up early. Every exit path unlocks steering and throttle, disables the
// executor and drops the staging trigger.
package maneuver

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
	"github.com/orbitwright/kosctl/internal/monitoring"
	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/telemetry"
)

// Phase is a state of ExecuteNode.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseAligning   Phase = "aligning"
	PhaseWarping    Phase = "warping"
	PhaseBurning    Phase = "burning"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

const (
	eventSource = "maneuver"

	// alignImprovement is the minimum angle gain, in degrees, that counts
	// as progress while aligning.
	alignImprovement = 0.5

	cleanupTimeout = 15 * time.Second
)

// Monitor reports console health; *monitoring.Monitor implements it.
type Monitor interface {
	Status() monitoring.Status
	Clear()
}

// Options adjust a single ExecuteNode run.
type Options struct {
	// NoWarp skips time acceleration.
	NoWarp bool

	// TimingCorrection overrides the configured flag when set.
	TimingCorrection *bool
}

// Report summarises an ExecuteNode run.
type Report struct {
	Success     bool          `json:"success"`
	Phase       Phase         `json:"phase"`
	Attempts    int           `json:"attempts"`
	RequiredDV  float64       `json:"required_dv"`
	AvailableDV float64       `json:"available_dv"`
	RemainingDV float64       `json:"remaining_dv"`
	Staged      bool          `json:"staged"`
	TimingShift float64       `json:"timing_shift,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Error       string        `json:"error,omitempty"`
}

// Executor runs maneuver nodes through a command executor.
type Executor struct {
	exec           protocol.Executor
	cfg            config.ManeuverConfig
	script         Script
	monitor        Monitor
	bus            *events.Bus
	logger         *slog.Logger
	commandTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithScript overrides command templates; empty fields keep their defaults.
func WithScript(s Script) Option {
	return func(x *Executor) { x.script = s.withDefaults() }
}

// WithMonitor aborts polling loops when the monitor reports an error loop.
func WithMonitor(m Monitor) Option {
	return func(x *Executor) { x.monitor = m }
}

// WithEvents publishes phase and progress events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(x *Executor) { x.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

// WithCommandTimeout sets the per-command timeout; default 10s.
func WithCommandTimeout(d time.Duration) Option {
	return func(x *Executor) { x.commandTimeout = d }
}

// New creates an Executor.
func New(exec protocol.Executor, cfg config.ManeuverConfig, opts ...Option) *Executor {
	x := &Executor{
		exec:           exec,
		cfg:            cfg,
		script:         DefaultScript(),
		commandTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.logger == nil {
		x.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if x.cfg.MaxAttempts <= 0 {
		x.cfg.MaxAttempts = 3
	}
	return x
}

// run tracks the actuators acquired during one ExecuteNode call so cleanup
// releases exactly those.
type run struct {
	report           Report
	executorEnabled  bool
	stagingInstalled bool
	warping          bool
}

// TimingCorrection returns how many seconds to move a node earlier for a
// burn of burnSeconds. The node executor centres ignition on the node time
// instead of the burn midpoint, so half the burn happens late; starting half
// a burn early compensates. The bias is empirical, which is why applying it
// is behind the timing_correction flag.
func TimingCorrection(burnSeconds float64) float64 {
	if math.IsNaN(burnSeconds) || math.IsInf(burnSeconds, 0) || burnSeconds <= 0 {
		return 0
	}
	return burnSeconds / 2
}

// ExecuteNode flies the next maneuver node. The returned error wraps one of
// the package sentinels (or a protocol/context error); the Report is filled
// in either way.
func (x *Executor) ExecuteNode(ctx context.Context, opts Options) (rep Report, err error) {
	start := time.Now()
	r := &run{report: Report{Phase: PhaseIdle}}
	if x.monitor != nil {
		x.monitor.Clear()
	}
	defer func() {
		x.cleanup(ctx, r)
		rep = r.report
		rep.Elapsed = time.Since(start)
		if err != nil {
			rep.Phase = PhaseFailed
			rep.Error = err.Error()
			x.logger.Warn("maneuver failed", "error", err, "attempts", rep.Attempts)
			x.bus.Publish(events.Event{Type: events.EventResult, Source: eventSource, Phase: string(PhaseFailed), Message: err.Error()})
			return
		}
		rep.Success = true
		rep.Phase = PhaseCompleted
		x.logger.Info("maneuver completed", "attempts", rep.Attempts, "remaining_dv", rep.RemainingDV)
		x.bus.Publish(events.Event{
			Type:   events.EventResult,
			Source: eventSource,
			Phase:  string(PhaseCompleted),
			Fields: map[string]float64{"attempts": float64(rep.Attempts), "remaining_dv": rep.RemainingDV},
		})
	}()

	timing := x.cfg.TimingCorrection
	if opts.TimingCorrection != nil {
		timing = *opts.TimingCorrection
	}

	x.enter(r, PhaseValidating, "")
	correction, err := x.validate(ctx, r, timing)
	if err != nil {
		return r.report, err
	}

	for attempt := 1; attempt <= x.cfg.MaxAttempts; attempt++ {
		r.report.Attempts = attempt

		x.enter(r, PhaseAligning, fmt.Sprintf("attempt %d", attempt))
		if err := x.align(ctx); err != nil {
			return r.report, err
		}

		if attempt == 1 && !opts.NoWarp {
			x.enter(r, PhaseWarping, "")
			if err := x.warp(ctx, r, x.cfg.LeadTime.Seconds()+correction); err != nil {
				return r.report, err
			}
		}

		x.enter(r, PhaseBurning, fmt.Sprintf("attempt %d", attempt))
		if attempt == 1 && correction > 0 {
			if err := x.shiftNode(ctx, r, correction); err != nil {
				return r.report, err
			}
		}
		done, err := x.burn(ctx, r)
		if err != nil {
			return r.report, err
		}
		if done {
			if _, err := x.command(ctx, x.script.RemoveNode); err != nil {
				x.logger.Warn("removing residual node", "error", err)
			}
			return r.report, nil
		}
		x.logger.Info("executor stopped early", "attempt", attempt, "remaining_dv", r.report.RemainingDV)
	}
	return r.report, &BurnIncompleteError{Remaining: r.report.RemainingDV, Attempts: r.report.Attempts}
}

func (x *Executor) enter(r *run, p Phase, msg string) {
	r.report.Phase = p
	x.logger.Debug("maneuver phase", "phase", p, "detail", msg)
	x.bus.Phase(eventSource, string(p), msg)
}

// validate checks the delta-v budget and installs the staging trigger when
// the active stage alone cannot finish the burn. It returns the timing
// correction to apply, in seconds.
func (x *Executor) validate(ctx context.Context, r *run, timing bool) (float64, error) {
	out, err := x.command(ctx, x.script.NodeInfo)
	if err != nil {
		return 0, err
	}
	info, err := telemetry.ParseLabeled(out)
	if err != nil {
		return 0, fmt.Errorf("reading node: %w", err)
	}
	if has, err := info.Bool("HASNODE"); err != nil || !has {
		return 0, ErrNoNode
	}
	required, err := info.Float("REQ")
	if err != nil {
		return 0, fmt.Errorf("reading node delta-v: %w", err)
	}
	available, err := info.Float("AVAIL")
	if err != nil {
		return 0, fmt.Errorf("reading vessel delta-v: %w", err)
	}
	r.report.RequiredDV = required
	r.report.AvailableDV = available
	r.report.RemainingDV = required

	if available < required {
		return 0, &DeltaVError{Required: required, Available: available}
	}

	if stage := info.FloatOr("STAGEDV", available); stage < required {
		if _, err := x.command(ctx, x.script.installStaging(x.cfg.StageThreshold)); err != nil {
			return 0, fmt.Errorf("installing staging trigger: %w", err)
		}
		r.stagingInstalled = true
		r.report.Staged = true
		x.logger.Info("staging trigger installed", "stage_dv", stage, "required_dv", required)
	}

	if !timing {
		return 0, nil
	}
	return TimingCorrection(info.FloatOr("BURN", 0)), nil
}

// align engages SAS maneuver hold and waits for the angle to the burn
// vector to drop below the threshold. RCS is enabled once if the angle stops
// improving for the stall window.
func (x *Executor) align(ctx context.Context) error {
	if _, err := x.command(ctx, x.script.PointAtNode); err != nil {
		return err
	}
	start := time.Now()
	best := math.Inf(1)
	bestAt := start
	rcs := false
	for {
		angle, err := x.queryFloat(ctx, x.script.Angle)
		if err != nil {
			return err
		}
		x.bus.Progress(eventSource, string(PhaseAligning), map[string]float64{"angle": angle})
		if angle < x.cfg.AlignThreshold {
			return nil
		}

		now := time.Now()
		switch {
		case angle <= best-alignImprovement:
			best, bestAt = angle, now
		case !rcs && now.Sub(bestAt) >= x.cfg.AlignStallWindow:
			x.logger.Info("rotation stalled, enabling RCS", "angle", angle)
			if _, err := x.command(ctx, x.script.RCSOn); err != nil {
				return err
			}
			rcs = true
			bestAt = now
		}
		if elapsed := now.Sub(start); elapsed >= x.cfg.AlignTimeout {
			return &AlignmentError{Angle: angle, Elapsed: elapsed}
		}
		if err := sleep(ctx, x.cfg.BurnPollInterval); err != nil {
			return err
		}
	}
}

// warp time-accelerates until the node is within lead seconds.
func (x *Executor) warp(ctx context.Context, r *run, lead float64) error {
	eta, err := x.queryFloat(ctx, x.script.NodeETA)
	if err != nil {
		return err
	}
	if eta <= lead {
		return nil
	}
	if _, err := x.command(ctx, x.script.warpTo(lead)); err != nil {
		return err
	}
	r.warping = true
	x.logger.Info("warping to node", "eta", eta, "lead", lead)

	deadline := time.Now().Add(x.cfg.WarpTimeout)
	for eta > lead {
		if time.Now().After(deadline) {
			return fmt.Errorf("warp did not reach the node window within %s (eta %.0fs)", x.cfg.WarpTimeout, eta)
		}
		if err := sleep(ctx, x.cfg.WarpPollInterval); err != nil {
			return err
		}
		if eta, err = x.queryFloat(ctx, x.script.NodeETA); err != nil {
			return err
		}
		x.bus.Progress(eventSource, string(PhaseWarping), map[string]float64{"eta": eta})
	}
	if _, err := x.command(ctx, x.script.CancelWarp); err != nil {
		return err
	}
	r.warping = false
	return nil
}

// shiftNode moves the node earlier by seconds, never past one second from now.
func (x *Executor) shiftNode(ctx context.Context, r *run, seconds float64) error {
	eta, err := x.queryFloat(ctx, x.script.NodeETA)
	if err != nil {
		return err
	}
	seconds = math.Min(seconds, eta-1)
	if seconds <= 0 {
		return nil
	}
	if _, err := x.command(ctx, x.script.shiftNode(seconds)); err != nil {
		return err
	}
	r.report.TimingShift = seconds
	x.logger.Info("node shifted for burn timing", "seconds", seconds)
	return nil
}

// burn enables the executor and polls until the remaining delta-v drops
// below the threshold (done) or the executor disables itself (not done).
func (x *Executor) burn(ctx context.Context, r *run) (bool, error) {
	if _, err := x.command(ctx, x.script.EnableExecutor); err != nil {
		return false, err
	}
	r.executorEnabled = true

	deadline := time.Now().Add(x.cfg.BurnTimeout)
	for {
		out, err := x.command(ctx, x.script.BurnStatus)
		if err != nil {
			return false, err
		}
		status, err := telemetry.ParseLabeled(out)
		if err != nil {
			return false, fmt.Errorf("reading burn status: %w", err)
		}
		remaining, err := status.Float("DV")
		if err != nil {
			return false, fmt.Errorf("reading remaining delta-v: %w", err)
		}
		r.report.RemainingDV = remaining
		x.bus.Progress(eventSource, string(PhaseBurning), map[string]float64{"remaining_dv": remaining})

		if remaining < x.cfg.DeltaVThreshold {
			return true, nil
		}
		if enabled, err := status.Bool("EN"); err == nil && !enabled {
			r.executorEnabled = false
			return false, nil
		}
		if time.Now().After(deadline) {
			return false, &BurnIncompleteError{Remaining: remaining, Attempts: r.report.Attempts, TimedOut: true}
		}
		if err := sleep(ctx, x.cfg.BurnPollInterval); err != nil {
			return false, err
		}
	}
}

// cleanup releases everything this run acquired. It uses a fresh context so
// it still runs after cancellation or a deadline.
func (x *Executor) cleanup(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var steps []string
	if r.warping {
		steps = append(steps, x.script.CancelWarp)
	}
	if r.executorEnabled {
		steps = append(steps, x.script.DisableExecutor)
	}
	steps = append(steps, x.script.Unlock)
	if r.stagingInstalled {
		steps = append(steps, x.script.RemoveStaging)
	}
	for _, cmd := range steps {
		if res, err := x.exec.Execute(ctx, cmd, x.commandTimeout); err != nil || !res.Success {
			x.logger.Error("cleanup command failed", "command", cmd, "error", err, "result", res.Error)
		}
	}
}

// command runs cmd and fails on transport errors, unsuccessful results and
// a looping console.
func (x *Executor) command(ctx context.Context, cmd string) (string, error) {
	res, err := x.exec.Execute(ctx, cmd, x.commandTimeout)
	if err != nil {
		return res.Output, err
	}
	if !res.Success {
		return res.Output, errors.New(res.Error)
	}
	if x.monitor != nil {
		if st := x.monitor.Status(); st.IsLooping {
			return res.Output, fmt.Errorf("%w: %q seen %d times", ErrConsoleLoop, st.ErrorPattern, st.LoopCount)
		}
	}
	return res.Output, nil
}

func (x *Executor) queryFloat(ctx context.Context, cmd string) (float64, error) {
	out, err := x.command(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return telemetry.ParseFloat(out)
}

// ClearNode removes the next maneuver node if there is one.
func (x *Executor) ClearNode(ctx context.Context) error {
	_, err := x.command(ctx, x.script.RemoveNode)
	return err
}

// PlanCircularizeAtApoapsis adds a node at apoapsis that raises periapsis to
// apoapsis altitude and returns its delta-v.
func (x *Executor) PlanCircularizeAtApoapsis(ctx context.Context) (float64, error) {
	dv, err := x.queryFloat(ctx, x.script.Circularize)
	if err != nil {
		return 0, fmt.Errorf("planning circularization: %w", err)
	}
	return dv, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
