package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/petralabs/riskgate/internal/approval"
	"github.com/petralabs/riskgate/internal/health"
	"github.com/petralabs/riskgate/internal/idempotency"
	"github.com/petralabs/riskgate/internal/ledger"
	"github.com/petralabs/riskgate/internal/risk"
	"github.com/petralabs/riskgate/pkg/types"
)

// consecutiveFailureAlertAt is the failed-tick streak that raises a
// critical alert.
const consecutiveFailureAlertAt = 3

// StepResult is what a pipeline step reports back for an executed action.
type StepResult struct {
	Output      json.RawMessage
	RealizedPnL decimal.Decimal
}

// PipelineStep is an external pipeline stage (ingestion, training,
// backtest, execution). The scheduler wraps each proposed action in the
// governance flow; Execute is only called for actions the policy engine
// allowed.
type PipelineStep interface {
	Name() string
	Propose(ctx context.Context) ([]types.Action, error)
	Execute(ctx context.Context, action types.Action) (StepResult, error)
}

// Alerter receives alerts raised during a tick.
type Alerter interface {
	Dispatch(alert types.Alert) error
}

// Config wires the scheduler's collaborators.
type Config struct {
	Interval time.Duration
	Engine   *risk.Engine
	Gate     *approval.Gate
	Tracker  *idempotency.Tracker
	Monitor  *health.Monitor
	Alerts   Alerter
	Ledger   *ledger.Ledger
	Steps    []PipelineStep
}

// Scheduler owns the only run loop in the core. Each tick runs health
// checks (engaging the kill switch on a confirmed breach), routes every
// proposed action through claim → evaluate → ledger → execute, and rolls
// the risk counters at UTC day boundaries.
type Scheduler struct {
	cfg  Config
	cron *cron.Cron
	now  func() time.Time
	log  zerolog.Logger

	mu       sync.Mutex
	failures int
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log.With().Str("component", "scheduler").Logger() }
}

func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg: cfg,
		now: time.Now,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules ticks at the configured interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("%w: schedule interval must be positive", types.ErrValidation)
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		if ctx.Err() != nil {
			return
		}
		_ = s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Stop halts scheduling and returns once any in-flight tick finishes.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunOnce executes a single tick. Errors and panics are recorded as
// tick_failed ledger entries; a streak of failed ticks raises a critical
// alert. Suitable for both the cron loop and the one-shot CLI path.
func (s *Scheduler) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
		s.noteOutcome(err)
	}()
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) error {
	start := s.now().UTC()

	if s.cfg.Monitor != nil {
		for _, a := range s.cfg.Monitor.Check(ctx) {
			s.dispatch(a)
			if reason, halt := health.Breach(a); halt {
				if err := s.cfg.Engine.Engage(ctx, reason); err != nil {
					return fmt.Errorf("engage kill switch: %w", err)
				}
			}
		}
	}

	// Counters roll over before any of today's actions are evaluated.
	if err := s.rolloverIfDue(ctx, start); err != nil {
		return err
	}

	for _, step := range s.cfg.Steps {
		if err := s.runStep(ctx, step); err != nil {
			return fmt.Errorf("step %s: %w", step.Name(), err)
		}
	}

	if s.cfg.Tracker != nil {
		if _, err := s.cfg.Tracker.PurgeExpired(ctx); err != nil {
			s.log.Error().Err(err).Msg("idempotency sweep failed")
		}
	}

	s.log.Debug().Dur("elapsed", s.now().UTC().Sub(start)).Msg("tick complete")
	return nil
}

func (s *Scheduler) runStep(ctx context.Context, step PipelineStep) error {
	actions, err := step.Propose(ctx)
	if err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	for _, action := range actions {
		// Cancellation is honored between actions, never mid-action: an
		// evaluate + ledger-append pair always completes once started.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.processAction(ctx, step, action); err != nil {
			return err
		}
	}
	return nil
}

// cachedOutcome is the per-key record stored by the idempotency tracker so
// replays observe the original result without re-executing.
type cachedOutcome struct {
	Decision  string          `json:"decision"`
	Reasons   []string        `json:"reasons"`
	RequestID string          `json:"request_id,omitempty"`
	Executed  bool            `json:"executed"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (s *Scheduler) processAction(ctx context.Context, step PipelineStep, action types.Action) error {
	claim, err := s.cfg.Tracker.Claim(ctx, action.IdempotencyKey)
	if err != nil {
		if errors.Is(err, idempotency.ErrUnknownOutcome) {
			// A previous process run died mid-execution. Never re-execute;
			// an operator must reconcile against the ledger and broker.
			s.dispatch(types.Alert{
				Level:   types.AlertCritical,
				Message: "action has unknown outcome, manual reconciliation required",
				Context: map[string]any{
					"step":            step.Name(),
					"kind":            string(action.Kind),
					"idempotency_key": action.IdempotencyKey,
				},
			})
			return nil
		}
		return fmt.Errorf("claim %s: %w", action.IdempotencyKey, err)
	}
	if !claim.FirstClaim {
		s.log.Debug().Str("idempotency_key", action.IdempotencyKey).Msg("replayed action, cached outcome")
		return nil
	}

	// A claimed action runs to completion: cancellation is honored between
	// actions in runStep, never between a claim and its completion record.
	ctx = context.WithoutCancel(ctx)

	outcome, err := s.cfg.Engine.Evaluate(ctx, action)
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			// Malformed actions are terminal: complete the claim so the key
			// is not stranded in flight.
			return s.complete(ctx, action, cachedOutcome{Decision: "invalid", Error: err.Error()})
		}
		return fmt.Errorf("evaluate %s: %w", action.IdempotencyKey, err)
	}

	cached := cachedOutcome{Decision: string(outcome.Decision), Reasons: outcome.Reasons}

	switch outcome.Decision {
	case types.DecisionAllow:
		return s.executeAllowed(ctx, step, action, cached)

	case types.DecisionRequireApproval:
		req, err := s.cfg.Gate.Submit(ctx, action)
		if err != nil {
			return fmt.Errorf("submit approval: %w", err)
		}
		cached.RequestID = req.ID
		return s.complete(ctx, action, cached)

	default: // deny
		return s.complete(ctx, action, cached)
	}
}

func (s *Scheduler) executeAllowed(ctx context.Context, step PipelineStep, action types.Action, cached cachedOutcome) error {
	result, execErr := step.Execute(ctx, action)
	if execErr != nil {
		if _, err := s.cfg.Ledger.Append(ledger.EventActionFailed, step.Name(), map[string]any{
			"kind":            string(action.Kind),
			"idempotency_key": action.IdempotencyKey,
			"error":           execErr.Error(),
		}); err != nil {
			return err
		}
		cached.Error = execErr.Error()
		return s.complete(ctx, action, cached)
	}

	if _, err := s.cfg.Ledger.Append(ledger.EventActionExecuted, step.Name(), map[string]any{
		"kind":            string(action.Kind),
		"idempotency_key": action.IdempotencyKey,
	}); err != nil {
		return err
	}
	if !result.RealizedPnL.IsZero() {
		s.cfg.Engine.RecordFill(ctx, result.RealizedPnL)
	}
	cached.Executed = true
	cached.Output = result.Output
	return s.complete(ctx, action, cached)
}

func (s *Scheduler) complete(ctx context.Context, action types.Action, cached cachedOutcome) error {
	body, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	return s.cfg.Tracker.Complete(ctx, action.IdempotencyKey, body)
}

// rolloverIfDue resets the daily risk counters when the UTC date has moved
// past the engine's recorded trading day.
func (s *Scheduler) rolloverIfDue(ctx context.Context, now time.Time) error {
	today := now.Format("2006-01-02")
	current := s.cfg.Engine.TradingDay()
	if current == today {
		return nil
	}
	if current != "" {
		s.log.Info().Str("from", current).Str("to", today).Msg("trading day rollover")
	}
	return s.cfg.Engine.ResetDaily(ctx, today)
}

func (s *Scheduler) noteOutcome(tickErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tickErr == nil {
		s.failures = 0
		return
	}

	s.failures++
	s.log.Error().Err(tickErr).Int("consecutive", s.failures).Msg("tick failed")

	if _, err := s.cfg.Ledger.Append(ledger.EventTickFailed, "scheduler", map[string]any{
		"error":       tickErr.Error(),
		"consecutive": s.failures,
	}); err != nil {
		s.log.Error().Err(err).Msg("ledger append for failed tick")
	}

	if s.failures >= consecutiveFailureAlertAt {
		s.dispatch(types.Alert{
			Level:   types.AlertCritical,
			Message: "scheduler tick failing repeatedly",
			Context: map[string]any{"consecutive": s.failures, "error": tickErr.Error()},
		})
	}
}

func (s *Scheduler) dispatch(a types.Alert) {
	if s.cfg.Alerts == nil {
		return
	}
	if err := s.cfg.Alerts.Dispatch(a); err != nil {
		s.log.Error().Err(err).Str("message", a.Message).Msg("alert dispatch failed")
	}
}
