// Package scheduler drives cases through their voting window. It serializes
// every command per case, owns the expiry timers and guarantees that each
// closed case produces exactly one case.closed notification.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"courtbot/ballot"
	"courtbot/clock"
	"courtbot/court"
	"courtbot/lawsuit"
	"courtbot/notify"
	"courtbot/verdict"
)

const (
	// storeTimeout bounds store calls made from timer callbacks, which have
	// no caller context.
	storeTimeout = 30 * time.Second
	// retryDelay is how long a failed expiry waits before trying again.
	retryDelay = 5 * time.Second
)

// Config holds the defaults applied to new cases.
type Config struct {
	DefaultPolicy court.Policy
	DefaultWindow time.Duration
	MaxWindow     time.Duration
}

// DefaultConfig is a 24h window with the default policy.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy: court.DefaultPolicy(),
		DefaultWindow: 24 * time.Hour,
		MaxWindow:     14 * 24 * time.Hour,
	}
}

type Scheduler struct {
	cases   lawsuit.Store
	ballots ballot.Ledger
	sink    notify.Sink
	cfg     Config

	clock       clock.Clock
	logger      *slog.Logger
	idGenerator func() string
	outbox      bool
	metrics     *instruments

	locks keyedMutex

	timersMu sync.Mutex
	timers   map[string]*armedTimer
	gen      uint64

	stateMu  sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

type armedTimer struct {
	timer    *clock.Timer
	gen      uint64
	deadline time.Time
}

func New(cases lawsuit.Store, ballots ballot.Ledger, sink notify.Sink, cfg Config) *Scheduler {
	if sink == nil {
		sink = notify.Discard
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultConfig().DefaultWindow
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = DefaultConfig().MaxWindow
	}
	if cfg.DefaultPolicy == (court.Policy{}) {
		cfg.DefaultPolicy = court.DefaultPolicy()
	}
	return &Scheduler{
		cases:       cases,
		ballots:     ballots,
		sink:        sink,
		cfg:         cfg,
		clock:       clock.Real(),
		logger:      court.ResolveLogger(nil),
		idGenerator: func() string { return uuid.NewString() },
		metrics:     newInstruments(nil),
		timers:      make(map[string]*armedTimer),
	}
}

func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

func (s *Scheduler) WithIDGenerator(gen func() string) *Scheduler {
	s.idGenerator = gen
	return s
}

func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = court.ResolveLogger(logger)
	return s
}

func (s *Scheduler) WithMeterProvider(mp metric.MeterProvider) *Scheduler {
	s.metrics = newInstruments(mp)
	return s
}

// WithOutbox attaches encoded notifications to every transition so stores
// with a durable outbox can enqueue them in the same transaction.
func (s *Scheduler) WithOutbox() *Scheduler {
	s.outbox = true
	return s
}

// FileCaseCommand opens a new case. CaseID is optional; when set, replaying
// the same command returns the existing case instead of failing.
type FileCaseCommand struct {
	CaseID  string
	GuildID string
	Subject string
	Filer   string
	Reason  string
	Window  time.Duration
	Policy  court.PolicyOverride
}

// FileResult is the outcome of FileCase.
type FileResult struct {
	Case court.Case
	// Replayed is set when CaseID matched an existing case.
	Replayed bool
}

// CastVoteCommand records or replaces one voter's ballot.
type CastVoteCommand struct {
	CaseID string
	Voter  string
	Choice court.Choice
}

// VoteResult describes an accepted vote and whether it closed the case.
type VoteResult struct {
	Vote     court.Vote
	Previous court.Choice
	Tally    court.Tally
	Case     court.Case
	Closed   bool
	Decision verdict.Decision
}

// CaseView is a case with its current tally.
type CaseView struct {
	Case  court.Case
	Tally court.Tally
}

// ResumeReport counts what Resume did.
type ResumeReport struct {
	Armed  int
	Closed int
	Opened int
}

func (s *Scheduler) FileCase(ctx context.Context, cmd FileCaseCommand) (FileResult, error) {
	cmd.Subject = strings.TrimSpace(cmd.Subject)
	cmd.Filer = strings.TrimSpace(cmd.Filer)
	switch {
	case cmd.Subject == "":
		return FileResult{}, fmt.Errorf("%w: missing subject", court.ErrInvalidCommand)
	case cmd.Filer == "":
		return FileResult{}, fmt.Errorf("%w: missing filer", court.ErrInvalidCommand)
	case cmd.Subject == cmd.Filer:
		return FileResult{}, fmt.Errorf("%w: filer cannot accuse themselves", court.ErrInvalidCommand)
	case cmd.Window < 0:
		return FileResult{}, fmt.Errorf("%w: negative window", court.ErrInvalidCommand)
	case cmd.Window > s.cfg.MaxWindow:
		return FileResult{}, fmt.Errorf("%w: window %s exceeds %s", court.ErrInvalidCommand, cmd.Window, s.cfg.MaxWindow)
	}
	window := cmd.Window
	if window == 0 {
		window = s.cfg.DefaultWindow
	}
	policy := cmd.Policy.Apply(s.cfg.DefaultPolicy)
	if err := policy.Validate(); err != nil {
		return FileResult{}, err
	}

	done, err := s.begin()
	if err != nil {
		return FileResult{}, err
	}
	defer done()

	id := cmd.CaseID
	if id == "" {
		id = s.idGenerator()
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.clock.Now()
	c := court.Case{
		ID:        id,
		GuildID:   cmd.GuildID,
		Subject:   cmd.Subject,
		Filer:     cmd.Filer,
		Reason:    cmd.Reason,
		Policy:    policy,
		Window:    window,
		CreatedAt: now,
		Deadline:  now.Add(window),
		State:     court.StateFiled,
	}
	created, err := s.cases.Create(ctx, c)
	switch {
	case errors.Is(err, court.ErrDuplicateCase) && cmd.CaseID != "":
		existing, getErr := s.cases.Get(ctx, id)
		if getErr != nil {
			return FileResult{}, fmt.Errorf("scheduler: file case: %w", getErr)
		}
		if existing.Subject != c.Subject || existing.Filer != c.Filer || existing.GuildID != c.GuildID {
			return FileResult{}, court.ErrDuplicateCase
		}
		if existing.State != court.StateFiled {
			return FileResult{Case: existing, Replayed: true}, nil
		}
		// A previous attempt stopped between create and open.
		opened, err := s.openLocked(ctx, existing)
		if err != nil {
			return FileResult{}, err
		}
		return FileResult{Case: opened, Replayed: true}, nil
	case err != nil:
		return FileResult{}, err
	}

	opened, err := s.openLocked(ctx, created)
	if err != nil {
		return FileResult{}, err
	}
	s.logger.InfoContext(ctx, "case filed",
		slog.String("event", "case_filed"),
		slog.String("module", "scheduler"),
		slog.String("layer", "application"),
		slog.String("case_id", opened.ID),
		slog.String("guild_id", opened.GuildID),
		slog.Time("deadline", opened.Deadline),
	)
	return FileResult{Case: opened}, nil
}

// openLocked moves a FILED case into VOTING, announces it and arms its
// timer. A case whose deadline already passed is closed straight away.
func (s *Scheduler) openLocked(ctx context.Context, c court.Case) (court.Case, error) {
	now := s.clock.Now()
	ev := notify.NewCaseEvent(s.idGenerator(), notify.EventCaseOpened, c, now)
	params := lawsuit.TransitionParams{
		ID:   c.ID,
		From: court.StateFiled,
		To:   court.StateVoting,
		At:   now,
	}
	if err := s.attachOutbox(&params, ev); err != nil {
		return court.Case{}, err
	}
	opened, err := s.cases.Transition(ctx, params)
	if err != nil {
		return court.Case{}, fmt.Errorf("scheduler: open case: %w", err)
	}
	s.metrics.caseOpened(ctx)
	s.emit(ctx, ev)

	if opened.Expired(now) {
		closed, _, err := s.evaluateLocked(ctx, opened, true)
		if err != nil {
			return opened, nil
		}
		return closed, nil
	}
	s.armLocked(opened.ID, opened.Deadline)
	return opened, nil
}

func (s *Scheduler) CastVote(ctx context.Context, cmd CastVoteCommand) (VoteResult, error) {
	cmd.Voter = strings.TrimSpace(cmd.Voter)
	if cmd.CaseID == "" || cmd.Voter == "" {
		return VoteResult{}, fmt.Errorf("%w: case and voter are required", court.ErrInvalidCommand)
	}

	done, err := s.begin()
	if err != nil {
		return VoteResult{}, err
	}
	defer done()

	unlock := s.locks.Lock(cmd.CaseID)
	defer unlock()

	c, err := s.cases.Get(ctx, cmd.CaseID)
	if err != nil {
		return VoteResult{}, err
	}
	if c.State != court.StateVoting {
		return VoteResult{}, court.ErrCaseClosed
	}
	if cmd.Voter == c.Subject {
		return VoteResult{}, court.ErrSelfVote
	}

	now := s.clock.Now()
	if c.Expired(now) {
		// The timer has not run yet. Close on the ballots cast in time and
		// turn the late vote away.
		if _, _, err := s.evaluateLocked(ctx, c, true); err != nil {
			return VoteResult{}, err
		}
		return VoteResult{}, court.ErrCaseClosed
	}
	receipt, err := s.ballots.Record(ctx, c.ID, cmd.Voter, cmd.Choice, now)
	if err != nil {
		return VoteResult{}, err
	}
	s.metrics.voteRecorded(ctx, receipt.Previous != "" && receipt.Changed())

	result := VoteResult{
		Vote:     receipt.Vote,
		Previous: receipt.Previous,
		Tally:    receipt.Tally,
		Case:     c,
	}
	decision := verdict.Evaluate(verdict.Input{
		Tally:         receipt.Tally,
		VoterCount:    receipt.Tally.Total(),
		Policy:        c.Policy,
		WindowExpired: false,
	})
	result.Decision = decision
	if !decision.Close {
		return result, nil
	}
	closed, ok, err := s.closeLocked(ctx, c, decision, receipt.Tally)
	if err != nil {
		// The vote itself is durable; closure is retried by the timer.
		s.logger.ErrorContext(ctx, "close after vote failed",
			slog.String("event", "case_close_failed"),
			slog.String("module", "scheduler"),
			slog.String("layer", "application"),
			slog.String("case_id", c.ID),
			slog.Any("error", err),
		)
		return result, nil
	}
	if ok {
		result.Case = closed
		result.Closed = true
	}
	return result, nil
}

// TimerFired closes the case if its window has passed. Firing early, twice
// or after the case left VOTING is a no-op.
func (s *Scheduler) TimerFired(ctx context.Context, caseID string) error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()

	unlock := s.locks.Lock(caseID)
	defer unlock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c.State != court.StateVoting {
		return nil
	}
	if !c.Expired(s.clock.Now()) {
		s.logger.DebugContext(ctx, "timer fired before deadline",
			slog.String("event", "timer_premature"),
			slog.String("module", "scheduler"),
			slog.String("layer", "application"),
			slog.String("case_id", caseID),
		)
		return nil
	}
	_, _, err = s.evaluateLocked(ctx, c, true)
	return err
}

// CloseNow ends voting immediately and computes the verdict as if the
// window had expired.
func (s *Scheduler) CloseNow(ctx context.Context, caseID string) (court.Case, error) {
	done, err := s.begin()
	if err != nil {
		return court.Case{}, err
	}
	defer done()

	unlock := s.locks.Lock(caseID)
	defer unlock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return court.Case{}, err
	}
	if c.State != court.StateVoting {
		return court.Case{}, court.ErrCaseClosed
	}
	closed, ok, err := s.evaluateLocked(ctx, c, true)
	if err != nil {
		return court.Case{}, err
	}
	if !ok {
		return court.Case{}, court.ErrCaseClosed
	}
	return closed, nil
}

// CancelCase withdraws a case that has received no votes.
func (s *Scheduler) CancelCase(ctx context.Context, caseID string) (court.Case, error) {
	done, err := s.begin()
	if err != nil {
		return court.Case{}, err
	}
	defer done()

	unlock := s.locks.Lock(caseID)
	defer unlock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return court.Case{}, err
	}
	if c.State.Terminal() {
		return court.Case{}, court.ErrCaseClosed
	}
	wasVoting := c.State == court.StateVoting
	if wasVoting {
		n, err := s.ballots.VoterCount(ctx, caseID)
		if err != nil {
			return court.Case{}, err
		}
		if n > 0 {
			return court.Case{}, court.ErrAlreadyVoting
		}
	}

	s.disarm(caseID)
	now := s.clock.Now()
	ev := notify.NewCaseEvent(s.idGenerator(), notify.EventCaseCancelled, c, now)
	params := lawsuit.TransitionParams{ID: c.ID, From: c.State, To: court.StateCancelled, At: now}
	if err := s.attachOutbox(&params, ev); err != nil {
		return court.Case{}, err
	}
	cancelled, err := s.cases.Transition(ctx, params)
	if err != nil {
		if wasVoting {
			s.rearmLocked(c)
		}
		return court.Case{}, err
	}
	s.metrics.caseCancelled(ctx, wasVoting)
	s.emit(ctx, ev)
	return cancelled, nil
}

func (s *Scheduler) Case(ctx context.Context, caseID string) (CaseView, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return CaseView{}, err
	}
	tally, err := s.ballots.Tally(ctx, caseID)
	if err != nil {
		return CaseView{}, err
	}
	return CaseView{Case: c, Tally: tally}, nil
}

func (s *Scheduler) Cases(ctx context.Context, filter lawsuit.Filter) ([]court.Case, error) {
	return s.cases.List(ctx, filter)
}

func (s *Scheduler) Votes(ctx context.Context, caseID string) ([]court.Vote, error) {
	if _, err := s.cases.Get(ctx, caseID); err != nil {
		return nil, err
	}
	return s.ballots.Votes(ctx, caseID)
}

// Resume re-arms timers for every open case after a restart. Deadlines are
// absolute, so a case whose window passed while the process was down is
// closed immediately and a case with time left keeps its original deadline.
func (s *Scheduler) Resume(ctx context.Context) (ResumeReport, error) {
	done, err := s.begin()
	if err != nil {
		return ResumeReport{}, err
	}
	defer done()

	pending, err := s.cases.List(ctx, lawsuit.Filter{States: []court.State{court.StateFiled, court.StateVoting}})
	if err != nil {
		return ResumeReport{}, fmt.Errorf("scheduler: resume: %w", err)
	}
	var report ResumeReport
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.resumeOne(ctx, p.ID, &report); err != nil {
			return report, err
		}
	}
	s.logger.InfoContext(ctx, "scheduler resumed",
		slog.String("event", "scheduler_resumed"),
		slog.String("module", "scheduler"),
		slog.String("layer", "application"),
		slog.Int("armed", report.Armed),
		slog.Int("closed", report.Closed),
		slog.Int("opened", report.Opened),
	)
	return report, nil
}

func (s *Scheduler) resumeOne(ctx context.Context, caseID string, report *ResumeReport) error {
	unlock := s.locks.Lock(caseID)
	defer unlock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return fmt.Errorf("scheduler: resume %s: %w", caseID, err)
	}
	switch c.State {
	case court.StateFiled:
		opened, err := s.openLocked(ctx, c)
		if err != nil {
			return err
		}
		report.Opened++
		if opened.State == court.StateClosed {
			report.Closed++
		}
	case court.StateVoting:
		if c.Expired(s.clock.Now()) {
			_, ok, err := s.evaluateLocked(ctx, c, true)
			if err != nil {
				return err
			}
			if ok {
				report.Closed++
			}
			return nil
		}
		s.armLocked(c.ID, c.Deadline)
		report.Armed++
	}
	return nil
}

// Shutdown stops accepting commands, cancels all timers and waits for
// in-flight work. Open cases stay open in the store; Resume picks them up.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	s.closing = true
	s.stateMu.Unlock()

	s.timersMu.Lock()
	for id, t := range s.timers {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: shutdown: %w", ctx.Err())
	}
}

// Armed reports how many expiry timers are currently pending.
func (s *Scheduler) Armed() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) begin() (func(), error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.closing {
		return nil, court.ErrShuttingDown
	}
	s.inflight.Add(1)
	return s.inflight.Done, nil
}

// evaluateLocked tallies c and closes it when the engine says so.
func (s *Scheduler) evaluateLocked(ctx context.Context, c court.Case, expired bool) (court.Case, bool, error) {
	tally, err := s.ballots.Tally(ctx, c.ID)
	if err != nil {
		s.rearmLocked(c)
		return c, false, fmt.Errorf("scheduler: tally %s: %w", c.ID, err)
	}
	decision := verdict.Evaluate(verdict.Input{
		Tally:         tally,
		VoterCount:    tally.Total(),
		Policy:        c.Policy,
		WindowExpired: expired,
	})
	if !decision.Close {
		return c, false, nil
	}
	return s.closeLocked(ctx, c, decision, tally)
}

// closeLocked performs the VOTING -> CLOSED step. The timer is stopped
// before the CAS. Losing the CAS to another closer is not an error and
// emits nothing. The caller holds the case lock.
func (s *Scheduler) closeLocked(ctx context.Context, c court.Case, d verdict.Decision, tally court.Tally) (court.Case, bool, error) {
	s.disarm(c.ID)

	now := s.clock.Now()
	ev := notify.NewCaseEvent(s.idGenerator(), notify.EventCaseClosed, c, now)
	ev.Verdict = d.Verdict
	ev.Early = d.Early
	ev.Tally = &tally

	params := lawsuit.TransitionParams{
		ID:      c.ID,
		From:    court.StateVoting,
		To:      court.StateClosed,
		Verdict: d.Verdict,
		At:      now,
	}
	if err := s.attachOutbox(&params, ev); err != nil {
		s.rearmLocked(c)
		return c, false, err
	}
	closed, err := s.cases.Transition(ctx, params)
	if errors.Is(err, court.ErrStaleState) {
		s.logger.DebugContext(ctx, "case already left voting",
			slog.String("event", "case_close_lost"),
			slog.String("module", "scheduler"),
			slog.String("layer", "application"),
			slog.String("case_id", c.ID),
		)
		return c, false, nil
	}
	if err != nil {
		s.rearmLocked(c)
		return c, false, fmt.Errorf("scheduler: close %s: %w", c.ID, err)
	}

	s.metrics.caseClosed(ctx, d.Verdict, d.Early)
	s.logger.InfoContext(ctx, "case closed",
		slog.String("event", "case_closed"),
		slog.String("module", "scheduler"),
		slog.String("layer", "application"),
		slog.String("case_id", c.ID),
		slog.String("verdict", string(d.Verdict)),
		slog.Bool("early", d.Early),
		slog.Int("guilty", tally.Guilty),
		slog.Int("not_guilty", tally.NotGuilty),
		slog.Int("abstain", tally.Abstain),
	)
	s.emit(ctx, ev)
	return closed, true, nil
}

func (s *Scheduler) attachOutbox(params *lawsuit.TransitionParams, ev notify.Event) error {
	if !s.outbox {
		return nil
	}
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	params.Outbox = &lawsuit.OutboxEntry{Topic: string(ev.Type), Payload: payload}
	return nil
}

// emit delivers ev to the sink. A failed notification never undoes the
// transition that produced it.
func (s *Scheduler) emit(ctx context.Context, ev notify.Event) {
	if err := s.sink.Notify(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", "notify_failed"),
			slog.String("module", "scheduler"),
			slog.String("layer", "application"),
			slog.String("case_id", ev.CaseID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}
