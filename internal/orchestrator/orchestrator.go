package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/internal/backoff"
	"github.com/arbiterlabs/arbiter/internal/classify"
	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/arbiterlabs/arbiter/internal/escalate"
	"github.com/arbiterlabs/arbiter/internal/policy"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyInput      = errors.New("input text is required")
)

const persistTimeout = 10 * time.Second

// RuleSetSource yields the active rule set snapshot for an evaluation.
// Satisfied by policy.RuleSetProvider.
type RuleSetSource interface {
	Current() *domain.RuleSet
}

// Config tunes the workflow engine.
type Config struct {
	// MaxReflections bounds automatic repair attempts per session.
	MaxReflections int
	// TimeoutTerminates controls what happens after an escalation times
	// out: terminate the session with reason escalation_timeout, or
	// re-notify and keep waiting. Timeout never resolves to approve or
	// reject either way.
	TimeoutTerminates bool
	// ExternalConcurrency bounds concurrent in-flight calls to external
	// services across all sessions.
	ExternalConcurrency int64
	// PrecedentLimit is how many similar past sessions to attach to an
	// escalation summary. Zero disables precedent recall.
	PrecedentLimit int
}

func DefaultConfig() Config {
	return Config{
		MaxReflections:      3,
		TimeoutTerminates:   true,
		ExternalConcurrency: 16,
		PrecedentLimit:      3,
	}
}

// Orchestrator is the finite-state workflow engine. It holds explicit
// references to every collaborator — no module-level singletons — and runs
// each session on its own goroutine, with strictly sequential mutation of
// that session's record.
type Orchestrator struct {
	cfg        Config
	classifier *classify.Classifier
	engine     *policy.Engine
	rules      RuleSetSource
	repairer   RepairEngine
	escalation *escalate.Manager
	reasoner   domain.ReasoningClient
	store      domain.SessionStore
	embedder   domain.EmbeddingClient
	limiter    *semaphore.Weighted
	retry      backoff.Policy
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*liveSession
	wg       sync.WaitGroup
}

// RepairEngine is the repair contract the orchestrator drives.
// Satisfied by repair.Engine.
type RepairEngine interface {
	Repair(ctx context.Context, action *domain.ProposedAction, violations []domain.Violation, evalCtx domain.EvalContext, reflectionCount, maxReflections int) domain.RepairOutcome
}

type liveSession struct {
	mu      sync.RWMutex
	record  *domain.SessionRecord
	evalCtx domain.EvalContext
	cancel  context.CancelFunc
}

func (ls *liveSession) update(fn func(*domain.SessionRecord)) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	fn(ls.record)
	ls.record.UpdatedAt = time.Now().UTC()
}

func (ls *liveSession) snapshot() *domain.SessionRecord {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.record.Snapshot()
}

// New constructs an orchestrator. Store and embedder may be nil: without a
// store, sessions live in memory only; without an embedder, escalation
// summaries carry no precedents.
func New(cfg Config, classifier *classify.Classifier, engine *policy.Engine, rules RuleSetSource, repairer RepairEngine, escalation *escalate.Manager, reasoner domain.ReasoningClient, store domain.SessionStore, embedder domain.EmbeddingClient, logger *zap.Logger) *Orchestrator {
	if cfg.MaxReflections < 0 {
		cfg.MaxReflections = 0
	}
	if cfg.ExternalConcurrency < 1 {
		cfg.ExternalConcurrency = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		classifier: classifier,
		engine:     engine,
		rules:      rules,
		repairer:   repairer,
		escalation: escalation,
		reasoner:   reasoner,
		store:      store,
		embedder:   embedder,
		limiter:    semaphore.NewWeighted(cfg.ExternalConcurrency),
		retry:      backoff.Default(),
		logger:     logger,
		sessions:   make(map[uuid.UUID]*liveSession),
	}
}

// Submit ingests a request and starts its pipeline. The returned session
// ID can be polled with GetState while the session runs.
func (o *Orchestrator) Submit(ctx context.Context, input string, evalCtx domain.EvalContext) (uuid.UUID, error) {
	if strings.TrimSpace(input) == "" {
		return uuid.Nil, ErrEmptyInput
	}

	rec := domain.NewSession(input, o.cfg.MaxReflections)
	rec.EvalContext = evalCtx
	o.embedInput(ctx, rec)

	runCtx, cancel := context.WithCancel(context.Background())
	ls := &liveSession{record: rec, evalCtx: evalCtx, cancel: cancel}

	o.mu.Lock()
	o.sessions[rec.ID] = ls
	o.mu.Unlock()

	o.persist(ls)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, ls)
	}()

	o.logger.Info("session submitted", zap.String("session_id", rec.ID.String()))
	return rec.ID, nil
}

// GetState returns a snapshot of the session, falling back to the store
// for sessions no longer live in memory.
func (o *Orchestrator) GetState(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error) {
	o.mu.RLock()
	ls, ok := o.sessions[id]
	o.mu.RUnlock()
	if ok {
		return ls.snapshot(), nil
	}
	if o.store != nil {
		rec, err := o.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, ErrSessionNotFound
}

// Resume delivers a human decision to a suspended session and returns the
// current snapshot. The session applies the decision asynchronously.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID, decision domain.HumanDecision) (*domain.SessionRecord, error) {
	if err := o.escalation.Resume(id, decision); err != nil {
		return nil, err
	}
	return o.GetState(ctx, id)
}

// Abort cancels a session mid-pipeline. A pending escalation wait is
// released and the session is marked aborted rather than left as an
// orphaned pending approval.
func (o *Orchestrator) Abort(id uuid.UUID) error {
	o.mu.RLock()
	ls, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	ls.cancel()
	return nil
}

// RecoverPending reloads sessions that were awaiting a human decision when
// the process last stopped and suspends them again, so a restart never
// silently loses an escalation.
func (o *Orchestrator) RecoverPending(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	records, err := o.store.ListPendingEscalations(ctx)
	if err != nil {
		return 0, err
	}

	for i := range records {
		rec := records[i].Snapshot()
		rec.State = domain.StateHumanEscalation
		rec.HumanStatus = domain.HumanIdle // re-suspension sets pending again

		runCtx, cancel := context.WithCancel(context.Background())
		ls := &liveSession{record: rec, evalCtx: rec.EvalContext, cancel: cancel}

		o.mu.Lock()
		o.sessions[rec.ID] = ls
		o.mu.Unlock()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.run(runCtx, ls)
		}()

		o.logger.Info("recovered pending escalation",
			zap.String("session_id", rec.ID.String()))
	}
	return len(records), nil
}

// Shutdown waits for in-flight sessions, up to the context deadline.
// Sessions still suspended on a human decision are left to the recovery
// path: their pending state is already persisted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one session through the state machine until terminal. Within
// this loop the session record has exactly one writer: this goroutine.
func (o *Orchestrator) run(ctx context.Context, ls *liveSession) {
	for !ls.record.Terminal() {
		if ctx.Err() != nil {
			o.abortSession(ls)
			break
		}

		switch ls.record.State {
		case domain.StateRouter:
			o.stepRouter(ctx, ls)
		case domain.StateDomainAgent:
			o.stepAgent(ctx, ls)
		case domain.StateGuardian:
			o.stepGuardian(ctx, ls)
		case domain.StateReflector:
			o.stepReflector(ctx, ls)
		case domain.StateHumanEscalation:
			o.stepEscalation(ctx, ls)
		default:
			o.logger.Error("session in unknown state, aborting",
				zap.String("session_id", ls.record.ID.String()),
				zap.String("state", string(ls.record.State)))
			o.abortSession(ls)
		}

		o.persist(ls)
	}

	o.retire(ls)
}

// stepRouter classifies (or re-classifies, after repair) and routes to the
// matching domain agent.
func (o *Orchestrator) stepRouter(ctx context.Context, ls *liveSession) {
	var c domain.Classification
	err := o.withExternalSlot(ctx, func(ctx context.Context) error {
		c = o.classifier.Classify(ctx, ls.record.InputText)
		return nil
	})
	if err != nil {
		// Slot acquisition only fails on cancellation; the abort check at
		// the top of the loop handles it.
		return
	}

	ls.update(func(rec *domain.SessionRecord) {
		rec.Domain = c.Domain
		rec.DomainConfidence = c.Confidence
		rec.DomainEntropy = c.Entropy
		rec.DomainRationale = c.Rationale
		rec.AppendStep("router", fmt.Sprintf("classified as %s (%s)", c.Domain, c.Rationale), c.Confidence)
		rec.State = domain.StateDomainAgent
	})
}

// stepAgent invokes the domain agent variant. A repaired action carried
// over from the reflector is re-submitted as-is instead of being rebuilt,
// otherwise the repair would be discarded.
func (o *Orchestrator) stepAgent(ctx context.Context, ls *liveSession) {
	if ls.record.ProposedAction != nil {
		ls.update(func(rec *domain.SessionRecord) {
			rec.AppendStep("domain_agent", "resubmitting repaired action", 1)
			rec.State = domain.StateGuardian
		})
		return
	}

	res := o.runAgent(ctx, ls.record, ls.evalCtx)

	ls.update(func(rec *domain.SessionRecord) {
		rec.AppendStep("domain_agent", res.note, res.confidence)
		rec.ProposedAction = res.action
		rec.DraftResponse = res.response
		if res.err != "" {
			rec.Error = res.err
			rec.ReasonCode = res.reasonCode
		}
		rec.State = domain.StateGuardian
	})
}

// stepGuardian evaluates the proposed action against the active rule set
// and branches on the verdict.
func (o *Orchestrator) stepGuardian(ctx context.Context, ls *liveSession) {
	result := o.engine.Evaluate(ctx, ls.record.ID, ls.record.ProposedAction, o.rules.Current(), ls.evalCtx)

	ls.update(func(rec *domain.SessionRecord) {
		rec.PolicyVerdict = result.Verdict
		rec.PolicyViolations = result.Violations
		rec.AppendStep("guardian", fmt.Sprintf("verdict: %s (%d violations)", result.Verdict, len(result.Violations)), 1)

		switch result.Verdict {
		case domain.VerdictApproved:
			o.finalizeApproved(rec)
		case domain.VerdictRejected:
			if rec.ReflectionCount < rec.MaxReflections {
				rec.State = domain.StateReflector
			} else {
				rec.AppendStep("guardian", "reflection budget exhausted, escalating", 1)
				rec.State = domain.StateHumanEscalation
			}
		case domain.VerdictRequiresEscalation:
			rec.State = domain.StateHumanEscalation
		}
	})
}

// stepReflector attempts one bounded repair and re-routes the repaired
// action, unless repair itself forced escalation.
func (o *Orchestrator) stepReflector(ctx context.Context, ls *liveSession) {
	rec := ls.record
	outcome := o.repairer.Repair(ctx, rec.ProposedAction, rec.PolicyViolations, ls.evalCtx, rec.ReflectionCount, rec.MaxReflections)

	ls.update(func(rec *domain.SessionRecord) {
		rec.ReflectionCount++
		rec.AppendStep("reflector",
			fmt.Sprintf("repair attempt %d/%d: strategy=%s addressed=%d remaining=%d",
				rec.ReflectionCount, rec.MaxReflections, outcome.StrategyUsed,
				len(outcome.ViolationsAddressed), len(outcome.ViolationsRemaining)),
			outcome.Confidence)

		if outcome.Escalate || outcome.Action == nil {
			rec.AppendStep("reflector", "repair forced escalation: "+outcome.Explanation, outcome.Confidence)
			rec.State = domain.StateHumanEscalation
			return
		}
		rec.ProposedAction = outcome.Action
		rec.State = domain.StateRouter
	})
}

// stepEscalation suspends the session for a human decision. The wait holds
// no locks on the record or any shared resource; other sessions continue
// unaffected.
func (o *Orchestrator) stepEscalation(ctx context.Context, ls *liveSession) {
	summary := o.buildSummary(ctx, ls.record)

	ls.update(func(rec *domain.SessionRecord) {
		rec.HumanStatus = domain.HumanPending
		rec.AppendStep("human_escalation", "suspended pending human decision", 1)
	})
	o.persist(ls)

	resolved, err := o.escalation.Suspend(ctx, ls.record.ID, summary)
	if err != nil {
		o.logger.Error("escalation suspension failed",
			zap.String("session_id", ls.record.ID.String()),
			zap.Error(err))
		ls.update(func(rec *domain.SessionRecord) {
			rec.HumanStatus = domain.HumanIdle
			rec.Error = "escalation could not be delivered: " + err.Error()
			rec.ReasonCode = domain.ReasonEscalationFailed
			rec.State = domain.StateTerminal
		})
		return
	}

	select {
	case res := <-resolved:
		if res.TimedOut {
			o.handleTimeout(ls)
			return
		}
		o.applyDecision(ls, res.Decision)

	case <-ctx.Done():
		o.escalation.Cancel(ls.record.ID)
		o.abortSession(ls)
	}
}

func (o *Orchestrator) handleTimeout(ls *liveSession) {
	ls.update(func(rec *domain.SessionRecord) {
		rec.HumanStatus = domain.HumanPendingTimeout
		rec.AppendStep("human_escalation", "no decision within configured bound", 1)
		if o.cfg.TimeoutTerminates {
			rec.Error = "escalation timed out without a human decision"
			rec.ReasonCode = domain.ReasonEscalationTimeout
			rec.State = domain.StateTerminal
		}
		// Otherwise the state is unchanged and the loop re-suspends,
		// re-notifying the decision channel.
	})
}

func (o *Orchestrator) applyDecision(ls *liveSession, decision *domain.HumanDecision) {
	ls.update(func(rec *domain.SessionRecord) {
		rec.HumanStatus = domain.HumanResolved
		rec.HumanDecision = decision
		rec.AppendStep("human_escalation", "decision: "+string(decision.Type), 1)

		switch decision.Type {
		case domain.DecisionApprove:
			o.finalizeApproved(rec)

		case domain.DecisionReject:
			msg := "rejected by human reviewer"
			if decision.Comment != "" {
				msg += ": " + decision.Comment
			}
			rec.FinalResponse = msg
			rec.ReasonCode = domain.ReasonAnalyzedRejected
			rec.State = domain.StateTerminal

		case domain.DecisionModify:
			// Retry with the reviewer's replacement action, or rebuild
			// from scratch when none was supplied.
			rec.ProposedAction = decision.Action
			rec.DraftResponse = ""
			rec.HumanStatus = domain.HumanIdle
			rec.State = domain.StateRouter
		}
	})
}

// finalizeApproved records the terminal output for an approved session.
// Exactly one of final_action, final_response, or error is set.
func (o *Orchestrator) finalizeApproved(rec *domain.SessionRecord) {
	rec.State = domain.StateTerminal
	if rec.Error != "" {
		// The agent already surfaced a typed failure (analysis
		// unavailable); approval of the empty action does not erase it.
		return
	}
	rec.ReasonCode = domain.ReasonApproved
	if rec.ProposedAction != nil {
		rec.FinalAction = rec.ProposedAction
		return
	}
	rec.FinalResponse = rec.DraftResponse
}

func (o *Orchestrator) abortSession(ls *liveSession) {
	ls.update(func(rec *domain.SessionRecord) {
		rec.AppendStep("orchestrator", "session aborted", 1)
		rec.Error = "aborted"
		rec.ReasonCode = domain.ReasonAborted
		rec.State = domain.StateTerminal
	})
	o.persist(ls)
}

// buildSummary assembles the mandatory what/why/risk briefing, attaching
// similar past sessions when precedent recall is configured.
func (o *Orchestrator) buildSummary(ctx context.Context, rec *domain.SessionRecord) domain.ContextSummary {
	what := rec.DraftResponse
	if rec.ProposedAction != nil {
		a := rec.ProposedAction
		what = fmt.Sprintf("Proposed %s targeting %q", a.Type, a.Target)
		if a.Amount > 0 {
			what += fmt.Sprintf(" for %.2f %s", a.Amount, a.Currency)
		}
	}
	if what == "" {
		what = "Request: " + rec.InputText
	}

	why := fmt.Sprintf("Classified as %s (confidence %.2f, entropy %.2f) after %d reasoning steps; %d of %d repair attempts used.",
		rec.Domain, rec.DomainConfidence, rec.DomainEntropy, len(rec.ReasoningChain), rec.ReflectionCount, rec.MaxReflections)

	risk := "Flagged for review by policy evaluation."
	if len(rec.PolicyViolations) > 0 {
		parts := make([]string, 0, len(rec.PolicyViolations))
		for _, v := range rec.PolicyViolations {
			parts = append(parts, fmt.Sprintf("%s [%s]: %s", v.Rule, v.Severity, v.Message))
		}
		risk = strings.Join(parts, "; ")
	}

	return domain.ContextSummary{
		What:       what,
		Why:        why,
		Risk:       risk,
		Precedents: o.precedents(ctx, rec),
	}
}

func (o *Orchestrator) precedents(ctx context.Context, rec *domain.SessionRecord) []domain.Precedent {
	if o.store == nil || o.cfg.PrecedentLimit <= 0 || len(rec.Embedding) == 0 {
		return nil
	}
	found, err := o.store.FindSimilar(ctx, rec.Embedding, o.cfg.PrecedentLimit)
	if err != nil {
		o.logger.Warn("precedent lookup failed",
			zap.String("session_id", rec.ID.String()),
			zap.Error(err))
		return nil
	}
	return found
}

func (o *Orchestrator) embedInput(ctx context.Context, rec *domain.SessionRecord) {
	if o.embedder == nil {
		return
	}
	var emb []float32
	err := o.withExternalSlot(ctx, func(ctx context.Context) error {
		return o.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			emb, err = o.embedder.Embed(ctx, rec.InputText)
			return err
		})
	})
	if err != nil {
		o.logger.Warn("input embedding failed, precedent recall disabled for session",
			zap.String("session_id", rec.ID.String()),
			zap.Error(err))
		return
	}
	rec.Embedding = emb
}

// withExternalSlot bounds concurrent external calls across all sessions so
// one slow collaborator cannot starve the rest of the pipeline.
func (o *Orchestrator) withExternalSlot(ctx context.Context, fn func(context.Context) error) error {
	if err := o.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.limiter.Release(1)
	return fn(ctx)
}

func (o *Orchestrator) persist(ls *liveSession) {
	if o.store == nil {
		return
	}
	snap := ls.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.Save(ctx, snap); err != nil {
		o.logger.Error("session persist failed",
			zap.String("session_id", snap.ID.String()),
			zap.Error(err))
	}
}

// retire hands a terminal session to durable storage and drops it from the
// live map. Without a store the snapshot stays in memory so GetState keeps
// working in embedded and test setups.
func (o *Orchestrator) retire(ls *liveSession) {
	o.persist(ls)
	if o.store == nil {
		return
	}
	o.mu.Lock()
	delete(o.sessions, ls.record.ID)
	o.mu.Unlock()
}
