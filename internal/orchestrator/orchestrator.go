// Package orchestrator sequences the command lifecycle: intake, audit,
// authentication, confirmation gating, and the staged update pipeline.
// Every lifecycle transition is written to the audit log before the
// next step runs, so the log is a faithful replay of what was attempted
// even across a crash.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"morph/internal/auth"
	"morph/internal/config"
	"morph/internal/feedback"
	"morph/internal/logging"
	"morph/internal/store"
	"morph/internal/updater"
	"morph/internal/validator"
)

// Recognized command names.
const (
	CmdApplyUpdate    = "apply_update"
	CmdRollbackUpdate = "rollback_update"
	CmdConfirm        = "confirm"
	CmdDeny           = "deny"
	CmdExecuteCode    = "execute_code"
	CmdHistory        = "history"
	CmdQuit           = "quit"
)

// Command is one inbound structured command. Immutable after intake;
// the credential never enters the audit snapshot.
type Command struct {
	Name        string
	Parameters  map[string]string
	Credential  string
	SubmittedAt time.Time
}

// Result is the terminal outcome of one command.
type Result struct {
	RecordID string
	Status   Status
	Summary  string
	Output   string
	Duration time.Duration
}

// Applier swaps module source in and out of the running process. The
// loader registry is the production implementation.
type Applier interface {
	Apply(moduleID string, source []byte) error
	Rollback(moduleID string, seq int64) (int64, error)
	Tree() *updater.SourceTree
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Gate      *auth.Gate
	Broker    *auth.ConfirmationBroker
	Stager    *updater.Stager
	Validator *validator.Validator
	Sandbox   *validator.Sandbox
	Applier   Applier
	Audit     *store.AuditStore
	Backups   *store.BackupStore
	Reporter  *feedback.Reporter
}

// Orchestrator owns the command-lifecycle state machine.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	locks    sync.Map // module id -> *semaphore.Weighted(1)
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		done: make(chan struct{}),
	}
}

// Done is closed when a quit command has been accepted.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Run consumes commands from the channel with a bounded worker pool
// until the channel closes, the context is cancelled, or a quit command
// is accepted. Commands for different modules run concurrently; same-
// module updates serialize on a per-module semaphore inside Submit.
func (o *Orchestrator) Run(ctx context.Context, commands <-chan Command) error {
	workers := o.cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-o.done:
					return nil
				case cmd, ok := <-commands:
					if !ok {
						return nil
					}
					o.Submit(ctx, cmd)
				}
			}
		})
	}
	return g.Wait()
}

// Submit processes one command through to a terminal state. It always
// returns a Result; infrastructure failures surface as a fatal status
// rather than a lost command.
func (o *Orchestrator) Submit(ctx context.Context, cmd Command) Result {
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = time.Now()
	}
	recordID := uuid.NewString()

	snapshot := store.Command{
		Name:        cmd.Name,
		Parameters:  cmd.Parameters,
		SubmittedAt: cmd.SubmittedAt,
	}
	if err := o.deps.Audit.CreateRecord(recordID, snapshot, StatusReceived.String()); err != nil {
		logging.OrchestratorError("Failed to open audit record for %s: %v", cmd.Name, err)
		return Result{RecordID: recordID, Status: StatusFatal, Summary: "audit log unavailable"}
	}

	lc := &lifecycle{o: o, recordID: recordID, status: StatusReceived, started: time.Now()}
	o.report(feedback.SenderOrchestrator, "command %s received (record %s)", cmd.Name, recordID)

	res := o.dispatch(ctx, lc, cmd)
	res.RecordID = recordID
	res.Duration = time.Since(lc.started)

	if err := o.deps.Audit.Finalize(recordID, res.Summary, res.Duration); err != nil {
		logging.OrchestratorError("Failed to finalize record %s: %v", recordID, err)
	}
	o.report(feedback.SenderOrchestrator, "command %s finished: %s (%s)", recordID, res.Status, res.Summary)
	return res
}

func (o *Orchestrator) dispatch(ctx context.Context, lc *lifecycle, cmd Command) Result {
	if err := o.authenticate(lc, cmd); err != nil {
		return lc.result("authentication failed", "")
	}

	switch cmd.Name {
	case CmdApplyUpdate:
		return o.runApplyUpdate(ctx, lc, cmd)
	case CmdRollbackUpdate:
		return o.runRollback(ctx, lc, cmd)
	case CmdConfirm:
		return o.runResolve(lc, cmd, auth.Confirmed)
	case CmdDeny:
		return o.runResolve(lc, cmd, auth.Denied)
	case CmdExecuteCode:
		return o.runExecuteCode(ctx, lc, cmd)
	case CmdHistory:
		return o.runHistory(lc, cmd)
	case CmdQuit:
		return o.runQuit(lc)
	default:
		lc.to(StatusValidationFailed, fmt.Sprintf("unknown command: %s", cmd.Name))
		return lc.result(fmt.Sprintf("unknown command %q", cmd.Name), "")
	}
}

// authenticate moves the record through authenticating and verifies the
// credential. A failure is terminal with no retry.
func (o *Orchestrator) authenticate(lc *lifecycle, cmd Command) error {
	if err := lc.to(StatusAuthenticating, ""); err != nil {
		return err
	}
	if _, err := o.deps.Gate.Authenticate(cmd.Credential); err != nil {
		logging.GateWarn("Authentication failed for command %s: %v", cmd.Name, err)
		lc.to(StatusAuthFailed, err.Error())
		return err
	}
	return nil
}

// confirmIfRequired suspends a policy-flagged command until a human
// confirms, denies, or the wait times out. No module lock is held while
// waiting, so other pipelines and a concurrent quit are unaffected.
// When a confirmation was granted, grantDetail carries the decision so
// the caller can record it on the next transition.
func (o *Orchestrator) confirmIfRequired(ctx context.Context, lc *lifecycle, cmd Command) (granted bool, grantDetail string, res Result) {
	if !o.deps.Gate.RequiresConfirmation(cmd.Name) {
		return true, "", Result{}
	}

	if err := lc.to(StatusAwaitingConfirmation, ""); err != nil {
		return false, "", lc.result("audit log unavailable", "")
	}
	o.report(feedback.SenderGate, "command %s is destructive; confirm or deny record %s", cmd.Name, lc.recordID)

	switch o.deps.Broker.Await(ctx, lc.recordID, o.cfg.ConfirmTimeout()) {
	case auth.Confirmed:
		return true, "confirmed by operator", Result{}
	case auth.Denied:
		lc.to(StatusDenied, "confirmation denied")
		return false, "", lc.result("denied by operator", "")
	default:
		lc.to(StatusTimedOut, "no confirmation received")
		return false, "", lc.result("confirmation wait timed out", "")
	}
}

// moduleLock returns the per-module serialization semaphore. Weighted
// semaphores grant waiters in FIFO order, so queued same-module updates
// run in submission order.
func (o *Orchestrator) moduleLock(moduleID string) *semaphore.Weighted {
	actual, _ := o.locks.LoadOrStore(moduleID, semaphore.NewWeighted(1))
	return actual.(*semaphore.Weighted)
}

func (o *Orchestrator) report(sender, format string, args ...interface{}) {
	o.deps.Reporter.Send(sender, format, args...)
}

// lifecycle tracks one command's position in the state machine and
// writes every transition to the audit log before it takes effect.
type lifecycle struct {
	o        *Orchestrator
	recordID string
	status   Status
	started  time.Time
}

// to performs one audited transition. Illegal transitions indicate a
// pipeline bug and are refused.
func (l *lifecycle) to(next Status, detail string) error {
	if !CanTransition(l.status, next) {
		err := fmt.Errorf("illegal transition %s -> %s for record %s", l.status, next, l.recordID)
		logging.OrchestratorError("%v", err)
		return err
	}
	if err := l.o.deps.Audit.AppendTransition(l.recordID, next.String(), detail); err != nil {
		logging.OrchestratorError("Audit append failed for record %s: %v", l.recordID, err)
		return err
	}
	l.status = next
	logging.OrchestratorDebug("Record %s -> %s", l.recordID, next)
	return nil
}

func (l *lifecycle) result(summary, output string) Result {
	return Result{Status: l.status, Summary: summary, Output: output}
}
