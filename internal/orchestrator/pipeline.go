package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"morph/internal/auth"
	"morph/internal/feedback"
	"morph/internal/store"
	"morph/internal/updater"
)

// runApplyUpdate drives the staged-apply pipeline:
// stage -> validate -> backup -> apply -> reload. The backup is durably
// persisted before the live module is overwritten, which is what makes
// rollback possible even if the apply step crashes mid-way.
func (o *Orchestrator) runApplyUpdate(ctx context.Context, lc *lifecycle, cmd Command) Result {
	moduleID := cmd.Parameters["module"]
	source := cmd.Parameters["source"]
	if moduleID == "" || source == "" {
		lc.to(StatusValidationFailed, "apply_update requires module and source parameters")
		return lc.result("missing module or source parameter", "")
	}

	ok, grant, res := o.confirmIfRequired(ctx, lc, cmd)
	if !ok {
		return res
	}

	// Same-module updates serialize here; the confirmation wait above
	// deliberately happens before the lock is taken.
	sem := o.moduleLock(moduleID)
	if err := sem.Acquire(ctx, 1); err != nil {
		lc.to(StatusTimedOut, "cancelled while queued for module lock")
		return lc.result("cancelled while queued", "")
	}
	defer sem.Release(1)

	if _, err := o.deps.Stager.Stage(moduleID, []byte(source)); err != nil {
		lc.to(StatusValidationFailed, withGrant(grant, err.Error()))
		return lc.result("staging rejected: "+err.Error(), "")
	}
	if err := lc.to(StatusStaged, withGrant(grant, fmt.Sprintf("candidate staged for %s (%d bytes)", moduleID, len(source)))); err != nil {
		return lc.result("audit log unavailable", "")
	}
	o.report(feedback.SenderUpdater, "candidate for %s staged", moduleID)

	vres := o.deps.Validator.Validate(ctx, []byte(source))
	if !vres.Pass {
		detail := strings.Join(vres.Diagnostics, "; ")
		lc.to(StatusValidationFailed, detail)
		o.deps.Stager.Clear(moduleID)
		o.report(feedback.SenderValidator, "candidate for %s rejected: %s", moduleID, detail)
		return lc.result("validation failed: "+detail, "")
	}
	if err := lc.to(StatusValidated, ""); err != nil {
		return lc.result("audit log unavailable", "")
	}
	o.report(feedback.SenderValidator, "candidate for %s validated", moduleID)

	backupSeq, res, ok := o.backupPriorVersion(lc, moduleID)
	if !ok {
		return res
	}

	if err := lc.to(StatusApplying, ""); err != nil {
		return lc.result("audit log unavailable", "")
	}
	o.report(feedback.SenderUpdater, "applying candidate to %s", moduleID)

	if err := o.deps.Applier.Apply(moduleID, []byte(source)); err != nil {
		lc.to(StatusApplyFailed, err.Error())
		return o.recoverFailedApply(lc, moduleID, backupSeq)
	}
	if err := lc.to(StatusReloaded, ""); err != nil {
		return lc.result("audit log unavailable", "")
	}

	o.deps.Stager.Clear(moduleID)
	lc.to(StatusSucceeded, "")

	summary := fmt.Sprintf("module %s updated", moduleID)
	if backupSeq > 0 {
		summary += fmt.Sprintf("; previous version preserved as backup %d", backupSeq)
	}
	o.report(feedback.SenderUpdater, "%s", summary)
	return lc.result(summary, "")
}

// backupPriorVersion snapshots the live source before any overwrite. A
// first install has no prior version; that is recorded, not an error.
// On a backup failure the live module is untouched, so the record
// closes rolled_back without any restore work.
func (o *Orchestrator) backupPriorVersion(lc *lifecycle, moduleID string) (int64, Result, bool) {
	prior, err := o.deps.Applier.Tree().Read(moduleID)
	if errors.Is(err, updater.ErrModuleNotFound) {
		if err := lc.to(StatusBackedUp, "no prior version; backup skipped"); err != nil {
			return 0, lc.result("audit log unavailable", ""), false
		}
		return 0, Result{}, true
	}
	if err != nil {
		lc.to(StatusApplyFailed, "reading live source: "+err.Error())
		lc.to(StatusRolledBack, "live module untouched")
		return 0, lc.result("backup failed; live module untouched", ""), false
	}

	snap, err := o.deps.Backups.Create(moduleID, prior)
	if err != nil {
		lc.to(StatusApplyFailed, "creating backup: "+err.Error())
		lc.to(StatusRolledBack, "live module untouched")
		return 0, lc.result("backup failed; live module untouched", ""), false
	}
	if err := lc.to(StatusBackedUp, fmt.Sprintf("backup version %d", snap.VersionSeq)); err != nil {
		return 0, lc.result("audit log unavailable", ""), false
	}
	return snap.VersionSeq, Result{}, true
}

// recoverFailedApply attempts rollback exactly once. A second failure
// escalates to fatal and stops all automatic recovery.
func (o *Orchestrator) recoverFailedApply(lc *lifecycle, moduleID string, backupSeq int64) Result {
	if backupSeq == 0 {
		lc.to(StatusFatal, "apply failed with no backup to restore; manual intervention required")
		return lc.result("apply failed; no backup available", "")
	}

	seq, err := o.deps.Applier.Rollback(moduleID, backupSeq)
	if err != nil {
		lc.to(StatusFatal, "rollback failed: "+err.Error())
		return lc.result("apply and rollback both failed; manual intervention required", "")
	}
	lc.to(StatusRolledBack, fmt.Sprintf("restored backup version %d", seq))
	o.report(feedback.SenderUpdater, "module %s rolled back to version %d", moduleID, seq)
	return lc.result(fmt.Sprintf("apply failed; module %s rolled back to version %d", moduleID, seq), "")
}

// runRollback restores a previously backed-up version on request,
// independent of any failed update. Version 0 means the most recent
// snapshot.
func (o *Orchestrator) runRollback(ctx context.Context, lc *lifecycle, cmd Command) Result {
	moduleID := cmd.Parameters["module"]
	if moduleID == "" {
		lc.to(StatusValidationFailed, "rollback_update requires a module parameter")
		return lc.result("missing module parameter", "")
	}
	var version int64
	if v := cmd.Parameters["version"]; v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 {
			lc.to(StatusValidationFailed, fmt.Sprintf("invalid version %q", v))
			return lc.result("invalid version parameter", "")
		}
		version = parsed
	}

	ok, grant, res := o.confirmIfRequired(ctx, lc, cmd)
	if !ok {
		return res
	}

	sem := o.moduleLock(moduleID)
	if err := sem.Acquire(ctx, 1); err != nil {
		lc.to(StatusTimedOut, "cancelled while queued for module lock")
		return lc.result("cancelled while queued", "")
	}
	defer sem.Release(1)

	if err := lc.to(StatusApplying, withGrant(grant, fmt.Sprintf("restoring module %s", moduleID))); err != nil {
		return lc.result("audit log unavailable", "")
	}
	o.report(feedback.SenderUpdater, "restoring module %s", moduleID)

	seq, err := o.deps.Applier.Rollback(moduleID, version)
	if errors.Is(err, store.ErrBackupNotFound) {
		lc.to(StatusApplyFailed, err.Error())
		lc.to(StatusRolledBack, "no changes made")
		return lc.result("backup not found; live module untouched", "")
	}
	if err != nil {
		lc.to(StatusApplyFailed, err.Error())
		lc.to(StatusFatal, "restore failed; manual intervention required")
		return lc.result("restore failed; manual intervention required", "")
	}

	if err := lc.to(StatusReloaded, ""); err != nil {
		return lc.result("audit log unavailable", "")
	}
	lc.to(StatusSucceeded, "")
	summary := fmt.Sprintf("module %s restored to version %d", moduleID, seq)
	o.report(feedback.SenderUpdater, "%s", summary)
	return lc.result(summary, "")
}

// runResolve delivers a confirm or deny decision to a suspended command.
func (o *Orchestrator) runResolve(lc *lifecycle, cmd Command, decision auth.Decision) Result {
	target := cmd.Parameters["record_id"]
	if target == "" {
		lc.to(StatusValidationFailed, "confirmation requires a record_id parameter")
		return lc.result("missing record_id parameter", "")
	}

	if !o.deps.Broker.Resolve(target, decision) {
		lc.to(StatusValidationFailed, "no pending confirmation for "+target)
		return lc.result(fmt.Sprintf("no pending confirmation for record %s", target), "")
	}
	lc.to(StatusSucceeded, fmt.Sprintf("%s delivered for record %s", decision, target))
	return lc.result(fmt.Sprintf("%s delivered for record %s", decision, target), "")
}

// runExecuteCode evaluates an ad-hoc snippet in the sandbox under the
// validation time budget.
func (o *Orchestrator) runExecuteCode(ctx context.Context, lc *lifecycle, cmd Command) Result {
	code := cmd.Parameters["code"]
	if code == "" {
		lc.to(StatusValidationFailed, "execute_code requires a code parameter")
		return lc.result("missing code parameter", "")
	}

	ok, grant, res := o.confirmIfRequired(ctx, lc, cmd)
	if !ok {
		return res
	}

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.ValidateTimeout())
	defer cancel()

	out, err := o.deps.Sandbox.ExecuteSnippet(execCtx, code)
	if err != nil {
		lc.to(StatusValidationFailed, withGrant(grant, err.Error()))
		return lc.result("execution failed: "+err.Error(), "")
	}
	lc.to(StatusSucceeded, withGrant(grant, "snippet executed"))
	return lc.result("snippet executed", out)
}

// runHistory returns recent command records from the audit log.
func (o *Orchestrator) runHistory(lc *lifecycle, cmd Command) Result {
	limit := 20
	if v := cmd.Parameters["limit"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			lc.to(StatusValidationFailed, fmt.Sprintf("invalid limit %q", v))
			return lc.result("invalid limit parameter", "")
		}
		limit = parsed
	}

	records, err := o.deps.Audit.Recent(limit)
	if err != nil {
		lc.to(StatusValidationFailed, err.Error())
		return lc.result("history unavailable: "+err.Error(), "")
	}

	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "%s  %s  %-32s %s\n",
			rec.Command.SubmittedAt.Format("2006-01-02 15:04:05"), rec.ID, rec.Status, rec.Command.Name)
	}
	lc.to(StatusSucceeded, fmt.Sprintf("%d records returned", len(records)))
	return lc.result(fmt.Sprintf("%d records", len(records)), b.String())
}

// runQuit requests an orderly shutdown. Commands already in flight run
// to their terminal states; Run's workers stop picking up new work.
func (o *Orchestrator) runQuit(lc *lifecycle) Result {
	o.doneOnce.Do(func() { close(o.done) })
	lc.to(StatusSucceeded, "shutdown requested")
	return lc.result("shutdown requested", "")
}

// withGrant records a granted confirmation on the transition that
// follows it, so the decision is visible in the command's history.
func withGrant(grant, detail string) string {
	switch {
	case grant == "":
		return detail
	case detail == "":
		return grant
	default:
		return grant + "; " + detail
	}
}
