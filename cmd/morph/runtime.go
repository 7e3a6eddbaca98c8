package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"morph/internal/auth"
	"morph/internal/config"
	"morph/internal/feedback"
	"morph/internal/loader"
	"morph/internal/orchestrator"
	"morph/internal/store"
	"morph/internal/updater"
	"morph/internal/validator"
)

// runtime is the fully wired pipeline for one process.
type runtime struct {
	cfg      *config.Config
	db       *store.DB
	registry *loader.Registry
	orc      *orchestrator.Orchestrator
	broker   *auth.ConfirmationBroker
}

// buildRuntime loads workspace config and wires every collaborator.
func buildRuntime() (*runtime, error) {
	cfg, err := config.LoadWorkspace(workspace)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(resolvePath(cfg.Pipeline.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	gate, err := auth.NewGate(cfg.AdminKeyHash, auth.PolicyFunc(cfg.RequiresConfirmation))
	if err != nil {
		db.Close()
		return nil, err
	}

	stager, err := updater.NewStager(resolvePath(cfg.Pipeline.StagingDir), cfg.Pipeline.MaxCandidateSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	tree, err := updater.NewSourceTree(resolvePath(cfg.Pipeline.ModulesDir))
	if err != nil {
		db.Close()
		return nil, err
	}
	registry := loader.NewRegistry(tree, db.Backups())

	broker := auth.NewConfirmationBroker()
	orc := orchestrator.New(cfg, orchestrator.Deps{
		Gate:      gate,
		Broker:    broker,
		Stager:    stager,
		Validator: validator.New(cfg.ValidateTimeout()),
		Sandbox:   validator.NewSandbox(),
		Applier:   registry,
		Audit:     db.Audit(),
		Backups:   db.Backups(),
		Reporter:  feedback.NewReporter(os.Stdout),
	})

	return &runtime{cfg: cfg, db: db, registry: registry, orc: orc, broker: broker}, nil
}

func (r *runtime) close() {
	r.db.Close()
}

// resolvePath anchors a config-relative path at the workspace.
func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

// submitOnce runs a single command to its terminal state and prints the
// outcome. Used by the one-shot subcommands. A command the policy flags
// as destructive suspends for confirmation; the decision comes from a
// terminal prompt, or is granted up front with --yes.
func submitOnce(name string, params map[string]string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.registry.LoadAll(context.Background()); err != nil {
		return err
	}

	resCh := make(chan orchestrator.Result, 1)
	go func() {
		resCh <- rt.orc.Submit(context.Background(), orchestrator.Command{
			Name:        name,
			Parameters:  params,
			Credential:  apiKey,
			SubmittedAt: time.Now(),
		})
	}()

	decide := terminalDecider(bufio.NewReader(os.Stdin), os.Stderr)
	if assumeYes {
		decide = func(string) auth.Decision { return auth.Confirmed }
	}
	res := awaitResult(resCh, rt, decide)
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	logger.Info("Command finished",
		zap.String("record", res.RecordID),
		zap.String("status", res.Status.String()),
		zap.Duration("duration", res.Duration))

	if res.Status != orchestrator.StatusSucceeded {
		return fmt.Errorf("%s: %s", res.Status, res.Summary)
	}
	return nil
}

// awaitResult waits for a submitted command to reach its terminal
// state, delivering a decision through the broker as soon as the
// command suspends for confirmation.
func awaitResult(resCh <-chan orchestrator.Result, rt *runtime, decide func(recordID string) auth.Decision) orchestrator.Result {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	resolved := false
	for {
		select {
		case res := <-resCh:
			return res
		case <-tick.C:
			if resolved {
				continue
			}
			id, ok := rt.pendingConfirmation()
			if !ok {
				continue
			}
			resolved = true
			rt.broker.Resolve(id, decide(id))
		}
	}
}

// pendingConfirmation reports the record suspended on this process's
// broker, if any.
func (r *runtime) pendingConfirmation() (string, bool) {
	records, err := r.db.Audit().Recent(10)
	if err != nil {
		return "", false
	}
	for _, rec := range records {
		if rec.Status == orchestrator.StatusAwaitingConfirmation.String() && r.broker.Pending(rec.ID) {
			return rec.ID, true
		}
	}
	return "", false
}

// terminalDecider prompts for a yes/no answer on the terminal. Anything
// but an explicit yes, including EOF, denies.
func terminalDecider(in *bufio.Reader, out io.Writer) func(recordID string) auth.Decision {
	return func(recordID string) auth.Decision {
		fmt.Fprintf(out, "destructive command suspended as record %s; apply it? [y/N] ", recordID)
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return auth.Denied
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return auth.Confirmed
		default:
			return auth.Denied
		}
	}
}

// runInteractive reads commands line by line and feeds them to the
// orchestrator's worker pool, so a pending confirmation can be resolved
// while its command is still suspended.
func runInteractive() error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.registry.LoadAll(ctx); err != nil {
		return err
	}

	watcher, err := loader.NewDriftWatcher(rt.registry)
	if err != nil {
		logger.Warn("Drift watcher unavailable", zap.Error(err))
	} else {
		watcher.Start(ctx)
		defer watcher.Close()
	}

	commands := make(chan orchestrator.Command)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.orc.Run(ctx, commands)
	})

	fmt.Println("morph ready. commands: apply_update, rollback_update, confirm, deny, execute_code, history, quit")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, err := parseLine(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		select {
		case commands <- cmd:
		case <-rt.orc.Done():
		}
		if cmd.Name == orchestrator.CmdQuit {
			break
		}
	}

	close(commands)
	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return scanner.Err()
}

// parseLine turns one input line into a structured command. The shape is
// "name key=value ..."; a value of @path reads the file at path, and a
// few commands accept positional shorthand:
//
//	apply_update <module> @candidate.go
//	rollback_update <module> [version]
//	confirm <record-id> / deny <record-id>
//	execute_code <code...>
func parseLine(line string) (orchestrator.Command, error) {
	fields := strings.Fields(line)
	name := fields[0]
	cmd := orchestrator.Command{
		Name:        name,
		Parameters:  map[string]string{},
		Credential:  apiKey,
		SubmittedAt: time.Now(),
	}

	if name == orchestrator.CmdExecuteCode && len(fields) > 1 && !strings.Contains(fields[1], "=") {
		cmd.Parameters["code"] = strings.TrimSpace(strings.TrimPrefix(line, name))
		return cmd, nil
	}

	positional := []string{}
	for _, field := range fields[1:] {
		if key, value, ok := strings.Cut(field, "="); ok {
			expanded, err := expandValue(value)
			if err != nil {
				return cmd, err
			}
			cmd.Parameters[key] = expanded
			continue
		}
		expanded, err := expandValue(field)
		if err != nil {
			return cmd, err
		}
		positional = append(positional, expanded)
	}

	keys, ok := positionalKeys[name]
	if !ok && len(positional) > 0 {
		return cmd, fmt.Errorf("unexpected argument %q", positional[0])
	}
	if len(positional) > len(keys) {
		return cmd, fmt.Errorf("too many arguments for %s", name)
	}
	for i, value := range positional {
		cmd.Parameters[keys[i]] = value
	}
	return cmd, nil
}

// positionalKeys maps a command to the parameter names its bare
// arguments fill, in order.
var positionalKeys = map[string][]string{
	orchestrator.CmdApplyUpdate:    {"module", "source"},
	orchestrator.CmdRollbackUpdate: {"module", "version"},
	orchestrator.CmdConfirm:        {"record_id"},
	orchestrator.CmdDeny:           {"record_id"},
	orchestrator.CmdExecuteCode:    {"code"},
	orchestrator.CmdHistory:        {"limit"},
}

// expandValue reads @path values from disk.
func expandValue(value string) (string, error) {
	if !strings.HasPrefix(value, "@") {
		return value, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(value, "@"))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", value, err)
	}
	return string(data), nil
}
