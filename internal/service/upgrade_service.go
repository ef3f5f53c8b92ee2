package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoruiguo/crowbar-core/internal/client"
	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/metrics"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"github.com/xiaoruiguo/crowbar-core/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultRestartReason is recorded for services stopped during the upgrade
// whose cookbook disallows automatic restarts
const DefaultRestartReason = "stopped for upgrade"

// Prechecks groups the diagnostics run before the upgrade
type Prechecks struct {
	Sanity      Precheck
	Network     Precheck
	Maintenance Precheck
	// HAPresence only runs when the ha addon is deployed
	HAPresence Precheck
}

// UpgradeConfig holds the orchestrator settings
type UpgradeConfig struct {
	// InstanceID identifies this coordinator as transition lock owner
	InstanceID    string
	RestartReason string
}

// UpgradeService drives the cluster-wide upgrade state machine
type UpgradeService struct {
	nodes      store.NodeDirectory
	states     store.StateStore
	lock       store.TransitionLock
	dispatcher *client.Dispatcher
	restarts   *RestartService
	catalog    *model.Catalog
	prechecks  Prechecks
	config     UpgradeConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewUpgradeService creates a new upgrade service
func NewUpgradeService(
	nodes store.NodeDirectory,
	states store.StateStore,
	lock store.TransitionLock,
	dispatcher *client.Dispatcher,
	restarts *RestartService,
	catalog *model.Catalog,
	prechecks Prechecks,
	config UpgradeConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *UpgradeService {
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}
	if config.RestartReason == "" {
		config.RestartReason = DefaultRestartReason
	}
	return &UpgradeService{
		nodes:      nodes,
		states:     states,
		lock:       lock,
		dispatcher: dispatcher,
		restarts:   restarts,
		catalog:    catalog,
		prechecks:  prechecks,
		config:     config,
		metrics:    m,
		logger:     logger,
	}
}

// Status returns the upgrade status. It never writes: an absent record is
// reported as idle.
func (s *UpgradeService) Status(ctx context.Context) (*model.UpgradeStatus, error) {
	state, err := s.loadState(ctx)
	if err != nil {
		return nil, err
	}
	nodes, err := s.allNodes(ctx)
	if err != nil {
		return nil, err
	}

	status := &model.UpgradeStatus{
		Phase:              state.Phase,
		Addons:             s.catalog.Addons(nodes),
		LastError:          state.LastError,
		Nodes:              state.Nodes,
		MaintenanceUpdates: map[string]string{},
		NetworkChecks:      []string{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		errs, err := s.prechecks.Maintenance.Run(gctx, nodes)
		if err != nil {
			return err
		}
		status.MaintenanceUpdates = errs
		return nil
	})
	g.Go(func() error {
		errs, err := s.prechecks.Network.Run(gctx, nodes)
		if err != nil {
			return err
		}
		status.NetworkChecks = flattenErrors(errs)
		return nil
	})
	if hasAddon(status.Addons, model.FeatureHA) {
		g.Go(func() error {
			errs, err := s.prechecks.HAPresence.Run(gctx, nodes)
			if err != nil {
				return err
			}
			status.HAPresence = errs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.InternalError("failed to collect upgrade status", err)
	}

	return status, nil
}

// Prechecks runs every precheck independently and reports all results
func (s *UpgradeService) Prechecks(ctx context.Context) (*model.PrecheckReport, error) {
	nodes, err := s.allNodes(ctx)
	if err != nil {
		return nil, err
	}
	return s.runPrechecks(ctx, nodes), nil
}

func (s *UpgradeService) runPrechecks(ctx context.Context, nodes []*model.Node) *model.PrecheckReport {
	checks := []Precheck{s.prechecks.Sanity, s.prechecks.Network, s.prechecks.Maintenance}
	haDeployed := hasAddon(s.catalog.Addons(nodes), model.FeatureHA)
	if haDeployed {
		checks = append(checks, s.prechecks.HAPresence)
	}

	var (
		mu     sync.Mutex
		report = &model.PrecheckReport{Checks: make(map[string]model.CheckResult, len(checks))}
	)

	// Checks never fail the group so that every check reports
	g, gctx := errgroup.WithContext(ctx)
	for _, check := range checks {
		check := check
		g.Go(func() error {
			errs, err := check.Run(gctx, nodes)
			if err != nil {
				errs = map[string]string{"error": err.Error()}
			}
			if errs == nil {
				errs = map[string]string{}
			}
			result := model.CheckResult{
				Passed:   len(errs) == 0,
				Required: check.Required(),
				Errors:   errs,
			}

			mu.Lock()
			report.Checks[check.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case !report.Passed():
		report.BestMethod = model.MethodNone
	case haDeployed && report.Checks[model.CheckHAConfigured].Passed:
		report.BestMethod = model.MethodNonDisruptive
	default:
		report.BestMethod = model.MethodDisruptive
	}

	s.logger.Info("Prechecks completed",
		zap.String("best_method", report.BestMethod),
		zap.Strings("failed", report.Failed()))

	return report
}

// Prepare runs the prechecks and places the upgrade hold markers on every
// node. A retry is allowed after the hold markers failed on some node.
func (s *UpgradeService) Prepare(ctx context.Context) (*model.UpgradeState, error) {
	return s.transition(ctx, model.OperationPrepare,
		[]model.UpgradePhase{model.PhaseIdle, model.PhaseSanityOK},
		func(ctx context.Context, state *model.UpgradeState, nodes []*model.Node) error {
			report := s.runPrechecks(ctx, nodes)
			if !report.Passed() {
				failed := report.Failed()
				return errors.PreconditionFailed(fmt.Sprintf("prechecks failed: %s", strings.Join(failed, ", "))).
					WithDetail("failed_checks", failed)
			}

			state.Phase = model.PhaseSanityOK
			if err := s.saveState(ctx, state); err != nil {
				return err
			}

			outcomes := s.dispatcher.Broadcast(ctx, nodes, client.ActionPrepare)
			if err := s.recordOutcomes(state, model.OperationPrepare, outcomes); err != nil {
				return err
			}

			state.Phase = model.PhasePrepared
			return nil
		})
}

// StopServices stops the services of the managed cookbooks on every node.
// Services of cookbooks that disallow automatic restarts are flagged for a
// manual restart. A failure on some node is not rolled back on the others.
func (s *UpgradeService) StopServices(ctx context.Context) (*model.UpgradeState, error) {
	return s.transition(ctx, model.OperationStopServices,
		[]model.UpgradePhase{model.PhasePrepared},
		func(ctx context.Context, state *model.UpgradeState, nodes []*model.Node) error {
			policy, err := s.restarts.GetPolicy(ctx)
			if err != nil {
				return err
			}

			outcomes := s.dispatcher.BroadcastEach(ctx, nodes, client.ActionStopService,
				func(node *model.Node) []client.CommandVars {
					services := s.nodeServices(node)
					cookbooks := make([]string, 0, len(services))
					for cookbook := range services {
						cookbooks = append(cookbooks, cookbook)
					}
					sort.Strings(cookbooks)

					var plan []client.CommandVars
					for _, cookbook := range cookbooks {
						for _, service := range services[cookbook] {
							vars := client.VarsFor(node)
							vars.Cookbook = cookbook
							vars.Service = service
							plan = append(plan, vars)
						}
					}
					return plan
				})

			byName := make(map[string]*model.Node, len(nodes))
			for _, node := range nodes {
				byName[node.Name] = node
			}
			for _, outcome := range outcomes {
				if outcome.Failed() {
					continue
				}
				suppressed := make(map[string][]string)
				for cookbook, services := range s.nodeServices(byName[outcome.Node]) {
					if policy.Disallowed(cookbook) {
						suppressed[cookbook] = services
					}
				}
				if len(suppressed) == 0 {
					continue
				}
				if err := s.restarts.FlagRestarts(ctx, outcome.Node, suppressed, s.config.RestartReason); err != nil {
					return err
				}
			}

			if err := s.recordOutcomes(state, model.OperationStopServices, outcomes); err != nil {
				return err
			}

			state.Phase = model.PhaseServicesStopped
			return nil
		})
}

// UpgradeNodes runs the OS/package upgrade on every node. It may be re-run
// once all nodes were upgraded.
func (s *UpgradeService) UpgradeNodes(ctx context.Context) (*model.UpgradeState, error) {
	return s.transition(ctx, model.OperationUpgradeNodes,
		[]model.UpgradePhase{model.PhaseServicesStopped, model.PhaseNodesUpgraded},
		func(ctx context.Context, state *model.UpgradeState, nodes []*model.Node) error {
			outcomes := s.dispatcher.Broadcast(ctx, nodes, client.ActionUpgrade)
			if err := s.recordOutcomes(state, model.OperationUpgradeNodes, outcomes); err != nil {
				return err
			}
			state.Phase = model.PhaseNodesUpgraded
			return nil
		})
}

// Finalize drops the upgrade hold markers and completes the upgrade
func (s *UpgradeService) Finalize(ctx context.Context) (*model.UpgradeState, error) {
	return s.transition(ctx, model.OperationFinalize,
		[]model.UpgradePhase{model.PhaseNodesUpgraded},
		func(ctx context.Context, state *model.UpgradeState, nodes []*model.Node) error {
			outcomes := s.dispatcher.Broadcast(ctx, nodes, client.ActionFinalize)
			if err := s.recordOutcomes(state, model.OperationFinalize, outcomes); err != nil {
				return err
			}
			state.Phase = model.PhaseDone
			return nil
		})
}

// Cancel reverts every node and resets the upgrade to idle. When the revert
// fails on any node the phase is kept and the node's own error text is
// returned.
func (s *UpgradeService) Cancel(ctx context.Context) (*model.UpgradeState, error) {
	return s.transition(ctx, model.OperationCancel,
		[]model.UpgradePhase{
			model.PhaseSanityOK, model.PhasePrepared, model.PhaseServicesStopped,
			model.PhaseNodesUpgraded, model.PhaseDone,
		},
		func(ctx context.Context, state *model.UpgradeState, nodes []*model.Node) error {
			outcomes := s.dispatcher.Broadcast(ctx, nodes, client.ActionRevert)
			if failures := client.Failures(outcomes); len(failures) > 0 {
				s.applyOutcomes(state, model.OperationCancel, outcomes)
				e := errors.New(errors.KindRemoteExecutionFailed, failureMessage(failures[0]), nil).
					WithDetail("operation", string(model.OperationCancel))
				e.Nodes = failures
				return e
			}

			state.Phase = model.PhaseIdle
			state.Nodes = nil
			return nil
		})
}

type transitionFunc func(ctx context.Context, state *model.UpgradeState, nodes []*model.Node) error

// transition runs op under the cluster-wide transition lock. The phase only
// changes when fn succeeds; on failure the error is recorded in the state.
// Once the lock is held the operation runs to completion even if the caller
// goes away, so nodes are never left half way through a step.
func (s *UpgradeService) transition(ctx context.Context, op model.Operation, allowed []model.UpgradePhase, fn transitionFunc) (*model.UpgradeState, error) {
	start := time.Now()

	lease, err := s.lock.Acquire(ctx, s.config.InstanceID)
	if stderrors.Is(err, store.ErrLockHeld) {
		s.metrics.RecordTransition(op, string(errors.KindAlreadyInProgress), time.Since(start))
		return nil, errors.AlreadyInProgress(string(op))
	}
	if err != nil {
		return nil, errors.InternalError("failed to acquire transition lock", err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			s.logger.Warn("Failed to release transition lock",
				zap.String("operation", string(op)),
				zap.Error(err))
		}
	}()

	ctx = context.WithoutCancel(ctx)

	state, err := s.loadState(ctx)
	if err != nil {
		return nil, err
	}

	if !phaseIn(state.Phase, allowed) {
		names := make([]string, 0, len(allowed))
		for _, p := range allowed {
			names = append(names, string(p))
		}
		s.metrics.RecordTransition(op, string(errors.KindPreconditionFailed), time.Since(start))
		return nil, errors.PhaseMismatch(string(op), string(state.Phase), names...)
	}

	nodes, err := s.allNodes(ctx)
	if err != nil {
		return nil, err
	}
	state.Addons = s.catalog.Addons(nodes)

	from := state.Phase
	s.logger.Info("Starting upgrade operation",
		zap.String("operation", string(op)),
		zap.String("phase", string(from)),
		zap.Int("nodes", len(nodes)))

	if err := fn(ctx, state, nodes); err != nil {
		if lost := lease.Err(); lost != nil {
			return nil, s.lockLost(op, start, lost)
		}
		kind := errors.KindOf(err)
		state.LastError = lastError(op, err)
		if saveErr := s.saveState(ctx, state); saveErr != nil {
			s.logger.Error("Failed to record upgrade error",
				zap.String("operation", string(op)),
				zap.Error(saveErr))
		}
		s.metrics.RecordTransition(op, string(kind), time.Since(start))
		s.logger.Warn("Upgrade operation failed",
			zap.String("operation", string(op)),
			zap.String("phase", string(state.Phase)),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil, err
	}

	if lost := lease.Err(); lost != nil {
		return nil, s.lockLost(op, start, lost)
	}
	state.LastError = nil
	if err := s.saveState(ctx, state); err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(op, string(errors.KindOK), time.Since(start))
	s.metrics.SetPhase(state.Phase)
	s.logger.Info("Upgrade operation completed",
		zap.String("operation", string(op)),
		zap.String("from", string(from)),
		zap.String("to", string(state.Phase)),
		zap.Duration("duration", time.Since(start)))

	return state, nil
}

// lockLost reports an operation whose lock expired before its result could
// be recorded. The stored state is left as it was.
func (s *UpgradeService) lockLost(op model.Operation, start time.Time, err error) error {
	s.metrics.RecordTransition(op, string(errors.KindInternal), time.Since(start))
	s.logger.Error("Transition lock lost during upgrade operation",
		zap.String("operation", string(op)),
		zap.Error(err))
	return errors.InternalError("transition lock lost during "+string(op), err)
}

// loadState returns the stored state, or the initial state when none exists
func (s *UpgradeService) loadState(ctx context.Context) (*model.UpgradeState, error) {
	state, err := s.states.Load(ctx)
	if stderrors.Is(err, store.ErrNotFound) {
		return model.NewUpgradeState(nil), nil
	}
	if err != nil {
		return nil, errors.InternalError("failed to load upgrade state", err)
	}
	if !state.Phase.Valid() {
		return nil, errors.InternalError(fmt.Sprintf("stored upgrade phase %q is unknown", state.Phase), nil)
	}
	return state, nil
}

func (s *UpgradeService) saveState(ctx context.Context, state *model.UpgradeState) error {
	state.UpdatedAt = time.Now().UTC()
	if err := s.states.Save(ctx, state); err != nil {
		return errors.InternalError("failed to save upgrade state", err)
	}
	return nil
}

func (s *UpgradeService) allNodes(ctx context.Context) ([]*model.Node, error) {
	nodes, err := s.nodes.Find(ctx, store.NodeQuery{})
	if err != nil {
		return nil, errors.InternalError("failed to list nodes", err)
	}
	return nodes, nil
}

// nodeServices returns the services of the managed cookbooks deployed on node
func (s *UpgradeService) nodeServices(node *model.Node) map[string][]string {
	services := make(map[string][]string)
	for _, cookbook := range s.catalog.NodeCookbooks(node) {
		if !s.catalog.IsManaged(cookbook) {
			continue
		}
		if list := s.catalog.Services(cookbook); len(list) > 0 {
			services[cookbook] = list
		}
	}
	return services
}

// recordOutcomes stores the per-node results and converts failures into a
// single error naming every failed node
func (s *UpgradeService) recordOutcomes(state *model.UpgradeState, op model.Operation, outcomes []client.Outcome) error {
	s.applyOutcomes(state, op, outcomes)
	if failures := client.Failures(outcomes); len(failures) > 0 {
		return errors.RemoteExecutionFailed(string(op), failures)
	}
	return nil
}

func (s *UpgradeService) applyOutcomes(state *model.UpgradeState, op model.Operation, outcomes []client.Outcome) {
	if state.Nodes == nil {
		state.Nodes = make(map[string]model.NodeStatus, len(outcomes))
	}
	now := time.Now().UTC()
	for _, o := range outcomes {
		status := model.NodeStatus{
			Operation: op,
			Status:    model.NodeStatusOK,
			UpdatedAt: now,
		}
		if o.Failed() {
			f := o.Failure()
			status.Status = model.NodeStatusFailed
			status.ExitCode = f.ExitCode
			status.Stdout = f.Stdout
			status.Stderr = f.Stderr
			status.Error = f.Error
		}
		state.Nodes[o.Node] = status
	}
}

func lastError(op model.Operation, err error) *model.UpgradeError {
	le := &model.UpgradeError{
		Operation: op,
		Kind:      string(errors.KindOf(err)),
		Message:   err.Error(),
		At:        time.Now().UTC(),
	}
	if ue, ok := errors.As(err); ok {
		for _, f := range ue.Nodes {
			le.Nodes = append(le.Nodes, f.Node)
		}
	}
	return le
}

// failureMessage returns the raw error text of a failed node
func failureMessage(f errors.NodeFailure) string {
	if f.Error != "" {
		return f.Error
	}
	if msg := strings.TrimSpace(f.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(f.Stdout); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit code %d", f.ExitCode)
}

func flattenErrors(errs map[string]string) []string {
	out := make([]string, 0, len(errs))
	for item, msg := range errs {
		out = append(out, fmt.Sprintf("%s: %s", item, msg))
	}
	sort.Strings(out)
	return out
}

func phaseIn(phase model.UpgradePhase, allowed []model.UpgradePhase) bool {
	for _, p := range allowed {
		if p == phase {
			return true
		}
	}
	return false
}

func hasAddon(addons []string, feature model.Feature) bool {
	for _, a := range addons {
		if a == string(feature) {
			return true
		}
	}
	return false
}
