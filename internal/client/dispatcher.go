package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/metrics"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Action names a remote command template
type Action string

const (
	// ActionPrepare places the upgrade hold markers on a node
	ActionPrepare Action = "prepare"
	// ActionStopService ensures a single service is stopped
	ActionStopService Action = "stop_service"
	// ActionUpgrade runs the OS/package upgrade
	ActionUpgrade Action = "upgrade"
	// ActionFinalize drops the upgrade hold markers
	ActionFinalize Action = "finalize"
	// ActionRevert undoes whatever the upgrade placed on a node
	ActionRevert Action = "revert"
	// ActionPatchCheck reports pending maintenance updates
	ActionPatchCheck Action = "patch_check"
)

// AllActions lists every action a dispatcher must have a command for
var AllActions = []Action{ActionPrepare, ActionStopService, ActionUpgrade, ActionFinalize, ActionRevert, ActionPatchCheck}

// DefaultCommands returns the built-in command templates
func DefaultCommands() map[Action]string {
	return map[Action]string{
		ActionPrepare:     "mkdir -p /var/lib/crowbar/upgrade && touch /var/lib/crowbar/upgrade/upgrade-hold",
		ActionStopService: "systemctl stop {{.Service}} && ! systemctl is-active --quiet {{.Service}}",
		ActionUpgrade:     "zypper --non-interactive dist-upgrade --auto-agree-with-licenses",
		ActionFinalize:    "rm -f /var/lib/crowbar/upgrade/upgrade-hold",
		ActionRevert:      "rm -rf /var/lib/crowbar/upgrade",
		ActionPatchCheck:  "zypper --non-interactive patch-check",
	}
}

// CommandVars are the values available to command templates
type CommandVars struct {
	Node         string
	Alias        string
	Platform     string
	Architecture string
	Cookbook     string
	Service      string
}

// VarsFor returns the node part of the template values
func VarsFor(node *model.Node) CommandVars {
	return CommandVars{
		Node:         node.Name,
		Alias:        node.Alias,
		Platform:     node.Platform,
		Architecture: node.Architecture,
	}
}

// Outcome is the result of running an action on one node
type Outcome struct {
	Node   string
	Result *Result
	Err    error
}

// Failed reports whether the node failed the action. A non-zero exit code and
// a transport error are treated the same.
func (o Outcome) Failed() bool {
	return o.Err != nil || (o.Result != nil && o.Result.ExitCode != 0)
}

// Failure converts a failed outcome into the reported node failure
func (o Outcome) Failure() errors.NodeFailure {
	f := errors.NodeFailure{Node: o.Node, ExitCode: -1}
	if o.Result != nil {
		f.ExitCode = o.Result.ExitCode
		f.Stdout = o.Result.Stdout
		f.Stderr = o.Result.Stderr
	}
	if o.Err != nil {
		f.Error = o.Err.Error()
	}
	return f
}

// Failures returns the failures among outcomes
func Failures(outcomes []Outcome) []errors.NodeFailure {
	var failures []errors.NodeFailure
	for _, o := range outcomes {
		if o.Failed() {
			failures = append(failures, o.Failure())
		}
	}
	return failures
}

// Dispatcher renders actions into commands and runs them on nodes
type Dispatcher struct {
	runner    Runner
	templates map[Action]*template.Template
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher parses the command templates. Every action needs a command.
func NewDispatcher(runner Runner, commands map[Action]string, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	templates := make(map[Action]*template.Template, len(AllActions))
	for _, action := range AllActions {
		text, ok := commands[action]
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("no command configured for action %s", action)
		}
		tmpl, err := template.New(string(action)).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("invalid command template for action %s: %w", action, err)
		}
		templates[action] = tmpl
	}

	return &Dispatcher{
		runner:    runner,
		templates: templates,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Render produces the command line of an action
func (d *Dispatcher) Render(action Action, vars CommandVars) (string, error) {
	tmpl, ok := d.templates[action]
	if !ok {
		return "", fmt.Errorf("unknown action %s", action)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("failed to render %s command: %w", action, err)
	}
	return b.String(), nil
}

// Run renders and runs an action on a single node
func (d *Dispatcher) Run(ctx context.Context, node *model.Node, action Action, vars CommandVars) Outcome {
	command, err := d.Render(action, vars)
	if err != nil {
		return Outcome{Node: node.Name, Err: err}
	}

	start := time.Now()
	result, err := d.runner.Run(ctx, node, command)
	outcome := Outcome{Node: node.Name, Result: result, Err: err}
	d.metrics.RecordRemoteCommand(string(action), !outcome.Failed(), time.Since(start))

	if outcome.Failed() {
		fields := []zap.Field{
			zap.String("node", node.Name),
			zap.String("action", string(action)),
			zap.Error(err),
		}
		if result != nil {
			fields = append(fields, zap.Int("exit_code", result.ExitCode), zap.String("stderr", result.Stderr))
		}
		d.logger.Warn("Remote command failed", fields...)
	}
	return outcome
}

// Broadcast runs action on every node concurrently and waits for all of them.
// Outcomes are ordered by node name.
func (d *Dispatcher) Broadcast(ctx context.Context, nodes []*model.Node, action Action) []Outcome {
	return d.BroadcastEach(ctx, nodes, action, func(node *model.Node) []CommandVars {
		return []CommandVars{VarsFor(node)}
	})
}

// BroadcastEach runs a per-node sequence of action invocations, one goroutine
// per node. A node stops at its first failing command. A node with no
// invocations succeeds without contacting it.
func (d *Dispatcher) BroadcastEach(ctx context.Context, nodes []*model.Node, action Action, plan func(*model.Node) []CommandVars) []Outcome {
	var (
		mu       sync.Mutex
		outcomes = make([]Outcome, 0, len(nodes))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			outcome := Outcome{Node: node.Name, Result: &Result{}}
			for _, vars := range plan(node) {
				outcome = d.Run(gctx, node, action, vars)
				if outcome.Failed() {
					break
				}
			}

			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			// Don't fail the group, every node must report
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Node < outcomes[j].Node })

	d.logger.Info("Broadcast completed",
		zap.String("action", string(action)),
		zap.Int("nodes", len(nodes)),
		zap.Int("failed", len(Failures(outcomes))))

	return outcomes
}
