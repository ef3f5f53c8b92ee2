package service

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xiaoruiguo/crowbar-core/internal/client"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Precheck is a read-only diagnostic run before the upgrade. Run returns the
// offending item -> error text; an empty map means the check passed.
type Precheck interface {
	Name() string
	Required() bool
	Run(ctx context.Context, nodes []*model.Node) (map[string]string, error)
}

// SanityCheck verifies the node inventory is usable for an upgrade
type SanityCheck struct{}

// NewSanityCheck creates a new sanity check
func NewSanityCheck() *SanityCheck {
	return &SanityCheck{}
}

func (c *SanityCheck) Name() string   { return model.CheckSanity }
func (c *SanityCheck) Required() bool { return true }

// Run checks that there are nodes, and that each has a platform, an
// architecture and a unique alias
func (c *SanityCheck) Run(ctx context.Context, nodes []*model.Node) (map[string]string, error) {
	errs := make(map[string]string)
	if len(nodes) == 0 {
		errs["nodes"] = "no managed nodes found"
		return errs, nil
	}

	aliases := make(map[string]string)
	for _, node := range nodes {
		var problems []string
		if node.Platform == "" {
			problems = append(problems, "platform is unknown")
		}
		if node.Architecture == "" {
			problems = append(problems, "architecture is unknown")
		}
		if node.Alias != "" {
			if other, ok := aliases[node.Alias]; ok {
				problems = append(problems, fmt.Sprintf("alias %s is also used by %s", node.Alias, other))
			}
			aliases[node.Alias] = node.Name
		}
		if len(problems) > 0 {
			errs[node.Name] = strings.Join(problems, "; ")
		}
	}
	return errs, nil
}

// NetworkCheck verifies every node accepts connections on the remote
// execution port
type NetworkCheck struct {
	port    int
	timeout time.Duration
	logger  *zap.Logger
}

// NewNetworkCheck creates a new network check
func NewNetworkCheck(port int, timeout time.Duration, logger *zap.Logger) *NetworkCheck {
	if port == 0 {
		port = 22
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NetworkCheck{port: port, timeout: timeout, logger: logger}
}

func (c *NetworkCheck) Name() string   { return model.CheckNetwork }
func (c *NetworkCheck) Required() bool { return true }

// Run dials every node concurrently
func (c *NetworkCheck) Run(ctx context.Context, nodes []*model.Node) (map[string]string, error) {
	var (
		mu   sync.Mutex
		errs = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			addr := net.JoinHostPort(node.Host(), strconv.Itoa(c.port))
			dialer := &net.Dialer{Timeout: c.timeout}
			conn, err := dialer.DialContext(gctx, "tcp", addr)
			if err != nil {
				c.logger.Warn("Node unreachable",
					zap.String("node", node.Name),
					zap.String("addr", addr),
					zap.Error(err))
				mu.Lock()
				errs[node.Name] = err.Error()
				mu.Unlock()
				return nil
			}
			conn.Close()
			return nil
		})
	}
	_ = g.Wait()

	return errs, nil
}

// Exit codes of the patch check command
const (
	patchCheckUpdatesPending  = 100
	patchCheckSecurityPending = 101
)

// MaintenanceCheck verifies every node has its maintenance updates installed
type MaintenanceCheck struct {
	dispatcher *client.Dispatcher
}

// NewMaintenanceCheck creates a new maintenance update check
func NewMaintenanceCheck(dispatcher *client.Dispatcher) *MaintenanceCheck {
	return &MaintenanceCheck{dispatcher: dispatcher}
}

func (c *MaintenanceCheck) Name() string   { return model.CheckMaintenanceUpdates }
func (c *MaintenanceCheck) Required() bool { return true }

// Run runs the patch check on every node
func (c *MaintenanceCheck) Run(ctx context.Context, nodes []*model.Node) (map[string]string, error) {
	errs := make(map[string]string)
	for _, outcome := range c.dispatcher.Broadcast(ctx, nodes, client.ActionPatchCheck) {
		if !outcome.Failed() {
			continue
		}
		switch {
		case outcome.Err != nil:
			errs[outcome.Node] = outcome.Err.Error()
		case outcome.Result.ExitCode == patchCheckUpdatesPending:
			errs[outcome.Node] = "maintenance updates pending"
		case outcome.Result.ExitCode == patchCheckSecurityPending:
			errs[outcome.Node] = "security updates pending"
		default:
			msg := strings.TrimSpace(outcome.Result.Stderr)
			if msg == "" {
				msg = fmt.Sprintf("patch check exited with %d", outcome.Result.ExitCode)
			}
			errs[outcome.Node] = msg
		}
	}
	return errs, nil
}

// HAPresenceCheck verifies that nodes running clustered services are members
// of a pacemaker cluster. It only makes sense when the ha addon is deployed.
type HAPresenceCheck struct {
	catalog      *model.Catalog
	clusterRoles []string
}

// NewHAPresenceCheck creates a new HA presence check
func NewHAPresenceCheck(catalog *model.Catalog, clusterRoles []string) *HAPresenceCheck {
	return &HAPresenceCheck{catalog: catalog, clusterRoles: clusterRoles}
}

func (c *HAPresenceCheck) Name() string { return model.CheckHAConfigured }

// Required is false: a missing HA setup only rules out the non-disruptive
// upgrade method.
func (c *HAPresenceCheck) Required() bool { return false }

// Run reports nodes with a clustered role that are not pacemaker members
func (c *HAPresenceCheck) Run(ctx context.Context, nodes []*model.Node) (map[string]string, error) {
	errs := make(map[string]string)

	members := 0
	for _, node := range nodes {
		if c.catalog.NodeFeatures(node)[model.FeatureHA] {
			members++
		}
	}
	if members == 0 {
		errs["pacemaker"] = "no pacemaker cluster found"
		return errs, nil
	}

	for _, node := range nodes {
		if c.catalog.NodeFeatures(node)[model.FeatureHA] {
			continue
		}
		for _, role := range c.clusterRoles {
			if node.HasRole(role) {
				errs[node.Name] = fmt.Sprintf("role %s is not clustered", role)
				break
			}
		}
	}
	return errs, nil
}

var (
	_ Precheck = (*SanityCheck)(nil)
	_ Precheck = (*NetworkCheck)(nil)
	_ Precheck = (*MaintenanceCheck)(nil)
	_ Precheck = (*HAPresenceCheck)(nil)
)
