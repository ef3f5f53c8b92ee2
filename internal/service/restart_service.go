package service

import (
	"context"
	stderrors "errors"

	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/metrics"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"github.com/xiaoruiguo/crowbar-core/internal/store"
	"go.uber.org/zap"
)

const (
	// PolicyNamespace and PolicyKey locate the restart policy document
	PolicyNamespace = "crowbar-config"
	PolicyKey       = "disallow_restart"

	// documentIDField is the internal identifier of stored documents
	documentIDField = "id"

	// maxSaveAttempts bounds the optimistic read-modify-write loop of a node
	maxSaveAttempts = 5
)

// RestartService tracks services whose automatic restart was suppressed
type RestartService struct {
	nodes   store.NodeDirectory
	docs    store.DocumentStore
	catalog *model.Catalog
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRestartService creates a new restart service
func NewRestartService(
	nodes store.NodeDirectory,
	docs store.DocumentStore,
	catalog *model.Catalog,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RestartService {
	return &RestartService{
		nodes:   nodes,
		docs:    docs,
		catalog: catalog,
		metrics: m,
		logger:  logger,
	}
}

// ListRestarts returns, per node with restart flags, the flagged services of
// each managed cookbook
func (s *RestartService) ListRestarts(ctx context.Context) (map[string]model.RestartEntry, error) {
	nodes, err := s.nodes.Find(ctx, store.NodeQuery{WithRestartFlags: true})
	if err != nil {
		return nil, errors.InternalError("failed to find nodes with restart flags", err)
	}

	managed := s.catalog.ManagedCookbooks()
	result := make(map[string]model.RestartEntry, len(nodes))
	for _, node := range nodes {
		entry := model.RestartEntry{
			Alias:     node.Alias,
			Cookbooks: make(map[string]map[string]string),
		}
		for _, cookbook := range managed {
			if services := node.RestartFlags.Cookbook(cookbook); services != nil {
				entry.Cookbooks[cookbook] = services
			}
		}
		result[node.Name] = entry
	}
	return result, nil
}

// ClearRestarts clears the restart flags of a node, of one cookbook on it, or
// of one service of that cookbook. The node is only written when a flag was
// actually removed.
func (s *RestartService) ClearRestarts(ctx context.Context, req model.ClearRestartsRequest) error {
	if req.Node == "" {
		return errors.InvalidRequest("node is required")
	}
	if req.Service != "" && req.Cookbook == "" {
		return errors.InvalidRequest("service requires a cookbook")
	}
	if req.Cookbook != "" && !s.catalog.IsManaged(req.Cookbook) {
		return errors.CookbookNotManaged(req.Cookbook)
	}

	scope := "node"
	switch {
	case req.Service != "":
		scope = "service"
	case req.Cookbook != "":
		scope = "cookbook"
	}

	written, err := s.updateNode(ctx, req.Node, func(node *model.Node) (bool, error) {
		return clearFlags(node, req)
	})
	if err != nil {
		return err
	}
	if written {
		s.metrics.RecordRestartFlagsCleared(scope)
		s.logger.Info("Restart flags cleared",
			zap.String("node", req.Node),
			zap.String("cookbook", req.Cookbook),
			zap.String("service", req.Service))
	}
	return nil
}

// FlagRestarts marks services of a node as needing a manual restart
func (s *RestartService) FlagRestarts(ctx context.Context, name string, services map[string][]string, reason string) error {
	var added map[string]int
	written, err := s.updateNode(ctx, name, func(node *model.Node) (bool, error) {
		if node.RestartFlags == nil {
			node.RestartFlags = model.RestartFlagSet{}
		}
		added = make(map[string]int)
		for cookbook, list := range services {
			current := node.RestartFlags.Cookbook(cookbook)
			for _, service := range list {
				if r, ok := current[service]; ok && r == reason {
					continue
				}
				node.RestartFlags.Set(cookbook, service, reason)
				added[cookbook]++
			}
		}
		return len(added) > 0, nil
	})
	if err != nil {
		return err
	}
	if written {
		for cookbook, n := range added {
			s.metrics.RecordRestartFlagsSet(cookbook, n)
		}
	}
	return nil
}

// updateNode runs a read-modify-write of a node's restart flags, retrying
// when the node was written concurrently. mutate reports whether it changed
// anything; unchanged nodes are not written. It reports whether the node was
// written.
func (s *RestartService) updateNode(ctx context.Context, name string, mutate func(*model.Node) (bool, error)) (bool, error) {
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		node, err := s.nodes.FindByNameOrAlias(ctx, name)
		if stderrors.Is(err, store.ErrNotFound) {
			return false, errors.NodeNotFound(name)
		}
		if err != nil {
			return false, errors.InternalError("failed to load node", err)
		}

		dirty, err := mutate(node)
		if err != nil {
			return false, err
		}
		if !dirty {
			s.logger.Debug("Node restart flags unchanged", zap.String("node", node.Name))
			return false, nil
		}

		err = s.nodes.Save(ctx, node)
		if err == nil {
			return true, nil
		}
		if stderrors.Is(err, store.ErrNotFound) {
			return false, errors.NodeNotFound(name)
		}
		if !stderrors.Is(err, store.ErrConflict) {
			return false, errors.InternalError("failed to save node", err)
		}

		s.logger.Debug("Node changed concurrently, retrying",
			zap.String("node", node.Name),
			zap.Int("attempt", attempt))
	}

	return false, errors.InternalError("node kept changing while updating restart flags", store.ErrConflict).
		WithDetail("node", name)
}

func clearFlags(node *model.Node, req model.ClearRestartsRequest) (bool, error) {
	switch {
	case req.Cookbook == "":
		dirty := !node.RestartFlags.Empty()
		node.RestartFlags = model.RestartFlagSet{}
		return dirty, nil
	case req.Service == "":
		return node.RestartFlags.DeleteCookbook(req.Cookbook), nil
	default:
		if !node.RestartFlags.HasCookbook(req.Cookbook) {
			return false, errors.CookbookNotFlagged(req.Cookbook, node.Name)
		}
		return node.RestartFlags.DeleteService(req.Cookbook, req.Service), nil
	}
}

// GetPolicy returns the restart policy, creating the document if absent
func (s *RestartService) GetPolicy(ctx context.Context) (model.RestartPolicy, error) {
	doc, err := s.docs.GetOrCreate(ctx, PolicyNamespace, PolicyKey)
	if err != nil {
		return nil, errors.InternalError("failed to load restart policy", err)
	}

	policy := make(model.RestartPolicy, len(doc.Data))
	for cookbook, value := range doc.Data {
		if cookbook == documentIDField {
			continue
		}
		switch v := value.(type) {
		case bool:
			policy[cookbook] = v
		case string:
			policy[cookbook] = v == "true"
		}
	}
	return policy, nil
}

// SetPolicy updates whether automatic restarts are disallowed for a single
// managed cookbook and returns the resulting policy
func (s *RestartService) SetPolicy(ctx context.Context, cookbook string, disallow bool) (model.RestartPolicy, error) {
	if !s.catalog.IsManaged(cookbook) {
		return nil, errors.CookbookNotManaged(cookbook)
	}

	if err := s.docs.Update(ctx, PolicyNamespace, PolicyKey, map[string]interface{}{cookbook: disallow}); err != nil {
		return nil, errors.InternalError("failed to update restart policy", err)
	}

	s.logger.Info("Restart policy updated",
		zap.String("cookbook", cookbook),
		zap.Bool("disallow_restart", disallow))

	return s.GetPolicy(ctx)
}
