package service

import (
	"context"
	"sort"
	"sync"

	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/metrics"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"github.com/xiaoruiguo/crowbar-core/internal/repository"
	"github.com/xiaoruiguo/crowbar-core/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RepoCheckConfig holds the repository check settings
type RepoCheckConfig struct {
	// TargetPlatform is the platform the cluster is upgraded to
	TargetPlatform    string
	AdminArchitecture string
	// CoreRole selects the nodes whose repositories are checked
	CoreRole string
}

// reportedNodeFeatures are the features included in the node repository report
var reportedNodeFeatures = []model.Feature{model.FeatureOS, model.PrimaryFeature}

// RepoCheckService reports repository availability for the upgrade target
type RepoCheckService struct {
	nodes   store.NodeDirectory
	checker repository.Checker
	catalog *model.Catalog
	config  RepoCheckConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRepoCheckService creates a new repository check service
func NewRepoCheckService(
	nodes store.NodeDirectory,
	checker repository.Checker,
	catalog *model.Catalog,
	config RepoCheckConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RepoCheckService {
	return &RepoCheckService{
		nodes:   nodes,
		checker: checker,
		catalog: catalog,
		config:  config,
		metrics: m,
		logger:  logger,
	}
}

// AdminRepoCheck checks the repositories of every admin-required feature for
// the admin node
func (s *RepoCheckService) AdminRepoCheck(ctx context.Context) (model.RepoCheckResult, error) {
	result := make(model.RepoCheckResult)
	for _, feature := range s.catalog.AdminFeatures() {
		available, repos, err := s.checker.Check(ctx, feature, s.config.TargetPlatform, s.config.AdminArchitecture)
		if err != nil {
			return nil, errors.InternalError("repository check failed", err).
				WithDetail("feature", string(feature))
		}
		s.metrics.RecordRepoCheck(feature, available)
		result[feature] = model.FeatureRepoReport{Available: available, Repos: repos}
	}
	return result, nil
}

// NodeRepoCheck checks, for every feature in use on the core nodes, the
// repositories of each architecture running it. Only the os and primary
// features are reported, and only when in use. When a feature runs on more
// than one architecture the report carries a breakdown per architecture.
func (s *RepoCheckService) NodeRepoCheck(ctx context.Context) (model.RepoCheckResult, error) {
	nodes, err := s.nodes.Find(ctx, store.NodeQuery{Role: s.config.CoreRole})
	if err != nil {
		return nil, errors.InternalError("failed to list core nodes", err)
	}

	archs := s.featureArchitectures(nodes)

	type checkKey struct {
		feature model.Feature
		arch    string
	}
	var (
		mu      sync.Mutex
		results = make(map[checkKey]model.ArchRepoReport)
	)

	// one task per (feature, architecture) node group
	g, gctx := errgroup.WithContext(ctx)
	for feature, list := range archs {
		for _, arch := range list {
			key := checkKey{feature: feature, arch: arch}
			g.Go(func() error {
				available, repos, err := s.checker.Check(gctx, key.feature, s.config.TargetPlatform, key.arch)
				if err != nil {
					return errors.InternalError("repository check failed", err).
						WithDetail("feature", string(key.feature)).
						WithDetail("architecture", key.arch)
				}
				s.metrics.RecordRepoCheck(key.feature, available)

				mu.Lock()
				results[key] = model.ArchRepoReport{Available: available, Repos: repos}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := make(model.RepoCheckResult)
	for _, feature := range reportedNodeFeatures {
		list, inUse := archs[feature]
		if !inUse {
			continue
		}

		fr := model.FeatureRepoReport{Available: true, Repos: make(map[string]model.RepoDetail)}
		if len(list) == 1 {
			r := results[checkKey{feature: feature, arch: list[0]}]
			fr.Available = r.Available
			fr.Repos = r.Repos
		} else {
			fr.MixedArchitectures = true
			fr.Architectures = make(map[string]model.ArchRepoReport, len(list))
			for _, arch := range list {
				r := results[checkKey{feature: feature, arch: arch}]
				fr.Architectures[arch] = r
				fr.Available = fr.Available && r.Available
				for name, detail := range r.Repos {
					fr.Repos[arch+"/"+name] = detail
				}
			}
			s.logger.Warn("Feature runs on mixed architectures",
				zap.String("feature", string(feature)),
				zap.Strings("architectures", list))
		}
		if fr.Repos == nil {
			fr.Repos = make(map[string]model.RepoDetail)
		}
		report[feature] = fr
	}

	return report, nil
}

// featureArchitectures maps every feature in use on nodes to the sorted
// architectures of the nodes running it
func (s *RepoCheckService) featureArchitectures(nodes []*model.Node) map[model.Feature][]string {
	sets := make(map[model.Feature]map[string]struct{})
	for _, node := range nodes {
		for feature := range s.catalog.NodeFeatures(node) {
			if sets[feature] == nil {
				sets[feature] = make(map[string]struct{})
			}
			sets[feature][node.Architecture] = struct{}{}
		}
	}

	archs := make(map[model.Feature][]string, len(sets))
	for feature, set := range sets {
		list := make([]string, 0, len(set))
		for arch := range set {
			list = append(list, arch)
		}
		sort.Strings(list)
		archs[feature] = list
	}
	return archs
}
