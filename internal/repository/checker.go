// Package repository reports whether the package repositories a feature needs
// are provided on disk and enabled.
package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Checker reports repository availability for a feature on a platform/arch
type Checker interface {
	Check(ctx context.Context, feature model.Feature, platform, arch string) (bool, map[string]model.RepoDetail, error)
	Repolist(ctx context.Context, feature model.Feature, platform, arch string) ([]model.RepoDetail, error)
}

// catalogFile is the YAML repository catalog
type catalogFile struct {
	Repositories []catalogEntry `yaml:"repositories"`
}

type catalogEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Feature  string `yaml:"feature"`
	Platform string `yaml:"platform"`
	Arch     string `yaml:"arch"`
	URL      string `yaml:"url"`
	Path     string `yaml:"path"`
	Enabled  bool   `yaml:"enabled"`
}

// FileChecker reads the repository catalog from disk on every call, since
// repositories get added or enabled while an upgrade is running
type FileChecker struct {
	catalogPath string
	root        string
	logger      *zap.Logger
}

// NewFileChecker creates a checker for a catalog file. Relative repository
// paths are resolved against root.
func NewFileChecker(catalogPath, root string, logger *zap.Logger) *FileChecker {
	return &FileChecker{
		catalogPath: catalogPath,
		root:        root,
		logger:      logger,
	}
}

// Check reports whether every repository of the feature is provided and
// enabled. A feature without any catalog entry is not available.
func (c *FileChecker) Check(ctx context.Context, feature model.Feature, platform, arch string) (bool, map[string]model.RepoDetail, error) {
	repos, err := c.Repolist(ctx, feature, platform, arch)
	if err != nil {
		return false, nil, err
	}

	details := make(map[string]model.RepoDetail, len(repos))
	available := len(repos) > 0
	for _, repo := range repos {
		if !repo.Provided || !repo.Enabled {
			available = false
		}
		details[repo.Name] = repo
	}

	c.logger.Debug("Repository check",
		zap.String("feature", string(feature)),
		zap.String("platform", platform),
		zap.String("arch", arch),
		zap.Bool("available", available),
		zap.Int("repos", len(repos)))

	return available, details, nil
}

// Repolist enumerates the repositories of a feature with their state
func (c *FileChecker) Repolist(ctx context.Context, feature model.Feature, platform, arch string) ([]model.RepoDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := c.load()
	if err != nil {
		return nil, err
	}

	var repos []model.RepoDetail
	for _, e := range entries {
		if e.Feature != string(feature) || e.Platform != platform || e.Arch != arch {
			continue
		}
		path := e.Path
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(c.root, path)
		}
		name := e.Name
		if name == "" {
			name = e.ID
		}
		repos = append(repos, model.RepoDetail{
			Name:     name,
			URL:      e.URL,
			Path:     path,
			Provided: provided(path),
			Enabled:  e.Enabled,
		})
	}

	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	return repos, nil
}

func (c *FileChecker) load() ([]catalogEntry, error) {
	data, err := os.ReadFile(c.catalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository catalog %s: %w", c.catalogPath, err)
	}

	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse repository catalog %s: %w", c.catalogPath, err)
	}

	for i := range catalog.Repositories {
		e := &catalog.Repositories[i]
		feature, err := model.ParseFeature(e.Feature)
		if err != nil {
			return nil, fmt.Errorf("repository catalog entry %d: %w", i, err)
		}
		e.Feature = string(feature)
		if e.ID == "" && e.Name == "" {
			return nil, fmt.Errorf("repository catalog entry %d has neither id nor name", i)
		}
	}
	return catalog.Repositories, nil
}

// provided reports whether a repository has metadata on disk
func provided(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(path, "repodata", "repomd.xml"))
	return err == nil && !info.IsDir()
}

var _ Checker = (*FileChecker)(nil)
