package model

// RepoDetail describes one package repository
type RepoDetail struct {
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	Provided bool   `json:"provided"`
	Enabled  bool   `json:"enabled"`
}

// ArchRepoReport is the availability of a feature for one architecture
type ArchRepoReport struct {
	Available bool                  `json:"available"`
	Repos     map[string]RepoDetail `json:"repos"`
}

// FeatureRepoReport is the availability of a feature's repositories
type FeatureRepoReport struct {
	Available bool                  `json:"available"`
	Repos     map[string]RepoDetail `json:"repos"`
	// Architectures is only set when nodes of more than one architecture use
	// the feature.
	Architectures      map[string]ArchRepoReport `json:"architectures,omitempty"`
	MixedArchitectures bool                      `json:"mixed_architectures,omitempty"`
}

// RepoCheckResult maps deployed features to their repository report. A
// feature missing from the map is not in use.
type RepoCheckResult map[Feature]FeatureRepoReport
