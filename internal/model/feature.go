package model

import (
	"fmt"
	"sort"
	"strings"
)

// Feature identifies a deployable capability of the cluster
type Feature string

const (
	// FeatureOS is the base operating system of every node
	FeatureOS Feature = "os"
	// FeatureOpenStack is the primary deployed software stack
	FeatureOpenStack Feature = "openstack"
	// FeatureCeph is the storage addon
	FeatureCeph Feature = "ceph"
	// FeatureHA is the high-availability addon
	FeatureHA Feature = "ha"
)

// PrimaryFeature is the feature whose cookbooks form the managed cookbook set
const PrimaryFeature = FeatureOpenStack

// AllFeatures lists the known features in reporting order
var AllFeatures = []Feature{FeatureOS, FeatureCeph, FeatureHA, FeatureOpenStack}

// ParseFeature converts a name into a known Feature
func ParseFeature(name string) (Feature, error) {
	f := Feature(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range AllFeatures {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown feature %q", name)
}

// IsAddon reports whether the feature is an optional addon
func (f Feature) IsAddon() bool {
	return f == FeatureCeph || f == FeatureHA
}

// Capability describes what a feature brings to the cluster
type Capability struct {
	// Cookbooks maps each cookbook of the feature to the services it manages
	Cookbooks map[string][]string
	// AdminRequired marks features whose repositories the admin node needs
	AdminRequired bool
}

// Catalog is the capability table: feature -> cookbooks -> services
type Catalog struct {
	capabilities map[Feature]Capability
	// cookbook -> owning feature
	owners map[string]Feature
}

// DefaultCatalog returns the built-in capability table
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(map[Feature]Capability{
		FeatureOS: {
			AdminRequired: true,
		},
		FeatureOpenStack: {
			AdminRequired: true,
			Cookbooks: map[string][]string{
				"database":   {"postgresql"},
				"rabbitmq":   {"rabbitmq-server"},
				"keystone":   {"apache2"},
				"glance":     {"openstack-glance-api", "openstack-glance-registry"},
				"cinder":     {"openstack-cinder-api", "openstack-cinder-scheduler", "openstack-cinder-volume"},
				"neutron":    {"openstack-neutron", "openstack-neutron-dhcp-agent", "openstack-neutron-l3-agent", "openstack-neutron-metadata-agent"},
				"nova":       {"openstack-nova-api", "openstack-nova-scheduler", "openstack-nova-conductor", "openstack-nova-compute"},
				"horizon":    {"apache2"},
				"heat":       {"openstack-heat-api", "openstack-heat-engine"},
				"ceilometer": {"openstack-ceilometer-collector", "openstack-ceilometer-agent-notification"},
				"manila":     {"openstack-manila-api", "openstack-manila-scheduler", "openstack-manila-share"},
				"trove":      {"openstack-trove-api", "openstack-trove-taskmanager"},
			},
		},
		FeatureCeph: {
			Cookbooks: map[string][]string{
				"ceph": {"ceph-mon.target", "ceph-osd.target", "ceph-radosgw.target"},
			},
		},
		FeatureHA: {
			Cookbooks: map[string][]string{
				"pacemaker": {"pacemaker"},
			},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("invalid built-in feature catalog: %v", err))
	}
	return c
}

// NewCatalog builds a catalog and validates it: only known features, and a
// cookbook may belong to a single feature.
func NewCatalog(capabilities map[Feature]Capability) (*Catalog, error) {
	c := &Catalog{
		capabilities: make(map[Feature]Capability, len(capabilities)),
		owners:       make(map[string]Feature),
	}
	for feature, capability := range capabilities {
		if _, err := ParseFeature(string(feature)); err != nil {
			return nil, err
		}
		cookbooks := make(map[string][]string, len(capability.Cookbooks))
		for cookbook, services := range capability.Cookbooks {
			if cookbook == "" {
				return nil, fmt.Errorf("feature %s: empty cookbook name", feature)
			}
			if owner, exists := c.owners[cookbook]; exists {
				return nil, fmt.Errorf("cookbook %s belongs to both %s and %s", cookbook, owner, feature)
			}
			c.owners[cookbook] = feature
			cookbooks[cookbook] = append([]string(nil), services...)
		}
		c.capabilities[feature] = Capability{Cookbooks: cookbooks, AdminRequired: capability.AdminRequired}
	}
	if _, ok := c.capabilities[PrimaryFeature]; !ok {
		return nil, fmt.Errorf("catalog is missing the primary feature %s", PrimaryFeature)
	}
	return c, nil
}

// WithCookbookServices returns a copy of the catalog with the service list of
// the given cookbooks replaced. Unknown cookbooks are rejected.
func (c *Catalog) WithCookbookServices(overrides map[string][]string) (*Catalog, error) {
	capabilities := make(map[Feature]Capability, len(c.capabilities))
	for feature, capability := range c.capabilities {
		cookbooks := make(map[string][]string, len(capability.Cookbooks))
		for cookbook, services := range capability.Cookbooks {
			cookbooks[cookbook] = services
		}
		capabilities[feature] = Capability{Cookbooks: cookbooks, AdminRequired: capability.AdminRequired}
	}
	for cookbook, services := range overrides {
		owner, ok := c.owners[cookbook]
		if !ok {
			return nil, fmt.Errorf("unknown cookbook %q", cookbook)
		}
		capabilities[owner].Cookbooks[cookbook] = services
	}
	return NewCatalog(capabilities)
}

// ManagedCookbooks returns the sorted set of cookbooks eligible for restart
// suppression policy.
func (c *Catalog) ManagedCookbooks() []string {
	return c.Cookbooks(PrimaryFeature)
}

// IsManaged reports whether the cookbook belongs to the managed cookbook set
func (c *Catalog) IsManaged(cookbook string) bool {
	owner, ok := c.owners[cookbook]
	return ok && owner == PrimaryFeature
}

// Cookbooks returns the sorted cookbooks of a feature
func (c *Catalog) Cookbooks(feature Feature) []string {
	capability := c.capabilities[feature]
	cookbooks := make([]string, 0, len(capability.Cookbooks))
	for cookbook := range capability.Cookbooks {
		cookbooks = append(cookbooks, cookbook)
	}
	sort.Strings(cookbooks)
	return cookbooks
}

// Services returns the services managed by a cookbook
func (c *Catalog) Services(cookbook string) []string {
	owner, ok := c.owners[cookbook]
	if !ok {
		return nil
	}
	return c.capabilities[owner].Cookbooks[cookbook]
}

// AdminFeatures returns the features whose repositories the admin node needs
func (c *Catalog) AdminFeatures() []Feature {
	var features []Feature
	for _, f := range AllFeatures {
		if capability, ok := c.capabilities[f]; ok && capability.AdminRequired {
			features = append(features, f)
		}
	}
	return features
}

// CookbookForRole maps a node role to its cookbook. Roles are either the
// cookbook name itself or prefixed with it ("nova-compute-kvm" -> "nova").
func (c *Catalog) CookbookForRole(role string) (string, bool) {
	if _, ok := c.owners[role]; ok {
		return role, true
	}
	best := ""
	for cookbook := range c.owners {
		if strings.HasPrefix(role, cookbook+"-") && len(cookbook) > len(best) {
			best = cookbook
		}
	}
	return best, best != ""
}

// NodeCookbooks returns the sorted cookbooks deployed on a node
func (c *Catalog) NodeCookbooks(node *Node) []string {
	seen := make(map[string]struct{})
	for _, role := range node.Roles {
		if cookbook, ok := c.CookbookForRole(role); ok {
			seen[cookbook] = struct{}{}
		}
	}
	cookbooks := make([]string, 0, len(seen))
	for cookbook := range seen {
		cookbooks = append(cookbooks, cookbook)
	}
	sort.Strings(cookbooks)
	return cookbooks
}

// NodeFeatures returns the features deployed on a node. The OS feature is
// always present.
func (c *Catalog) NodeFeatures(node *Node) map[Feature]bool {
	features := map[Feature]bool{FeatureOS: true}
	for _, cookbook := range c.NodeCookbooks(node) {
		features[c.owners[cookbook]] = true
	}
	return features
}

// DeployedFeatures returns the features in use across the given nodes, in
// AllFeatures order.
func (c *Catalog) DeployedFeatures(nodes []*Node) []Feature {
	inUse := make(map[Feature]bool)
	for _, node := range nodes {
		for f := range c.NodeFeatures(node) {
			inUse[f] = true
		}
	}
	var features []Feature
	for _, f := range AllFeatures {
		if inUse[f] {
			features = append(features, f)
		}
	}
	return features
}

// Addons returns the addon names deployed across the given nodes
func (c *Catalog) Addons(nodes []*Node) []string {
	addons := []string{}
	for _, f := range c.DeployedFeatures(nodes) {
		if f.IsAddon() {
			addons = append(addons, string(f))
		}
	}
	return addons
}
