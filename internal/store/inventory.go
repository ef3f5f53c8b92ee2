package store

import (
	"fmt"
	"os"

	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"gopkg.in/yaml.v3"
)

// inventoryFile is the on-disk node inventory used by the memory backend
type inventoryFile struct {
	Nodes []inventoryNode `yaml:"nodes"`
}

type inventoryNode struct {
	Name         string                       `yaml:"name"`
	Alias        string                       `yaml:"alias"`
	Address      string                       `yaml:"address"`
	Architecture string                       `yaml:"architecture"`
	Platform     string                       `yaml:"platform"`
	Roles        []string                     `yaml:"roles"`
	RestartFlags map[string]map[string]string `yaml:"restart_flags"`
}

// LoadInventory reads a YAML node inventory
func LoadInventory(path string) ([]*model.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}

	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}

	nodes := make([]*model.Node, 0, len(inv.Nodes))
	seen := make(map[string]bool, len(inv.Nodes))
	for i, n := range inv.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("inventory %s: node %d has no name", path, i)
		}
		if seen[n.Name] {
			return nil, fmt.Errorf("inventory %s: duplicate node %s", path, n.Name)
		}
		seen[n.Name] = true

		flags := model.RestartFlagSet{}
		for cookbook, services := range n.RestartFlags {
			for service, reason := range services {
				flags.Set(cookbook, service, reason)
			}
		}
		nodes = append(nodes, &model.Node{
			Name:         n.Name,
			Alias:        n.Alias,
			Address:      n.Address,
			Architecture: n.Architecture,
			Platform:     n.Platform,
			Roles:        n.Roles,
			RestartFlags: flags,
		})
	}
	return nodes, nil
}
