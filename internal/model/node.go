package model

// Node represents a managed machine of the cluster
type Node struct {
	Name         string
	Alias        string
	Address      string
	Architecture string
	Platform     string
	Roles        []string
	RestartFlags RestartFlagSet
	// Version is the optimistic-lock counter of the stored document
	Version int64
}

// HasRole reports whether the node carries the given role
func (n *Node) HasRole(role string) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Host returns the address used to reach the node remotely
func (n *Node) Host() string {
	if n.Address != "" {
		return n.Address
	}
	return n.Name
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Roles = append([]string(nil), n.Roles...)
	c.RestartFlags = n.RestartFlags.Clone()
	return &c
}

// RestartFlagSet maps cookbook -> service -> reason. Presence of a service
// means it needs a manual restart. A cookbook never maps to an empty set.
type RestartFlagSet map[string]map[string]string

// NewRestartFlagSet converts a loosely typed attribute document into a flag
// set, dropping anything that is not a cookbook -> service mapping.
func NewRestartFlagSet(doc map[string]interface{}) RestartFlagSet {
	flags := RestartFlagSet{}
	for cookbook, raw := range doc {
		services, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for service, value := range services {
			reason := ""
			switch v := value.(type) {
			case string:
				reason = v
			case bool:
				if !v {
					continue
				}
			case nil:
				continue
			}
			flags.Set(cookbook, service, reason)
		}
	}
	return flags
}

// Document converts the flag set into its attribute document form
func (f RestartFlagSet) Document() map[string]interface{} {
	doc := make(map[string]interface{}, len(f))
	for cookbook, services := range f {
		if len(services) == 0 {
			continue
		}
		entry := make(map[string]interface{}, len(services))
		for service, reason := range services {
			if reason == "" {
				entry[service] = true
			} else {
				entry[service] = reason
			}
		}
		doc[cookbook] = entry
	}
	return doc
}

// Empty reports whether no service is flagged
func (f RestartFlagSet) Empty() bool {
	for _, services := range f {
		if len(services) > 0 {
			return false
		}
	}
	return true
}

// Set flags a service of a cookbook
func (f RestartFlagSet) Set(cookbook, service, reason string) {
	services, ok := f[cookbook]
	if !ok {
		services = make(map[string]string)
		f[cookbook] = services
	}
	services[service] = reason
}

// Cookbook returns a copy of the flagged services of a cookbook, or nil
func (f RestartFlagSet) Cookbook(cookbook string) map[string]string {
	services := f[cookbook]
	if len(services) == 0 {
		return nil
	}
	out := make(map[string]string, len(services))
	for service, reason := range services {
		out[service] = reason
	}
	return out
}

// HasCookbook reports whether any service of the cookbook is flagged
func (f RestartFlagSet) HasCookbook(cookbook string) bool {
	return len(f[cookbook]) > 0
}

// DeleteCookbook removes a cookbook entry and reports whether it existed
func (f RestartFlagSet) DeleteCookbook(cookbook string) bool {
	_, ok := f[cookbook]
	delete(f, cookbook)
	return ok
}

// DeleteService removes a service flag, pruning the cookbook when it becomes
// empty. It reports whether the service was flagged.
func (f RestartFlagSet) DeleteService(cookbook, service string) bool {
	services, ok := f[cookbook]
	if !ok {
		return false
	}
	_, flagged := services[service]
	delete(services, service)
	if len(services) == 0 {
		delete(f, cookbook)
	}
	return flagged
}

// Clone returns a deep copy of the flag set
func (f RestartFlagSet) Clone() RestartFlagSet {
	if f == nil {
		return nil
	}
	c := make(RestartFlagSet, len(f))
	for cookbook, services := range f {
		if len(services) == 0 {
			continue
		}
		s := make(map[string]string, len(services))
		for service, reason := range services {
			s[service] = reason
		}
		c[cookbook] = s
	}
	return c
}
