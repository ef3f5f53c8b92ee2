package model

import "encoding/json"

// RestartEntry lists the services needing a restart on one node. On the wire
// the cookbooks sit next to the alias: {"alias": "a", "nova": {...}}.
type RestartEntry struct {
	Alias     string
	Cookbooks map[string]map[string]string
}

// MarshalJSON flattens the cookbooks into the entry object
func (e RestartEntry) MarshalJSON() ([]byte, error) {
	flags := RestartFlagSet(e.Cookbooks).Document()
	out := make(map[string]interface{}, len(flags)+1)
	for cookbook, services := range flags {
		out[cookbook] = services
	}
	out["alias"] = e.Alias
	return json.Marshal(out)
}

// UnmarshalJSON reads the flattened form
func (e *RestartEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Alias = ""
	e.Cookbooks = make(map[string]map[string]string)
	for key, value := range raw {
		if key == "alias" {
			if err := json.Unmarshal(value, &e.Alias); err != nil {
				return err
			}
			continue
		}
		var services map[string]interface{}
		if err := json.Unmarshal(value, &services); err != nil {
			return err
		}
		e.Cookbooks[key] = NewRestartFlagSet(map[string]interface{}{key: services}).Cookbook(key)
	}
	return nil
}

// RestartPolicy maps managed cookbooks to "disallow automatic restart"
type RestartPolicy map[string]bool

// Disallowed reports whether automatic restarts are disallowed for a cookbook
func (p RestartPolicy) Disallowed(cookbook string) bool {
	return p[cookbook]
}

// ClearRestartsRequest scopes a restart flag clear to a node, optionally
// narrowed to a cookbook and a service of that cookbook
type ClearRestartsRequest struct {
	Node     string `json:"node"`
	Cookbook string `json:"cookbook,omitempty"`
	Service  string `json:"service,omitempty"`
}

// SetPolicyRequest updates the policy of a single cookbook
type SetPolicyRequest struct {
	Cookbook string `json:"cookbook"`
	Disallow *bool  `json:"disallow_restart"`
}
