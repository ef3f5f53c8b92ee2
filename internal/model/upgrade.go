package model

import "time"

// UpgradePhase represents a step of the cluster upgrade
type UpgradePhase string

const (
	// PhaseIdle indicates no upgrade is in progress
	PhaseIdle UpgradePhase = "idle"
	// PhaseSanityOK indicates prechecks passed
	PhaseSanityOK UpgradePhase = "sanity_ok"
	// PhasePrepared indicates nodes carry upgrade hold markers
	PhasePrepared UpgradePhase = "prepared"
	// PhaseServicesStopped indicates upgrade-affected services are stopped
	PhaseServicesStopped UpgradePhase = "services_stopped"
	// PhaseNodesUpgraded indicates every node was upgraded
	PhaseNodesUpgraded UpgradePhase = "nodes_upgraded"
	// PhaseDone indicates the upgrade was finalized
	PhaseDone UpgradePhase = "done"
)

var knownPhases = map[UpgradePhase]bool{
	PhaseIdle:            true,
	PhaseSanityOK:        true,
	PhasePrepared:        true,
	PhaseServicesStopped: true,
	PhaseNodesUpgraded:   true,
	PhaseDone:            true,
}

// Valid reports whether the phase is known
func (p UpgradePhase) Valid() bool {
	return knownPhases[p]
}

// Operation names a phase-transitioning orchestrator operation
type Operation string

const (
	OperationPrepare      Operation = "prepare"
	OperationStopServices Operation = "stop_services"
	OperationUpgradeNodes Operation = "upgrade_nodes"
	OperationFinalize     Operation = "finalize"
	OperationCancel       Operation = "cancel"
)

// NodeStatus is the per-node outcome of the last fan-out operation
type NodeStatus struct {
	Operation Operation `json:"operation"`
	Status    string    `json:"status"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	// NodeStatusOK marks a node that completed the operation
	NodeStatusOK = "ok"
	// NodeStatusFailed marks a node that failed the operation
	NodeStatusFailed = "failed"
)

// UpgradeError is the failure recorded against the current phase
type UpgradeError struct {
	Operation Operation `json:"operation"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Nodes     []string  `json:"nodes,omitempty"`
	At        time.Time `json:"at"`
}

// UpgradeState is the cluster-wide upgrade record
type UpgradeState struct {
	Phase     UpgradePhase          `json:"phase"`
	Addons    []string              `json:"addons"`
	LastError *UpgradeError         `json:"last_error,omitempty"`
	Nodes     map[string]NodeStatus `json:"nodes,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// NewUpgradeState returns the initial state
func NewUpgradeState(addons []string) *UpgradeState {
	if addons == nil {
		addons = []string{}
	}
	return &UpgradeState{
		Phase:  PhaseIdle,
		Addons: addons,
	}
}

// Clone returns a deep copy of the state
func (s *UpgradeState) Clone() *UpgradeState {
	if s == nil {
		return nil
	}
	c := *s
	c.Addons = append([]string{}, s.Addons...)
	if s.LastError != nil {
		e := *s.LastError
		e.Nodes = append([]string(nil), s.LastError.Nodes...)
		c.LastError = &e
	}
	if s.Nodes != nil {
		c.Nodes = make(map[string]NodeStatus, len(s.Nodes))
		for name, status := range s.Nodes {
			c.Nodes[name] = status
		}
	}
	return &c
}

// CheckResult is the outcome of a single precheck
type CheckResult struct {
	Passed   bool              `json:"passed"`
	Required bool              `json:"required"`
	Errors   map[string]string `json:"errors"`
}

// PrecheckReport maps check names to their results
type PrecheckReport struct {
	Checks     map[string]CheckResult `json:"checks"`
	BestMethod string                 `json:"best_method"`
}

// Upgrade methods reported by the prechecks
const (
	// MethodNonDisruptive needs the HA setup to keep services up
	MethodNonDisruptive = "non-disruptive"
	MethodDisruptive    = "disruptive"
	// MethodNone means a required check failed
	MethodNone = "none"
)

// Passed reports whether every required check passed
func (r *PrecheckReport) Passed() bool {
	for _, check := range r.Checks {
		if check.Required && !check.Passed {
			return false
		}
	}
	return true
}

// Failed returns the names of failing required checks
func (r *PrecheckReport) Failed() []string {
	var failed []string
	for _, name := range PrecheckOrder {
		if check, ok := r.Checks[name]; ok && check.Required && !check.Passed {
			failed = append(failed, name)
		}
	}
	return failed
}

// Precheck names
const (
	CheckSanity             = "sanity_checks"
	CheckNetwork            = "network_checks"
	CheckMaintenanceUpdates = "maintenance_updates_installed"
	CheckHAConfigured       = "ha_configured"
)

// PrecheckOrder is the reporting order of the prechecks
var PrecheckOrder = []string{CheckSanity, CheckNetwork, CheckMaintenanceUpdates, CheckHAConfigured}

// UpgradeStatus is the read-only view returned by status()
type UpgradeStatus struct {
	Phase              UpgradePhase          `json:"phase"`
	Addons             []string              `json:"addons"`
	LastError          *UpgradeError         `json:"last_error,omitempty"`
	Nodes              map[string]NodeStatus `json:"nodes,omitempty"`
	HAPresence         map[string]string     `json:"ha_presence,omitempty"`
	MaintenanceUpdates map[string]string     `json:"maintenance_updates"`
	NetworkChecks      []string              `json:"network_checks"`
}
