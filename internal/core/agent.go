package core

import "time"

// AgentStatus is the liveness state of a remote worker.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// SystemInfo is the resource snapshot an agent reports with each heartbeat.
type SystemInfo struct {
	OS          string  `json:"os"`
	Arch        string  `json:"arch"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	Hostname    string  `json:"hostname,omitempty"`
	Runtime     string  `json:"runtime,omitempty"`
}

// Agent is the identity of a remote worker process.
type Agent struct {
	ClientID      string      `json:"client_id"`
	APIKeyHash    string      `json:"-"`
	WorkspaceID   string      `json:"workspace_id"`
	Groups        []string    `json:"groups"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	SystemInfo    SystemInfo  `json:"system_info,omitempty"`
	IPAddress     string      `json:"ip_address,omitempty"`
	Version       string      `json:"version,omitempty"`
	Hostname      string      `json:"hostname,omitempty"`
	InFlight      int         `json:"in_flight"`
}

// InGroup reports whether the agent belongs to the named group.
func (a *Agent) InGroup(group string) bool {
	for _, g := range a.Groups {
		if g == group {
			return true
		}
	}
	return false
}
