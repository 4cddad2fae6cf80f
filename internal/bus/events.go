package bus

import "strings"

// Event kinds carried on a project's topic space.
const (
	KindProgress      = "progress"
	KindAgentStatus   = "agent_status"
	KindLog           = "log"
	KindFeatureUpdate = "feature_update"
)

// Topic builds the topic for an event kind within a project.
func Topic(project, kind string) string {
	return project + "." + kind
}

// ProjectPrefix matches every event kind of a project.
func ProjectPrefix(project string) string {
	return project + "."
}

// KindOf returns the kind suffix of a topic.
func KindOf(topic string) string {
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// ProgressEvent carries pass/total counts.
type ProgressEvent struct {
	Project    string  `json:"project"`
	Passing    int     `json:"passing"`
	InProgress int     `json:"in_progress"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// AgentStatusEvent is published on every slot state change.
type AgentStatusEvent struct {
	Project   string `json:"project"`
	SlotID    string `json:"slot_id"`
	Status    string `json:"status"`     // stopped, running, paused, crashed
	LoopState string `json:"loop_state"` // orchestration loop state
	FeatureID int64  `json:"feature_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// LogEvent carries a single raw worker output line.
type LogEvent struct {
	Project   string `json:"project"`
	SlotID    string `json:"slot_id"`
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"` // stdout or stderr
	Line      string `json:"line"`
}

// FeatureUpdateEvent is published after a committed feature status change.
// Consumers treat it as latest-wins per FeatureID.
type FeatureUpdateEvent struct {
	Project    string `json:"project"`
	FeatureID  int64  `json:"feature_id"`
	Name       string `json:"name,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason"`
	SlotID     string `json:"slot_id,omitempty"`
	Attempts   int    `json:"attempts"`
	Diagnostic string `json:"diagnostic,omitempty"`
}
