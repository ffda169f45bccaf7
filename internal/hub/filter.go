package hub

import "time"

// ConnectionFilter narrows session selection. Set criteria AND together;
// ProcessIDs matches when the session subscribes to any of them.
type ConnectionFilter struct {
	SessionIDs      []string   `json:"sessionIds,omitempty"`
	States          []State    `json:"states,omitempty"`
	SubscribedToAll *bool      `json:"subscribedToAll,omitempty"`
	ProcessIDs      []string   `json:"processIds,omitempty"`
	InactiveSince   *time.Time `json:"inactiveSince,omitempty"`
}

// matches evaluates the filter against a session snapshot. A nil filter
// matches everything.
func (f *ConnectionFilter) matches(info SessionInfo) bool {
	if f == nil {
		return true
	}
	if len(f.SessionIDs) > 0 && !containsString(f.SessionIDs, info.ID) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, info.State) {
		return false
	}
	if f.SubscribedToAll != nil && info.AllProcesses != *f.SubscribedToAll {
		return false
	}
	if len(f.ProcessIDs) > 0 && !subscribesAny(info, f.ProcessIDs) {
		return false
	}
	if f.InactiveSince != nil && info.LastActivityAt.After(*f.InactiveSince) {
		return false
	}
	return true
}

// subscribesAny reports whether the session would receive events for any
// of the given processes. Firehose sessions match every process.
func subscribesAny(info SessionInfo, pids []string) bool {
	if info.AllProcesses {
		return true
	}
	for _, want := range pids {
		for _, got := range info.ProcessIDs {
			if want == got {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsState(list []State, v State) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
