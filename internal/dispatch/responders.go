package dispatch

import "sort"

// Responders maps trigger tokens to responder node IDs. An empty value
// means the trigger routes to every configured responder (or the whole
// channel when none are configured).
type Responders map[string]string

// Target returns the specific responder for a trigger, or "" when the
// trigger broadcasts to all.
func (r Responders) Target(trigger string) string {
	return r[trigger]
}

// All returns the unique responder node IDs, sorted for deterministic
// send order.
func (r Responders) All() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range r {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the node ID belongs to a configured
// responder.
func (r Responders) Contains(id string) bool {
	if id == "" {
		return false
	}
	for _, v := range r {
		if v == id {
			return true
		}
	}
	return false
}
