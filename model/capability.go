package model

import "strings"

// Capabilities checked by the engine and the API.
const (
	CapWorkorderAdmin    = "workorder:admin"
	CapWorkorderCreate   = "workorder:create"
	CapWorkorderRead     = "workorder:read"
	CapNotificationAdmin = "notification:admin"
)

// CapabilitySet is the set of capabilities granted to a subject. Keys may end
// in ":*" to grant a whole namespace ("workorder:*") and "*" grants
// everything.
type CapabilitySet map[string]bool

// Has returns true if the set grants cap directly or through a wildcard.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAny returns true if at least one of caps is granted.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard reports whether pattern grants cap.
//
//	"*"                  matches anything
//	"workorder:*"        matches "workorder:admin"
//	"notification:admin" matches only itself
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	Invalidate(subjectID string)
}
