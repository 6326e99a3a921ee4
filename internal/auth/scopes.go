package auth

// OAuth scopes recognised by the flow API.
const (
	ScopeOpenID     = "openid"
	ScopeFlowsRead  = "flows.read"
	ScopeFlowsWrite = "flows.write"
)

// hasScope reports whether the granted scopes include the wanted one.
// ScopeFlowsWrite implies ScopeFlowsRead.
func hasScope(granted []string, wanted string) bool {
	for _, s := range granted {
		if s == wanted {
			return true
		}
		if wanted == ScopeFlowsRead && s == ScopeFlowsWrite {
			return true
		}
	}
	return false
}
