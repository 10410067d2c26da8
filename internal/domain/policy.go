package domain

// AccessPolicyInput is the document handed to the guardrail policy engine for
// one gate decision. Consent has already been evaluated by the time the
// policy runs; the policy may only veto, never grant.
type AccessPolicyInput struct {
	Actor        string `json:"actor"`
	Patient      string `json:"patient"`
	Permission   string `json:"permission"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	SelfAccess   bool   `json:"self_access"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}
