package listapi

import "context"

// API defines the interface for the list provider client.
type API interface {
	// Subscribe adds an email address to the list, or updates it when it is already a member.
	Subscribe(ctx context.Context, email string, fields MergeFields) (*Result, error)

	// MemberInfo fetches the subscriber data held by the list for an email address.
	MemberInfo(ctx context.Context, email string) (*Result, error)

	// Unsubscribe removes an email address from the list.
	Unsubscribe(ctx context.Context, email string) (*Result, error)
}

// Result is the normalized outcome of a list operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`

	// Responded is true when the provider answered with a JSON object. A
	// failed Result with Responded unset was never judged by the provider.
	Responded bool `json:"-"`
}

// MergeFields are extra subscriber attributes attached to a subscribe request,
// keyed by the list's merge tag (FNAME, LNAME, ...).
type MergeFields map[string]string
