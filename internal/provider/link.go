package provider

import (
	"context"
	"time"
)

// Institution is a search hit from one provider.
type Institution struct {
	ID       string
	Name     string
	Provider string
}

// InstitutionSearcher finds institutions by name.
type InstitutionSearcher interface {
	SearchInstitutions(ctx context.Context, query string) ([]Institution, error)
}

// LinkStart is what the user needs to finish linking in a browser, plus the
// token that resumes the flow.
type LinkStart struct {
	URL             string
	CompletionToken string
	ExpiresAt       time.Time
}

// LinkStatus is the state of a hosted link session.
type LinkStatus int

const (
	// LinkWaiting means the user has not finished yet; completion may be retried.
	LinkWaiting LinkStatus = iota
	// LinkReady means Logins holds the newly authorized credentials.
	LinkReady
)

// DuplicateScope names the identifier that decides an institution is already
// linked.
type DuplicateScope int

const (
	ScopeItem DuplicateScope = iota
	ScopeInstitution
	// ScopeProvider is for single-account services: one connection per provider.
	ScopeProvider
)

// LinkedLogin is one authorized login ready to become a connection.
type LinkedLogin struct {
	Credential string
	Meta       ConnectionMeta
	Scope      DuplicateScope
	// Release frees the server-side resource behind Credential. It is set only
	// when a duplicate login would otherwise leave that resource orphaned.
	Release func(ctx context.Context) error
}

// LinkOutcome is the result of one completion attempt.
type LinkOutcome struct {
	Status LinkStatus
	Logins []LinkedLogin
}

// HostedLinker links through a provider-hosted browser flow.
type HostedLinker interface {
	InstitutionSearcher
	Name() string
	StartLink(ctx context.Context, inst Institution) (LinkStart, error)
	// CompleteLink checks the session behind token. It returns LinkWaiting
	// when the user has not finished and an error only for terminal failures.
	CompleteLink(ctx context.Context, token string) (LinkOutcome, error)
}

// DirectLinker links from a credential the user already holds, such as an
// API key or a local file path. LinkDirect checks and normalizes the
// credential locally; upstream validation happens through Accounts.
type DirectLinker interface {
	Name() string
	LinkDirect(ctx context.Context, credential string) (LinkedLogin, error)
}
