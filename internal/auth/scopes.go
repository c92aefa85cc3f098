package auth

const (
	ScopeOpenID   = "openid"
	ScopeProfile  = "profile"
	ScopeEmail    = "email"
	ScopeCRMRead  = "nexflow:read"
	ScopeCRMWrite = "nexflow:write"
)

// AllScopes defines the full set of scopes used by the Swagger UI / Frontend
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeCRMRead,
	ScopeCRMWrite,
}
