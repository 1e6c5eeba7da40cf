package auth

// Known OAuth scopes used by the datahub API.
const (
	ScopeRecordsWrite = "records:write"
	ScopeRecordsRead  = "records:read"
)
