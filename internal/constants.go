package internal

const (
	HeaderScopeKind   = "scope_kind"
	HeaderScopeID     = "scope_id"
	HeaderOriginID    = "origin_gateway"
	HeaderEventType   = "event_type"
	HeaderExcludeUser = "exclude_user"
	HeaderTenantID    = "tenant_id"
)
