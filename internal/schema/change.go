package schema

// ChangeCause labels why the store reported a cookie change.
type ChangeCause string

const (
	// CauseExplicit means a caller wrote or removed the cookie directly.
	CauseExplicit ChangeCause = "explicit"
	// CauseOverwrite means a write replaced an existing record.
	CauseOverwrite ChangeCause = "overwrite"
	// CauseExpired means the store evicted the cookie at expiry.
	CauseExpired ChangeCause = "expired"
	// CauseEvicted means the store removed the cookie for capacity or policy reasons.
	CauseEvicted ChangeCause = "evicted"
)

// Change is a raw external change notification from the cookie store.
type Change struct {
	Cookie  Cookie
	Cause   ChangeCause
	Removed bool
}
