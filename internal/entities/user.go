package entities

// User is a tenant account on the management API. Bot bindings, quotas and
// platform credentials live on TenantBot, not here.
type User struct {
	ID           int    `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"` // user / admin
	IsActive     bool   `json:"is_active"`
}
