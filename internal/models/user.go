package models

type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleOperator UserRole = "operator"
	RoleViewer   UserRole = "viewer"
)

// Valid reports whether r is a known role
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// User is an operator of the local API. Users come from configuration.
type User struct {
	ID           string   `yaml:"id" json:"id"`
	Username     string   `yaml:"username" json:"username"`
	PasswordHash string   `yaml:"password_hash" json:"-"` // Never expose in JSON
	Name         string   `yaml:"name" json:"name"`
	Role         UserRole `yaml:"role" json:"role"`
	IsActive     bool     `yaml:"is_active" json:"is_active"`
}

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
