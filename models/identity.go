package models

// Role values carried in identity tokens
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Identity is the verified caller of a request
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	DeptID   string `json:"dept_id"`
	Role     string `json:"role"`
	Email    string `json:"email"`
}

// CostCenter is the department the spend is booked against
func (i Identity) CostCenter() string {
	return i.DeptID
}

// IsAdmin reports whether the caller has the admin role
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
