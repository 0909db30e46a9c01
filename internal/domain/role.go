package domain

// Role controls what an authenticated caller may do.
type Role string

const (
	RoleBorrower Role = "borrower" // originates and repays own loans
	RoleAdmin    Role = "admin"    // full operator access
	RoleRisk     Role = "risk"     // monitor runs, manual liquidation
	RoleFinance  Role = "finance"  // pool deposits
	RoleOps      Role = "ops"      // reconciliation
	RoleReadOnly Role = "readonly" // operator views only
)

// IsOperator returns true for every role allowed on the admin routes.
func (r Role) IsOperator() bool {
	switch r {
	case RoleAdmin, RoleRisk, RoleFinance, RoleOps, RoleReadOnly:
		return true
	}
	return false
}

// Valid returns true for a known role.
func (r Role) Valid() bool {
	return r == RoleBorrower || r.IsOperator()
}
