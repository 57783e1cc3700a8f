package models

type Role string

const (
	RoleSystem   Role = "system"
	RoleCustomer Role = "customer"
	RoleGate     Role = "gate"
	RoleStaff    Role = "staff"
)

// Caller identifies who invokes an operation. It is always passed explicitly.
type Caller struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`
}

func (c Caller) CanScan() bool {
	return c.Role == RoleGate || c.Role == RoleStaff
}

func (c Caller) CanFinalize() bool {
	return c.Role == RoleSystem || c.Role == RoleStaff
}

// CanInspect reports whether c may re-check a code without consuming it.
func (c Caller) CanInspect() bool {
	return c.IsOperator() || c.CanScan()
}

func (c Caller) IsOperator() bool {
	return c.Role == RoleSystem || c.Role == RoleStaff
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
