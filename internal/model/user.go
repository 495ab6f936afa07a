package model

// User is a SafetyAmp user record as returned by GET /api/users.
// EmpID carries the source payroll employee number and is the
// correlation key back to the ERP row.
type User struct {
	ID            int    `json:"id"`
	EmpID         string `json:"emp_id"`
	FirstName     string `json:"first_name"`
	MiddleName    string `json:"middle_name,omitempty"`
	LastName      string `json:"last_name"`
	Email         string `json:"email,omitempty"`
	Gender        *int   `json:"gender,omitempty"`
	DateOfBirth   string `json:"date_of_birth,omitempty"`
	MobilePhone   string `json:"mobile_phone,omitempty"`
	WorkPhone     string `json:"work_phone,omitempty"`
	HomeSiteID    int    `json:"home_site_id,omitempty"`
	CurrentSiteID int    `json:"current_site_id,omitempty"`
	TitleID       int    `json:"title_id,omitempty"`
	Roles         []Role `json:"roles,omitempty"`
	SystemAccess  int    `json:"system_access"`
	TextOptOut    int    `json:"text_opt_out,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// Role is a SafetyAmp role reference.
type Role struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// UserPayload is the write envelope for creating a SafetyAmp user.
// Optional fields are omitted from the wire body when empty; Gender,
// SystemAccess and TextOptOut are pointers because zero is meaningful.
type UserPayload struct {
	EmpID         string `json:"emp_id,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	MiddleName    string `json:"middle_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	Email         string `json:"email,omitempty"`
	Gender        *int   `json:"gender,omitempty"`
	DateOfBirth   string `json:"date_of_birth,omitempty"`
	MobilePhone   string `json:"mobile_phone,omitempty"`
	WorkPhone     string `json:"work_phone,omitempty"`
	HomeSiteID    int    `json:"home_site_id,omitempty"`
	CurrentSiteID int    `json:"current_site_id,omitempty"`
	TitleID       int    `json:"title_id,omitempty"`
	Roles         []int  `json:"roles,omitempty"`
	SystemAccess  *int   `json:"system_access,omitempty"`
	TextOptOut    *int   `json:"text_opt_out,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// IntPtr returns a pointer to v. Convenience for optional int payload fields.
func IntPtr(v int) *int { return &v }
