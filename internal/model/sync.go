package model

// SyncType identifies one syncer family, or all of them.
type SyncType string

const (
	SyncAll         SyncType = "all"
	SyncEmployees   SyncType = "employees"
	SyncVehicles    SyncType = "vehicles"
	SyncDepartments SyncType = "departments"
	SyncJobs        SyncType = "jobs"
	SyncTitles      SyncType = "titles"
)

// ValidSyncType reports whether s names a known sync type.
func ValidSyncType(s SyncType) bool {
	switch s {
	case SyncAll, SyncEmployees, SyncVehicles, SyncDepartments, SyncJobs, SyncTitles:
		return true
	}
	return false
}

// EntityType identifies the source entity family a record belongs to.
// Used in change events, failure records and dashboard groupings.
type EntityType string

const (
	EntityEmployee   EntityType = "employee"
	EntityVehicle    EntityType = "vehicle"
	EntityDepartment EntityType = "department"
	EntityJob        EntityType = "job"
	EntityTitle      EntityType = "title"
)
