// Package permission flattens the module/submodule permission tree into the
// flat record list the backend persists, and back. All transformations are
// pure and synchronous; the role service at the bottom of the package is the
// only part that talks to the network.
package permission

import "strings"

// Flags is the per-node CRUD grant. Flags are 0/1, never tri-state.
type Flags struct {
	View   int `json:"view"`
	Add    int `json:"add"`
	Edit   int `json:"edit"`
	Delete int `json:"delete"`
}

// IsZero reports whether no flag is set.
func (f Flags) IsZero() bool {
	return f.View == 0 && f.Add == 0 && f.Edit == 0 && f.Delete == 0
}

// SubModule is a leaf under a module.
type SubModule struct {
	ID          int64  `json:"id"`
	ModuleID    int64  `json:"moduleId"`
	Name        string `json:"name"`
	Permissions *Flags `json:"permissions,omitempty"`
}

// Module is a top-level node; when it owns submodules, grants live only on
// the submodules.
type Module struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	SubModules  []SubModule `json:"subModules,omitempty"`
	Permissions *Flags      `json:"permissions,omitempty"`
}

// Permission is one persisted grant record. SubModuleID nil denotes a
// module-level grant; exactly one record exists per
// (roleId, moduleId, subModuleId).
type Permission struct {
	RoleID      int64  `json:"roleId"`
	ModuleID    int64  `json:"moduleId"`
	SubModuleID *int64 `json:"subModuleId"`
	View        int    `json:"view"`
	Add         int    `json:"add"`
	Edit        int    `json:"edit"`
	Delete      int    `json:"delete"`
}

// Flags returns the record's grant flags.
func (p Permission) Flags() Flags {
	return Flags{View: p.View, Add: p.Add, Edit: p.Edit, Delete: p.Delete}
}

// matches reports whether the record addresses the given node.
func (p Permission) matches(moduleID int64, subModuleID *int64) bool {
	if p.ModuleID != moduleID {
		return false
	}
	if p.SubModuleID == nil || subModuleID == nil {
		return p.SubModuleID == nil && subModuleID == nil
	}
	return *p.SubModuleID == *subModuleID
}

// Role is a location-scoped role. Modules is display-only: the module names
// the role currently has any nonzero grant for.
type Role struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	LocationID int64    `json:"locationId"`
	IsActive   bool     `json:"isActive"`
	Modules    []string `json:"modules,omitempty"`
}

// Flag names a single CRUD flag for toggling.
type Flag string

const (
	FlagView   Flag = "view"
	FlagAdd    Flag = "add"
	FlagEdit   Flag = "edit"
	FlagDelete Flag = "delete"
)

// IsDashboard reports whether a node is dashboard-class: only view is
// meaningful; add/edit/delete are forced to 0 regardless of input.
func IsDashboard(name string) bool {
	return strings.Contains(strings.ToLower(name), "dashboard")
}
