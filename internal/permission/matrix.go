package permission

import "fmt"

// ---------------------------------------------------------------------------
// Flatten
// ---------------------------------------------------------------------------

// FlattenForView produces the flat record list for a read-only dialog:
// only nodes with at least one flag set appear, so a view dialog never
// implies an editable blank grid. Modules with submodules contribute
// submodule records only.
func FlattenForView(roleID int64, tree []Module) []Permission {
	return flatten(roleID, tree, false)
}

// FlattenForEdit produces a record for every leaf (each submodule, or the
// module itself when leafless) regardless of whether any flag is set, so the
// edit grid has a row to toggle for everything.
func FlattenForEdit(roleID int64, tree []Module) []Permission {
	return flatten(roleID, tree, true)
}

func flatten(roleID int64, tree []Module, includeZero bool) []Permission {
	var records []Permission
	for _, mod := range tree {
		if len(mod.SubModules) > 0 {
			for _, sub := range mod.SubModules {
				flags := clampDashboard(sub.Name, flagsOf(sub.Permissions))
				if !includeZero && flags.IsZero() {
					continue
				}
				subID := sub.ID
				records = append(records, Permission{
					RoleID:      roleID,
					ModuleID:    mod.ID,
					SubModuleID: &subID,
					View:        flags.View,
					Add:         flags.Add,
					Edit:        flags.Edit,
					Delete:      flags.Delete,
				})
			}
			continue
		}
		flags := clampDashboard(mod.Name, flagsOf(mod.Permissions))
		if !includeZero && flags.IsZero() {
			continue
		}
		records = append(records, Permission{
			RoleID:   roleID,
			ModuleID: mod.ID,
			View:     flags.View,
			Add:      flags.Add,
			Edit:     flags.Edit,
			Delete:   flags.Delete,
		})
	}
	return records
}

func flagsOf(f *Flags) Flags {
	if f == nil {
		return Flags{}
	}
	return *f
}

// clampDashboard zeroes add/edit/delete on dashboard-class nodes.
func clampDashboard(name string, f Flags) Flags {
	if IsDashboard(name) {
		return Flags{View: f.View}
	}
	return f
}

// Annotate is the inverse of flatten: it copies the tree and fills each
// node's Permissions from the flat record list, leaving nodes without a
// record unannotated (no access).
func Annotate(tree []Module, records []Permission) []Module {
	out := make([]Module, len(tree))
	for i, mod := range tree {
		copyMod := mod
		copyMod.Permissions = nil
		if len(mod.SubModules) > 0 {
			copyMod.SubModules = make([]SubModule, len(mod.SubModules))
			for j, sub := range mod.SubModules {
				copySub := sub
				copySub.Permissions = nil
				subID := sub.ID
				if rec, ok := find(records, mod.ID, &subID); ok {
					flags := rec.Flags()
					copySub.Permissions = &flags
				}
				copyMod.SubModules[j] = copySub
			}
		} else if rec, ok := find(records, mod.ID, nil); ok {
			flags := rec.Flags()
			copyMod.Permissions = &flags
		}
		out[i] = copyMod
	}
	return out
}

func find(records []Permission, moduleID int64, subModuleID *int64) (Permission, bool) {
	for _, r := range records {
		if r.matches(moduleID, subModuleID) {
			return r, true
		}
	}
	return Permission{}, false
}

// ---------------------------------------------------------------------------
// Matrix
// ---------------------------------------------------------------------------

// Matrix is the working permission set for one role while it is being
// edited. Mutations keep the one-record-per-node invariant; nothing is sent
// to the backend until the whole record list is saved in one replace.
type Matrix struct {
	roleID  int64
	tree    []Module
	records []Permission
}

// NewMatrix builds a Matrix over a module tree and an initial record list
// (typically FlattenForEdit of the server-annotated tree).
func NewMatrix(roleID int64, tree []Module, records []Permission) *Matrix {
	m := &Matrix{roleID: roleID, tree: tree}
	m.records = make([]Permission, len(records))
	copy(m.records, records)
	return m
}

// Records returns a copy of the current record list.
func (m *Matrix) Records() []Permission {
	out := make([]Permission, len(m.records))
	copy(out, m.records)
	return out
}

// nodeName returns the display name for a node, and whether the node exists
// in the tree.
func (m *Matrix) nodeName(moduleID int64, subModuleID *int64) (string, bool) {
	for _, mod := range m.tree {
		if mod.ID != moduleID {
			continue
		}
		if subModuleID == nil {
			if len(mod.SubModules) > 0 {
				// Grants on a module that owns submodules live on the
				// submodules; there is no module-level row to address.
				return "", false
			}
			return mod.Name, true
		}
		for _, sub := range mod.SubModules {
			if sub.ID == *subModuleID {
				return sub.Name, true
			}
		}
		return "", false
	}
	return "", false
}

// Toggle sets one flag on the node's record, synthesizing a zero-valued
// record when none exists. Dashboard-class nodes accept only the view flag;
// toggling anything else is a no-op.
func (m *Matrix) Toggle(moduleID int64, subModuleID *int64, flag Flag, on bool) error {
	name, ok := m.nodeName(moduleID, subModuleID)
	if !ok {
		return fmt.Errorf("no such permission node (module %d)", moduleID)
	}
	if IsDashboard(name) && flag != FlagView {
		return nil
	}

	value := 0
	if on {
		value = 1
	}

	for i := range m.records {
		if m.records[i].matches(moduleID, subModuleID) {
			setFlag(&m.records[i], flag, value)
			return nil
		}
	}

	rec := Permission{RoleID: m.roleID, ModuleID: moduleID, SubModuleID: subModuleID}
	setFlag(&rec, flag, value)
	m.records = append(m.records, rec)
	return nil
}

// setFlag assigns one flag field of a record.
func setFlag(p *Permission, flag Flag, value int) {
	switch flag {
	case FlagView:
		p.View = value
	case FlagAdd:
		p.Add = value
	case FlagEdit:
		p.Edit = value
	case FlagDelete:
		p.Delete = value
	}
}

// GrantAll sets every flag on a node — or, addressed at a module that owns
// submodules, on each of its submodules. Dashboard-class nodes get only
// view.
func (m *Matrix) GrantAll(moduleID int64, subModuleID *int64) error {
	if subModuleID == nil {
		if mod := m.module(moduleID); mod != nil && len(mod.SubModules) > 0 {
			for _, sub := range mod.SubModules {
				subID := sub.ID
				m.setAll(moduleID, &subID, sub.Name)
			}
			return nil
		}
	}
	name, ok := m.nodeName(moduleID, subModuleID)
	if !ok {
		return fmt.Errorf("no such permission node (module %d)", moduleID)
	}
	m.setAll(moduleID, subModuleID, name)
	return nil
}

func (m *Matrix) setAll(moduleID int64, subModuleID *int64, name string) {
	flags := clampDashboard(name, Flags{View: 1, Add: 1, Edit: 1, Delete: 1})
	for i := range m.records {
		if m.records[i].matches(moduleID, subModuleID) {
			m.records[i].View = flags.View
			m.records[i].Add = flags.Add
			m.records[i].Edit = flags.Edit
			m.records[i].Delete = flags.Delete
			return
		}
	}
	m.records = append(m.records, Permission{
		RoleID:      m.roleID,
		ModuleID:    moduleID,
		SubModuleID: subModuleID,
		View:        flags.View,
		Add:         flags.Add,
		Edit:        flags.Edit,
		Delete:      flags.Delete,
	})
}

// RemoveAll deletes the node's record entirely — absence means "no access",
// there is no explicit-deny state. Addressed at a module that owns
// submodules, it removes every submodule record.
func (m *Matrix) RemoveAll(moduleID int64, subModuleID *int64) {
	if subModuleID == nil {
		if mod := m.module(moduleID); mod != nil && len(mod.SubModules) > 0 {
			kept := m.records[:0]
			for _, r := range m.records {
				if r.ModuleID != moduleID {
					kept = append(kept, r)
				}
			}
			m.records = kept
			return
		}
	}
	kept := m.records[:0]
	for _, r := range m.records {
		if !r.matches(moduleID, subModuleID) {
			kept = append(kept, r)
		}
	}
	m.records = kept
}

func (m *Matrix) module(id int64) *Module {
	for i := range m.tree {
		if m.tree[i].ID == id {
			return &m.tree[i]
		}
	}
	return nil
}
