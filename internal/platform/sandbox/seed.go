package sandbox

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/hms/hms-console/internal/branch"
	"github.com/hms/hms-console/internal/permission"
)

// SeedConfig controls the volume and shape of generated synthetic data.
type SeedConfig struct {
	BranchCount int
	UserCount   int
	RoleCount   int
	Seed        int64
}

// DefaultSeedConfig returns a SeedConfig sized like a small hospital group.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		BranchCount: 3,
		UserCount:   5,
		RoleCount:   3,
		Seed:        1,
	}
}

// SeedUser is a synthetic backend user.
type SeedUser struct {
	ID                   int64
	Username             string
	DisplayName          string
	Email                string
	PrimaryLocationID    int64
	DepartmentID         int64
	Department           string
	DepartmentByLocation map[string]string
}

// SeedData is everything a sandbox Server serves.
type SeedData struct {
	Branches []branch.Branch
	Users    []SeedUser
	Modules  []permission.Module
	Roles    []permission.Role
	Grants   map[int64][]permission.Permission
}

var (
	branchNames = []string{
		"Main Hospital", "North Annex", "City Clinic", "Riverside Campus",
		"East Wing", "Maternity Centre",
	}
	departments = []string{
		"General", "Cardiology", "Radiology", "Oncology", "Pediatrics",
		"Orthopedics", "Emergency",
	}
	firstNames = []string{"asha", "ravi", "meera", "john", "fatima", "david", "priya", "sam"}
	roleNames  = []string{"Receptionist", "Staff Nurse", "Pharmacist", "Lab Technician", "Billing Clerk"}
)

// defaultModuleTree is the settings console's module catalogue: a dashboard,
// two parent modules with submodules, and a leafless module.
func defaultModuleTree() []permission.Module {
	return []permission.Module{
		{ID: 1, Name: "Dashboard"},
		{ID: 2, Name: "Front Office", SubModules: []permission.SubModule{
			{ID: 21, ModuleID: 2, Name: "Patient Registration"},
			{ID: 22, ModuleID: 2, Name: "Appointments"},
			{ID: 23, ModuleID: 2, Name: "Case Sheets"},
		}},
		{ID: 3, Name: "Settings", SubModules: []permission.SubModule{
			{ID: 31, ModuleID: 3, Name: "Departments"},
			{ID: 32, ModuleID: 3, Name: "Locations"},
			{ID: 33, ModuleID: 3, Name: "Reports Dashboard"},
		}},
		{ID: 4, Name: "Pharmacy"},
	}
}

// GenerateSeed produces reproducible synthetic data for the given config.
func GenerateSeed(cfg SeedConfig) SeedData {
	if cfg.BranchCount <= 0 {
		cfg = DefaultSeedConfig()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	data := SeedData{
		Modules: defaultModuleTree(),
		Grants:  make(map[int64][]permission.Permission),
	}

	for i := 0; i < cfg.BranchCount && i < len(branchNames); i++ {
		data.Branches = append(data.Branches, branch.Branch{
			ID:           int64(i + 1),
			Name:         branchNames[i],
			LocationCode: fmt.Sprintf("LOC%03d", i+1),
			Address:      fmt.Sprintf("%d Hospital Road", 10+rng.Intn(90)),
			Phone:        fmt.Sprintf("+91-98%08d", rng.Intn(100000000)),
			Email:        fmt.Sprintf("branch%d@hospital.example", i+1),
			IsActive:     true,
		})
	}

	for i := 0; i < cfg.UserCount; i++ {
		name := firstNames[i%len(firstNames)]
		primary := data.Branches[i%len(data.Branches)].ID
		dept := departments[rng.Intn(len(departments))]
		byLocation := make(map[string]string, len(data.Branches))
		for _, b := range data.Branches {
			byLocation[fmt.Sprintf("%d", b.ID)] = departments[rng.Intn(len(departments))]
		}
		data.Users = append(data.Users, SeedUser{
			ID:                   int64(i + 1),
			Username:             fmt.Sprintf("%s.%d", name, i+1),
			DisplayName:          name,
			Email:                fmt.Sprintf("%s.%s@hospital.example", name, uuid.NewString()[:8]),
			PrimaryLocationID:    primary,
			DepartmentID:         int64(rng.Intn(50) + 1),
			Department:           dept,
			DepartmentByLocation: byLocation,
		})
	}

	for i := 0; i < cfg.RoleCount && i < len(roleNames); i++ {
		role := permission.Role{
			ID:         int64(i + 1),
			Name:       roleNames[i],
			LocationID: data.Branches[i%len(data.Branches)].ID,
			IsActive:   true,
		}
		data.Roles = append(data.Roles, role)
		data.Grants[role.ID] = randomGrants(rng, role.ID, data.Modules)
	}

	return data
}

// randomGrants builds a plausible record list: every role can view the
// dashboard, plus a random subset of leaf grants.
func randomGrants(rng *rand.Rand, roleID int64, tree []permission.Module) []permission.Permission {
	m := permission.NewMatrix(roleID, tree, nil)
	_ = m.Toggle(1, nil, permission.FlagView, true)
	for _, mod := range tree {
		for _, sub := range mod.SubModules {
			if rng.Intn(2) == 0 {
				continue
			}
			subID := sub.ID
			_ = m.GrantAll(mod.ID, &subID)
		}
	}
	return m.Records()
}
