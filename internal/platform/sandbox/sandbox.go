// Package sandbox provides a synthetic settings/front-office backend for
// local development and integration testing. It implements the endpoints the
// console consumes — branch listing, location switching, department lookup,
// role and permission CRUD — over seeded in-memory data, so the client can
// be exercised end to end without a real hospital deployment.
package sandbox

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms-console/internal/branch"
	"github.com/hms/hms-console/internal/permission"
	"github.com/hms/hms-console/pkg/pagination"
)

// Server is the in-memory sandbox backend.
type Server struct {
	logger zerolog.Logger

	mu       sync.Mutex
	branches []branch.Branch
	users    []SeedUser
	tree     []permission.Module
	roles    []permission.Role
	grants   map[int64][]permission.Permission // roleID → full record list
	nextRole int64

	// FailSwitches makes POST /auth/switch-location return 500, for
	// exercising the client's rollback path.
	FailSwitches bool
}

// NewServer seeds a sandbox backend.
func NewServer(cfg SeedConfig, logger zerolog.Logger) *Server {
	data := GenerateSeed(cfg)
	return &Server{
		logger:   logger,
		branches: data.Branches,
		users:    data.Users,
		tree:     data.Modules,
		roles:    data.Roles,
		grants:   data.Grants,
		nextRole: int64(len(data.Roles)) + 1,
	}
}

// Echo builds an echo instance with all sandbox routes registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(s.requestLogger())
	s.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers the sandbox endpoints on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/locations/user-branches", s.handleUserBranches)
	e.POST("/auth/switch-location", s.handleSwitchLocation)
	e.GET("/settings/users/:userId/department", s.handleUserDepartment)
	e.GET("/settings/roles", s.handleListRoles)
	e.POST("/settings/roles", s.handleCreateRole)
	e.PATCH("/settings/roles/:roleId", s.handleUpdateRole)
	e.GET("/settings/roles/:roleId/permissions", s.handleGetPermissions)
	e.PUT("/settings/roles/:roleId/permissions", s.handlePutPermissions)
}

// requestLogger logs method/path/status/latency for every sandbox request.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			evt := s.logger.Info()
			if err != nil {
				evt = s.logger.Error().Err(err)
			}
			evt.
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("sandbox request")
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Branch / session endpoints
// ---------------------------------------------------------------------------

func (s *Server) handleUserBranches(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.JSON(http.StatusOK, s.branches)
}

func (s *Server) handleSwitchLocation(c echo.Context) error {
	var req struct {
		UserID     int64 `json:"userId"`
		LocationID int64 `json:"locationId"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid switch request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSwitches {
		return echo.NewHTTPError(http.StatusInternalServerError, "switch unavailable")
	}

	var target *branch.Branch
	for i := range s.branches {
		if s.branches[i].ID == req.LocationID {
			target = &s.branches[i]
			break
		}
	}
	if target == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown location")
	}

	user := s.findUser(req.UserID)
	if user == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown user")
	}

	// The response replaces the client's snapshots wholesale.
	return c.JSON(http.StatusOK, map[string]any{
		"UserInfo": map[string]any{
			"id":                user.ID,
			"username":          user.Username,
			"displayName":       user.DisplayName,
			"primaryLocationId": user.PrimaryLocationID,
		},
		"sidemenu":     s.sideMenuFor(target.ID),
		"moduleAccess": s.moduleAccessFor(target.ID),
	})
}

func (s *Server) sideMenuFor(locationID int64) []string {
	menu := make([]string, 0, len(s.tree))
	for _, mod := range s.tree {
		menu = append(menu, mod.Name)
	}
	return menu
}

func (s *Server) moduleAccessFor(locationID int64) map[string]int {
	access := make(map[string]int, len(s.tree))
	for _, mod := range s.tree {
		access[mod.Name] = 1
	}
	return access
}

func (s *Server) handleUserDepartment(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user := s.findUser(userID)
	if user == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown user")
	}
	name := user.Department
	if loc := c.QueryParam("locationId"); loc != "" {
		if dept, ok := user.DepartmentByLocation[loc]; ok {
			name = dept
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"departmentId":   user.DepartmentID,
		"departmentName": name,
	})
}

func (s *Server) findUser(id int64) *SeedUser {
	for i := range s.users {
		if s.users[i].ID == id {
			return &s.users[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Role / permission endpoints
// ---------------------------------------------------------------------------

func (s *Server) handleListRoles(c echo.Context) error {
	locationID, _ := strconv.ParseInt(c.QueryParam("locationId"), 10, 64)
	includeModules := c.QueryParam("includeModules") == "true"
	page := pagination.FromContext(c)

	s.mu.Lock()
	defer s.mu.Unlock()

	var scoped []permission.Role
	for _, r := range s.roles {
		if locationID != 0 && r.LocationID != locationID {
			continue
		}
		if includeModules {
			r.Modules = s.moduleNamesFor(r.ID)
		} else {
			r.Modules = nil
		}
		scoped = append(scoped, r)
	}

	total := len(scoped)
	end := page.Offset + page.Limit
	if page.Offset >= total {
		scoped = nil
	} else {
		if end > total {
			end = total
		}
		scoped = scoped[page.Offset:end]
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(scoped, total, page.Limit, page.Offset))
}

// moduleNamesFor derives the display-only module list: every module the
// role has any nonzero grant for.
func (s *Server) moduleNamesFor(roleID int64) []string {
	seen := map[int64]bool{}
	var names []string
	for _, rec := range s.grants[roleID] {
		if rec.Flags().IsZero() || seen[rec.ModuleID] {
			continue
		}
		for _, mod := range s.tree {
			if mod.ID == rec.ModuleID {
				names = append(names, mod.Name)
				seen[rec.ModuleID] = true
				break
			}
		}
	}
	return names
}

func (s *Server) handleCreateRole(c echo.Context) error {
	var role permission.Role
	if err := c.Bind(&role); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role")
	}
	if role.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	role.ID = s.nextRole
	s.nextRole++
	role.Modules = nil
	s.roles = append(s.roles, role)
	return c.JSON(http.StatusCreated, role)
}

func (s *Server) handleUpdateRole(c echo.Context) error {
	roleID, err := strconv.ParseInt(c.Param("roleId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role id")
	}
	var patch permission.Role
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.roles {
		if s.roles[i].ID == roleID {
			if patch.Name != "" {
				s.roles[i].Name = patch.Name
			}
			s.roles[i].IsActive = patch.IsActive
			return c.JSON(http.StatusOK, s.roles[i])
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "unknown role")
}

func (s *Server) handleGetPermissions(c echo.Context) error {
	roleID, err := strconv.ParseInt(c.Param("roleId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return c.JSON(http.StatusOK, permission.Annotate(s.tree, s.grants[roleID]))
}

func (s *Server) handlePutPermissions(c echo.Context) error {
	roleID, err := strconv.ParseInt(c.Param("roleId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role id")
	}
	var body struct {
		Permissions []permission.Permission `json:"permissions"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid permission list")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Full replacement, idempotent: whatever was there before is gone.
	records := make([]permission.Permission, len(body.Permissions))
	copy(records, body.Permissions)
	for i := range records {
		records[i].RoleID = roleID
	}
	s.grants[roleID] = records
	return c.JSON(http.StatusOK, map[string]any{"replaced": len(records)})
}

// Grants returns a copy of the stored record list for a role.
func (s *Server) Grants(roleID int64) []permission.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]permission.Permission, len(s.grants[roleID]))
	copy(out, s.grants[roleID])
	return out
}
