package permission

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/hms/hms-console/internal/platform/api"
	"github.com/hms/hms-console/pkg/pagination"
)

// Service performs role and permission I/O against the settings backend.
// Permission writes are always a full replacement of the role's record list;
// there is no incremental diff-and-patch path.
type Service struct {
	api    *api.Client
	logger zerolog.Logger
}

// NewService creates a permission Service.
func NewService(client *api.Client, logger zerolog.Logger) *Service {
	return &Service{api: client, logger: logger}
}

// ListRoles returns one page of the roles visible under a location. Roles are
// location-scoped: a role created for one location is not listed under
// another.
func (s *Service) ListRoles(ctx context.Context, locationID string, page pagination.Params) (*pagination.Response[Role], error) {
	q := url.Values{
		"locationId":     {locationID},
		"includeModules": {"true"},
	}
	page.Apply(q)

	var roles pagination.Response[Role]
	if err := s.api.GetJSON(ctx, "/settings/roles", q, &roles); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return &roles, nil
}

// LoadTree fetches the module tree annotated with the role's current grants.
// Both the view and edit flows start here.
func (s *Service) LoadTree(ctx context.Context, roleID int64) ([]Module, error) {
	var tree []Module
	path := fmt.Sprintf("/settings/roles/%d/permissions", roleID)
	if err := s.api.GetJSON(ctx, path, nil, &tree); err != nil {
		return nil, fmt.Errorf("load permission tree: %w", err)
	}
	return tree, nil
}

// SavePermissions replaces the role's entire permission set with records.
// The call is idempotent on the backend.
func (s *Service) SavePermissions(ctx context.Context, roleID int64, records []Permission) error {
	for i := range records {
		records[i].RoleID = roleID
	}
	path := fmt.Sprintf("/settings/roles/%d/permissions", roleID)
	body := map[string]any{"permissions": records}
	if err := s.api.PutJSON(ctx, path, body, nil); err != nil {
		// The caller keeps its draft; nothing here mutates it.
		return fmt.Errorf("save permissions: %w", err)
	}
	s.logger.Info().Int64("role_id", roleID).Int("records", len(records)).Msg("permissions replaced")
	return nil
}

// CreateRole creates the role first, then commits the full record list
// tagged with the new role id.
func (s *Service) CreateRole(ctx context.Context, role Role, records []Permission) (*Role, error) {
	var created Role
	if err := s.api.PostJSON(ctx, "/settings/roles", role, &created); err != nil {
		return nil, fmt.Errorf("create role: %w", err)
	}
	if err := s.SavePermissions(ctx, created.ID, records); err != nil {
		return &created, err
	}
	return &created, nil
}

// UpdateRole patches the role's own fields, then replaces its permission
// set.
func (s *Service) UpdateRole(ctx context.Context, role Role, records []Permission) error {
	path := fmt.Sprintf("/settings/roles/%d", role.ID)
	if err := s.api.PatchJSON(ctx, path, role, nil); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return s.SavePermissions(ctx, role.ID, records)
}
