// Package session owns the persisted authenticated-session state: the bearer
// token, the user profile, the side-menu and module-access snapshots, and the
// tenant selection. Every caller that needs the active location id resolves
// it through this package — the selected-over-primary precedence rule lives
// here and nowhere else.
package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/hms/hms-console/internal/platform/storage"
)

// Storage keys owned by the session core. All are cleared together on
// logout; none is cleared independently except during the switch-branch
// replace step.
const (
	KeyToken            = "auth_token"
	KeyUserProfile      = "user_profile"
	KeySideMenu         = "side_menu"
	KeyModuleAccess     = "module_access"
	KeySelectedLocation = "selected_location_id"
	KeyBranchList       = "branch_list"
)

var ownedKeys = []string{
	KeyToken, KeyUserProfile, KeySideMenu, KeyModuleAccess,
	KeySelectedLocation, KeyBranchList,
}

// Profile is the persisted user profile snapshot.
type Profile struct {
	ID                int64  `json:"id"`
	Username          string `json:"username"`
	DisplayName       string `json:"displayName,omitempty"`
	Email             string `json:"email,omitempty"`
	PrimaryLocationID int64  `json:"primaryLocationId,omitempty"`
}

// Store wraps the persisted credentials and tenant-selection state.
type Store struct {
	storage  storage.Store
	logger   zerolog.Logger
	navigate func() // invoked after logout teardown; typically a login redirect
}

// NewStore creates a session Store. navigate may be nil.
func NewStore(st storage.Store, logger zerolog.Logger, navigate func()) *Store {
	return &Store{storage: st, logger: logger, navigate: navigate}
}

// ---------------------------------------------------------------------------
// Token
// ---------------------------------------------------------------------------

// Token returns the persisted bearer token. An expired JWT is treated as
// absent so no call site ever sends a token the backend will reject with 401.
// Opaque (non-JWT) tokens are returned as-is.
func (s *Store) Token() (string, bool) {
	raw, ok := s.storage.Get(KeyToken)
	if !ok || raw == "" {
		return "", false
	}
	tok := stripQuotes(raw)

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(tok, &claims); err == nil {
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			s.logger.Debug().Msg("persisted token expired")
			return "", false
		}
	}
	return tok, true
}

// SetToken persists the bearer token.
func (s *Store) SetToken(tok string) error {
	return s.storage.Set(KeyToken, tok)
}

// AuthHeaders returns the headers to attach to a backend request. Absence of
// a token is not an error at this layer; the map is simply empty.
func (s *Store) AuthHeaders() map[string]string {
	headers := map[string]string{}
	if tok, ok := s.Token(); ok {
		headers["Authorization"] = "Bearer " + tok
	}
	return headers
}

// ---------------------------------------------------------------------------
// Profile and snapshots
// ---------------------------------------------------------------------------

// Profile returns the persisted user profile, if any.
func (s *Store) Profile() (*Profile, bool) {
	raw, ok := s.storage.Get(KeyUserProfile)
	if !ok {
		return nil, false
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.Warn().Err(err).Msg("corrupt user profile snapshot")
		return nil, false
	}
	return &p, true
}

// SetProfile persists the user profile snapshot.
func (s *Store) SetProfile(p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.storage.Set(KeyUserProfile, string(data))
}

// ReplaceSnapshots replaces the user profile, side-menu, and module-access
// snapshots together. This is the switch-branch replace step: the three
// blobs always change as a unit, never partially.
func (s *Store) ReplaceSnapshots(profile, sideMenu, moduleAccess string) error {
	if err := s.storage.Set(KeyUserProfile, profile); err != nil {
		return err
	}
	if err := s.storage.Set(KeySideMenu, sideMenu); err != nil {
		return err
	}
	return s.storage.Set(KeyModuleAccess, moduleAccess)
}

// SideMenu returns the raw side-menu snapshot.
func (s *Store) SideMenu() (string, bool) { return s.storage.Get(KeySideMenu) }

// ModuleAccess returns the raw module-access snapshot.
func (s *Store) ModuleAccess() (string, bool) { return s.storage.Get(KeyModuleAccess) }

// ---------------------------------------------------------------------------
// Location precedence
// ---------------------------------------------------------------------------

// ResolveActiveLocationID returns the location id requests should be scoped
// to. The explicit selection, when present and non-empty, always wins over
// the profile's primary location; primary is only a fallback. When neither
// exists the second return is false and the caller must not scope the
// request — there is no numeric default.
func (s *Store) ResolveActiveLocationID() (string, bool) {
	if raw, ok := s.storage.Get(KeySelectedLocation); ok {
		if sel := stripQuotes(raw); !isPlaceholder(sel) {
			return sel, true
		}
	}
	if p, ok := s.Profile(); ok && p.PrimaryLocationID > 0 {
		return strconv.FormatInt(p.PrimaryLocationID, 10), true
	}
	return "", false
}

// SelectedLocationID returns the raw explicit selection, if one exists.
func (s *Store) SelectedLocationID() (string, bool) {
	raw, ok := s.storage.Get(KeySelectedLocation)
	if !ok {
		return "", false
	}
	sel := stripQuotes(raw)
	if isPlaceholder(sel) {
		return "", false
	}
	return sel, true
}

// SetSelectedLocation persists the explicit branch selection.
func (s *Store) SetSelectedLocation(id string) error {
	return s.storage.Set(KeySelectedLocation, id)
}

// stripQuotes removes accidental surrounding quotes picked up when a value
// was JSON-stringified on its way into storage.
func stripQuotes(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// isPlaceholder reports whether a stored selection is one of the junk values
// that mean "nothing selected".
func isPlaceholder(v string) bool {
	switch strings.ToLower(v) {
	case "", "null", "undefined":
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Logout
// ---------------------------------------------------------------------------

// Logout is a full teardown: token, user profile, menu/permission snapshots,
// and both location fields are cleared together, then the navigation hook
// runs. This is the only sanctioned way to exit an authenticated session;
// partial clears leave the client half-authenticated.
func (s *Store) Logout() {
	for _, key := range ownedKeys {
		if err := s.storage.Delete(key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("logout: clear failed")
		}
	}
	s.logger.Info().Msg("session cleared")
	if s.navigate != nil {
		s.navigate()
	}
}
