// Package department resolves a user's display department for the active
// branch. It deliberately keeps only the most recent (user, location) result:
// the console shows one user's department for one branch at a time, so a full
// multi-key cache would hold entries nothing reads again. Concurrent calls
// for the same key collapse to a single request.
package department

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hms/hms-console/internal/platform/api"
)

// DefaultName is the degraded-mode department shown when the lookup fails.
const DefaultName = "General"

// Info is the resolved department for a user at a location.
type Info struct {
	DepartmentID   int64  `json:"departmentId,omitempty"`
	DepartmentName string `json:"departmentName"`
}

// Resolver is a single-slot, de-duplicating department lookup.
type Resolver struct {
	api    *api.Client
	logger zerolog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	lastKey string
	last    *Info
}

// NewResolver creates a Resolver over the backend client.
func NewResolver(client *api.Client, logger zerolog.Logger) *Resolver {
	return &Resolver{api: client, logger: logger}
}

// Resolve returns the department for (userID, locationID). The most recent
// key's result is served from memory; any other key always triggers a fresh
// request, which then becomes the new memo. Identical concurrent calls share
// one request.
func (r *Resolver) Resolve(ctx context.Context, userID int64, locationID string) (*Info, error) {
	key := fmt.Sprintf("%d:%s", userID, locationID)

	r.mu.Lock()
	if r.lastKey == key && r.last != nil {
		info := *r.last
		r.mu.Unlock()
		return &info, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		var info Info
		path := fmt.Sprintf("/settings/users/%d/department", userID)
		query := url.Values{"locationId": {locationID}}
		if err := r.api.GetJSON(ctx, path, query, &info); err != nil {
			return nil, err
		}
		return &info, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve department: %w", err)
	}

	info := v.(*Info)
	r.mu.Lock()
	r.lastKey = key
	r.last = info
	r.mu.Unlock()

	out := *info
	return &out, nil
}

// ResolveOrDefault is Resolve with a degraded fallback: on any failure it
// logs and returns the "General" department so the caller renders a usable
// state instead of crashing.
func (r *Resolver) ResolveOrDefault(ctx context.Context, userID int64, locationID string) *Info {
	info, err := r.Resolve(ctx, userID, locationID)
	if err != nil {
		r.logger.Warn().Err(err).
			Int64("user_id", userID).
			Str("location_id", locationID).
			Msg("department lookup failed, using default")
		return &Info{DepartmentName: DefaultName}
	}
	return info
}

// Reset drops the memo. Wired to the branch context's invalidation hook so
// the department is re-fetched whenever the active branch changes.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.lastKey = ""
	r.last = nil
	r.mu.Unlock()
}
