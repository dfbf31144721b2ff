// Package branch holds the process-wide state of "available branches" and
// "current branch" and drives branch switching. A switch is a strict
// sequence: persist the local selection, round-trip the backend, replace the
// session snapshots wholesale, then broadcast an invalidation so every
// dependent re-derives its location-scoped state. On failure the previous
// branch is restored — the client never sits on a branch whose permission
// snapshots it failed to obtain.
package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/hms-console/internal/platform/api"
	"github.com/hms/hms-console/internal/platform/cache"
	"github.com/hms/hms-console/internal/platform/storage"
	"github.com/hms/hms-console/internal/session"
)

// branchListKey is the cache key for the user's branch list. Cached values
// are location-agnostic: the list is the set of branches the user may
// operate against, not data scoped to one of them.
const branchListKey = "user-branches"

// Branch is one location/tenant the user can operate against.
type Branch struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	LocationCode string `json:"locationCode"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	IsActive     bool   `json:"isActive"`
}

// State is the branch context lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateHydrating
	StateLoading
	StateReady
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateHydrating:
		return "hydrating"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSwitching:
		return "switching"
	default:
		return "uninitialized"
	}
}

// switchResponse mirrors POST /auth/switch-location. The three blobs fully
// replace the persisted snapshots; nothing is merged.
type switchResponse struct {
	UserInfo     json.RawMessage `json:"UserInfo"`
	SideMenu     json.RawMessage `json:"sidemenu"`
	ModuleAccess json.RawMessage `json:"moduleAccess"`
}

// Config holds Context construction parameters.
type Config struct {
	API     *api.Client
	Session *session.Store
	Storage storage.Store
	Cache   *cache.KeyedCache[[]Branch] // optional; a default is created
	Logger  zerolog.Logger
}

// Context is the branch/tenant state machine.
type Context struct {
	api     *api.Client
	session *session.Store
	storage storage.Store
	cache   *cache.KeyedCache[[]Branch]
	logger  zerolog.Logger

	mu          sync.Mutex
	state       State
	branches    []Branch
	current     *Branch
	subscribers []chan struct{}
	invalidate  []func()
}

// NewContext creates an uninitialized branch Context.
func NewContext(cfg Config) *Context {
	c := cfg.Cache
	if c == nil {
		c = cache.New[[]Branch](cache.DefaultTTL, nil)
	}
	return &Context{
		api:     cfg.API,
		session: cfg.Session,
		storage: cfg.Storage,
		cache:   c,
		logger:  cfg.Logger,
		state:   StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Branches returns a copy of the known branch list.
func (c *Context) Branches() []Branch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Branch, len(c.branches))
	copy(out, c.branches)
	return out
}

// Current returns the current branch, or nil before initialization.
func (c *Context) Current() *Branch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	b := *c.current
	return &b
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe returns a channel that receives a signal whenever the branch
// context has been reset (successful switch or out-of-band change). This
// replaces a destroy-the-world page reload: subscribers re-derive their
// location-scoped state while unrelated in-memory state survives.
func (c *Context) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// OnInvalidate registers a hook that runs before subscribers are notified.
// Location-scoped caches register their Clear here.
func (c *Context) OnInvalidate(fn func()) {
	c.mu.Lock()
	c.invalidate = append(c.invalidate, fn)
	c.mu.Unlock()
}

// broadcast clears registered caches and pokes every subscriber. Callers
// must not hold c.mu.
func (c *Context) broadcast() {
	c.mu.Lock()
	hooks := append([]func(){}, c.invalidate...)
	subs := append([]chan struct{}{}, c.subscribers...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Hydrate / refresh
// ---------------------------------------------------------------------------

// Hydrate synchronously restores the branch list from the persisted snapshot
// so the caller has a usable (possibly stale) state before any network
// round-trip. Returns true when a snapshot existed.
func (c *Context) Hydrate() bool {
	raw, ok := c.storage.Get(session.KeyBranchList)
	if !ok {
		return false
	}
	var snapshot []Branch
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		c.logger.Warn().Err(err).Msg("corrupt branch snapshot, ignoring")
		return false
	}

	c.mu.Lock()
	c.state = StateHydrating
	c.branches = snapshot
	c.mu.Unlock()

	c.selectDefault()

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	return true
}

// Refresh fetches the branch list from the backend (de-duplicated and TTL
// cached), replaces the in-memory list and persisted snapshot wholesale, and
// re-resolves the current branch. A fetch failure leaves hydrated state in
// place so the UI stays usable-if-degraded.
func (c *Context) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateUninitialized {
		c.state = StateLoading
	}
	c.mu.Unlock()

	fetched, err := c.cache.Get(ctx, branchListKey, func(ctx context.Context) ([]Branch, error) {
		var out []Branch
		if err := c.api.GetJSON(ctx, "/locations/user-branches", nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("branch list fetch failed")
		c.mu.Lock()
		if len(c.branches) > 0 {
			c.state = StateReady // keep the hydrated snapshot
		} else {
			c.state = StateUninitialized
		}
		c.mu.Unlock()
		return fmt.Errorf("refresh branches: %w", err)
	}

	c.mu.Lock()
	c.branches = fetched
	c.mu.Unlock()

	if data, err := json.Marshal(fetched); err == nil {
		if err := c.storage.Set(session.KeyBranchList, string(data)); err != nil {
			c.logger.Warn().Err(err).Msg("persist branch snapshot failed")
		}
	}

	c.selectDefault()

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	return nil
}

// Start hydrates from the snapshot and kicks off an asynchronous refresh —
// the read-through-stale-then-refresh pattern. The returned channel closes
// when the background refresh finishes.
func (c *Context) Start(ctx context.Context) <-chan struct{} {
	c.Hydrate()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Refresh(ctx)
	}()
	return done
}

// selectDefault resolves the current branch from the session precedence rule.
// When no selection or primary exists but branches do, the first branch is
// auto-selected and persisted as the new explicit selection: "current branch"
// must never stay nil while at least one branch exists.
func (c *Context) selectDefault() {
	c.mu.Lock()
	branches := c.branches
	c.mu.Unlock()
	if len(branches) == 0 {
		return
	}

	if id, ok := c.session.ResolveActiveLocationID(); ok {
		if b := findBranch(branches, id); b != nil {
			c.setCurrent(b)
			return
		}
		c.logger.Warn().Str("location_id", id).Msg("resolved location not in branch list")
	}

	first := branches[0]
	c.setCurrent(&first)
	if err := c.session.SetSelectedLocation(strconv.FormatInt(first.ID, 10)); err != nil {
		c.logger.Warn().Err(err).Msg("persist auto-selection failed")
	}
}

func (c *Context) setCurrent(b *Branch) {
	c.mu.Lock()
	c.current = b
	c.mu.Unlock()
}

func findBranch(branches []Branch, id string) *Branch {
	for i := range branches {
		if strconv.FormatInt(branches[i].ID, 10) == id {
			b := branches[i]
			return &b
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Switch
// ---------------------------------------------------------------------------

// Switch changes the current branch. An unknown id is a silent no-op so a
// stray click can never corrupt state. The sequence is strictly sequential:
// persist selection → backend round-trip → replace snapshots → invalidate
// and notify. On a failed round-trip the previous branch and selection are
// restored and the persisted snapshots are left byte-identical.
func (c *Context) Switch(ctx context.Context, branchID int64) error {
	c.mu.Lock()
	target := findBranch(c.branches, strconv.FormatInt(branchID, 10))
	if target == nil {
		c.mu.Unlock()
		c.logger.Warn().Int64("branch_id", branchID).Msg("switch to unknown branch ignored")
		return nil
	}
	prev := c.current
	prevState := c.state
	c.current = target
	c.state = StateSwitching
	c.mu.Unlock()

	prevSelection, hadSelection := c.session.SelectedLocationID()
	newSelection := strconv.FormatInt(target.ID, 10)
	if err := c.session.SetSelectedLocation(newSelection); err != nil {
		c.rollback(prev, prevState, prevSelection, hadSelection)
		return fmt.Errorf("persist selection: %w", err)
	}

	var userID int64
	if p, ok := c.session.Profile(); ok {
		userID = p.ID
	}

	var resp switchResponse
	err := c.api.PostJSON(ctx, "/auth/switch-location", map[string]any{
		"userId":     userID,
		"locationId": target.ID,
	}, &resp)
	if err != nil {
		c.logger.Error().Err(err).
			Int64("branch_id", target.ID).
			Str("branch", target.Name).
			Msg("switch-location failed, rolling back")
		c.rollback(prev, prevState, prevSelection, hadSelection)
		return fmt.Errorf("switch location: %w", err)
	}

	// Replace all three snapshots together, never partially.
	if err := c.session.ReplaceSnapshots(string(resp.UserInfo), string(resp.SideMenu), string(resp.ModuleAccess)); err != nil {
		c.rollback(prev, prevState, prevSelection, hadSelection)
		return fmt.Errorf("replace snapshots: %w", err)
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	c.cache.Clear()
	c.broadcast()

	c.logger.Info().
		Int64("branch_id", target.ID).
		Str("branch", target.Name).
		Msg("switched branch")
	return nil
}

// rollback restores the pre-switch branch and persisted selection.
func (c *Context) rollback(prev *Branch, prevState State, prevSelection string, hadSelection bool) {
	c.mu.Lock()
	c.current = prev
	c.state = prevState
	c.mu.Unlock()

	var err error
	if hadSelection {
		err = c.session.SetSelectedLocation(prevSelection)
	} else {
		err = c.storage.Delete(session.KeySelectedLocation)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("rollback of selection failed")
	}
}

// ---------------------------------------------------------------------------
// Out-of-band change detection
// ---------------------------------------------------------------------------

// Watch runs until ctx is cancelled, detecting the persisted selection
// changing out-of-band — another process sharing the storage directory
// switched branches. Detection is a ticker poll plus, when the store
// supports it, storage change events. A detected change replays the same
// refetch-and-reset sequence a local switch performs.
func (c *Context) Watch(ctx context.Context, poll time.Duration) {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var events <-chan storage.Event
	if w, ok := c.storage.(storage.Watcher); ok {
		if ch, err := w.Watch(ctx, c.logger); err == nil {
			events = ch
		} else {
			c.logger.Warn().Err(err).Msg("storage watch unavailable, polling only")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkSelection(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Key == session.KeySelectedLocation {
				c.checkSelection(ctx)
			}
		}
	}
}

// checkSelection compares the persisted selection against the in-memory
// current branch and resets on divergence.
func (c *Context) checkSelection(ctx context.Context) {
	sel, ok := c.session.SelectedLocationID()
	if !ok {
		return
	}
	cur := c.Current()
	if cur != nil && strconv.FormatInt(cur.ID, 10) == sel {
		return
	}

	c.logger.Info().Str("location_id", sel).Msg("selection changed out-of-band, resetting")
	c.cache.Clear()
	if err := c.Refresh(ctx); err != nil {
		return
	}
	c.broadcast()
}
