package branch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/hms-console/internal/platform/api"
	"github.com/hms/hms-console/internal/platform/cache"
	"github.com/hms/hms-console/internal/platform/storage"
	"github.com/hms/hms-console/internal/session"
)

// testBackend is a minimal stand-in for the settings/front-office backend.
type testBackend struct {
	branches     []Branch
	listCalls    int32
	switchCalls  int32
	failSwitch   bool
	lastSwitchTo int64
}

func (b *testBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/locations/user-branches", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.listCalls, 1)
		json.NewEncoder(w).Encode(b.branches)
	})
	mux.HandleFunc("/auth/switch-location", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.switchCalls, 1)
		var req struct {
			UserID     int64 `json:"userId"`
			LocationID int64 `json:"locationId"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		b.lastSwitchTo = req.LocationID
		if b.failSwitch {
			http.Error(w, "switch rejected", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"UserInfo":     map[string]any{"id": req.UserID, "username": "asha", "primaryLocationId": 1},
			"sidemenu":     []string{"front-office", "settings"},
			"moduleAccess": map[string]int{"frontoffice": 1},
		})
	})
	return mux
}

type fixture struct {
	ctx     *Context
	sess    *session.Store
	store   *storage.MemStore
	backend *testBackend
	srv     *httptest.Server
}

func newFixture(t *testing.T, backend *testBackend) *fixture {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	store := storage.NewMemStore()
	sess := session.NewStore(store, zerolog.Nop(), nil)
	sess.SetProfile(&session.Profile{ID: 7, Username: "asha", PrimaryLocationID: 1})

	client, err := api.NewClient(api.Config{BaseURL: srv.URL, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	bc := NewContext(Config{
		API:     client,
		Session: sess,
		Storage: store,
		Cache:   cache.New[[]Branch](time.Minute, nil),
		Logger:  zerolog.Nop(),
	})
	return &fixture{ctx: bc, sess: sess, store: store, backend: backend, srv: srv}
}

var testBranches = []Branch{
	{ID: 1, Name: "Main Hospital", LocationCode: "MAIN", IsActive: true},
	{ID: 2, Name: "North Annex", LocationCode: "NORTH", IsActive: true},
	{ID: 3, Name: "City Clinic", LocationCode: "CITY", IsActive: false},
}

func TestHydrate_FromSnapshot(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	snap, _ := json.Marshal(testBranches[:2])
	f.store.Set(session.KeyBranchList, string(snap))
	f.sess.SetSelectedLocation("2")

	if !f.ctx.Hydrate() {
		t.Fatal("expected hydration from snapshot")
	}
	if f.ctx.State() != StateReady {
		t.Errorf("state = %v, want ready", f.ctx.State())
	}
	cur := f.ctx.Current()
	if cur == nil || cur.ID != 2 {
		t.Errorf("current = %+v, want branch 2", cur)
	}
	if got := atomic.LoadInt32(&f.backend.listCalls); got != 0 {
		t.Errorf("hydration must not hit the network, calls=%d", got)
	}
}

func TestHydrate_NoSnapshot(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	if f.ctx.Hydrate() {
		t.Fatal("expected no hydration without snapshot")
	}
	if f.ctx.State() != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", f.ctx.State())
	}
}

func TestRefresh_FetchesAndPersistsSnapshot(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	f.sess.SetSelectedLocation("2")

	if err := f.ctx.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(f.ctx.Branches()) != 3 {
		t.Errorf("branches = %d, want 3", len(f.ctx.Branches()))
	}
	if cur := f.ctx.Current(); cur == nil || cur.ID != 2 {
		t.Errorf("current = %+v, want branch 2", cur)
	}

	raw, ok := f.store.Get(session.KeyBranchList)
	if !ok {
		t.Fatal("expected persisted branch snapshot")
	}
	var persisted []Branch
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil || len(persisted) != 3 {
		t.Errorf("bad persisted snapshot: %v, n=%d", err, len(persisted))
	}
}

func TestRefresh_AutoSelectsFirstBranch(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	// Freshly provisioned admin: no selection, no primary branch.
	f.sess.SetProfile(&session.Profile{ID: 9, Username: "admin"})

	if err := f.ctx.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	cur := f.ctx.Current()
	if cur == nil || cur.ID != 1 {
		t.Fatalf("current = %+v, want first branch", cur)
	}
	// The auto-selection is persisted as the new explicit selection.
	sel, ok := f.sess.SelectedLocationID()
	if !ok || sel != "1" {
		t.Errorf("selection = (%q, %v), want (\"1\", true)", sel, ok)
	}
}

func TestRefresh_FailureKeepsHydratedSnapshot(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	snap, _ := json.Marshal(testBranches)
	f.store.Set(session.KeyBranchList, string(snap))
	f.sess.SetSelectedLocation("1")
	f.ctx.Hydrate()
	f.srv.Close() // backend goes away

	if err := f.ctx.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if f.ctx.State() != StateReady {
		t.Errorf("state = %v, want ready (degraded)", f.ctx.State())
	}
	if len(f.ctx.Branches()) != 3 {
		t.Errorf("hydrated branches must survive a failed refresh")
	}
}

func TestRefresh_DedupesThroughCache(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	f.sess.SetSelectedLocation("1")

	for i := 0; i < 3; i++ {
		if err := f.ctx.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&f.backend.listCalls); got != 1 {
		t.Errorf("expected 1 backend call within TTL, got %d", got)
	}
}

func TestSwitch_UnknownIDIsNoOp(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	f.sess.SetSelectedLocation("1")
	f.ctx.Refresh(context.Background())

	if err := f.ctx.Switch(context.Background(), 999); err != nil {
		t.Fatalf("unknown id must be a no-op, got %v", err)
	}
	if cur := f.ctx.Current(); cur == nil || cur.ID != 1 {
		t.Errorf("current = %+v, want unchanged branch 1", cur)
	}
	if got := atomic.LoadInt32(&f.backend.switchCalls); got != 0 {
		t.Errorf("no backend call expected, got %d", got)
	}
}

func TestSwitch_SuccessReplacesSnapshotsAndBroadcasts(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	f.sess.SetSelectedLocation("1")
	f.ctx.Refresh(context.Background())
	f.sess.ReplaceSnapshots(`{"id":7}`, `["old"]`, `{"old":1}`)

	invalidated := false
	f.ctx.OnInvalidate(func() { invalidated = true })
	reload := f.ctx.Subscribe()

	if err := f.ctx.Switch(context.Background(), 2); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if cur := f.ctx.Current(); cur == nil || cur.ID != 2 {
		t.Errorf("current = %+v, want branch 2", cur)
	}
	if sel, _ := f.sess.SelectedLocationID(); sel != "2" {
		t.Errorf("selection = %q, want 2", sel)
	}
	if f.backend.lastSwitchTo != 2 {
		t.Errorf("backend saw locationId %d, want 2", f.backend.lastSwitchTo)
	}

	// All three snapshots replaced together.
	menu, _ := f.sess.SideMenu()
	if menu == `["old"]` {
		t.Error("side menu snapshot not replaced")
	}
	access, _ := f.sess.ModuleAccess()
	if access == `{"old":1}` {
		t.Error("module access snapshot not replaced")
	}
	p, ok := f.sess.Profile()
	if !ok || p.Username != "asha" {
		t.Errorf("profile snapshot not replaced: %+v", p)
	}

	if !invalidated {
		t.Error("expected invalidation hooks to run")
	}
	select {
	case <-reload:
	case <-time.After(time.Second):
		t.Error("expected reload broadcast")
	}
}

func TestSwitch_FailureRollsBackAndLeavesSnapshotsUntouched(t *testing.T) {
	backend := &testBackend{branches: testBranches}
	f := newFixture(t, backend)
	f.sess.SetSelectedLocation("1")
	f.ctx.Refresh(context.Background())
	f.sess.ReplaceSnapshots(`{"id":7,"username":"asha"}`, `["menu-a"]`, `{"frontoffice":1}`)

	backend.failSwitch = true
	reload := f.ctx.Subscribe()

	if err := f.ctx.Switch(context.Background(), 2); err == nil {
		t.Fatal("expected switch failure")
	}

	// Current branch and persisted selection roll back.
	if cur := f.ctx.Current(); cur == nil || cur.ID != 1 {
		t.Errorf("current = %+v, want rolled-back branch 1", cur)
	}
	if sel, _ := f.sess.SelectedLocationID(); sel != "1" {
		t.Errorf("selection = %q, want rolled-back 1", sel)
	}

	// Snapshots byte-identical to pre-switch values.
	menu, _ := f.sess.SideMenu()
	if menu != `["menu-a"]` {
		t.Errorf("side menu changed on failed switch: %q", menu)
	}
	access, _ := f.sess.ModuleAccess()
	if access != `{"frontoffice":1}` {
		t.Errorf("module access changed on failed switch: %q", access)
	}
	raw, _ := f.store.Get(session.KeyUserProfile)
	if raw != `{"id":7,"username":"asha"}` {
		t.Errorf("profile changed on failed switch: %q", raw)
	}

	select {
	case <-reload:
		t.Error("no broadcast expected on failed switch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCheckSelection_OutOfBandChangeResets(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	f.sess.SetSelectedLocation("1")
	f.ctx.Refresh(context.Background())

	reload := f.ctx.Subscribe()

	// Another process rewrites the persisted selection.
	f.sess.SetSelectedLocation("3")
	f.ctx.checkSelection(context.Background())

	if cur := f.ctx.Current(); cur == nil || cur.ID != 3 {
		t.Errorf("current = %+v, want branch 3 after out-of-band change", cur)
	}
	select {
	case <-reload:
	case <-time.After(time.Second):
		t.Error("expected reload broadcast after out-of-band change")
	}
}

func TestCheckSelection_MatchingSelectionIsQuiet(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	f.sess.SetSelectedLocation("1")
	f.ctx.Refresh(context.Background())
	before := atomic.LoadInt32(&f.backend.listCalls)

	reload := f.ctx.Subscribe()
	f.ctx.checkSelection(context.Background())

	if got := atomic.LoadInt32(&f.backend.listCalls); got != before {
		t.Errorf("no refetch expected, calls went %d -> %d", before, got)
	}
	select {
	case <-reload:
		t.Error("no broadcast expected when selection matches")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStart_HydratesThenRefreshes(t *testing.T) {
	f := newFixture(t, &testBackend{branches: testBranches})
	snap, _ := json.Marshal(testBranches[:1])
	f.store.Set(session.KeyBranchList, string(snap))
	f.sess.SetSelectedLocation("1")

	done := f.ctx.Start(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete")
	}
	if len(f.ctx.Branches()) != 3 {
		t.Errorf("expected refreshed list of 3, got %d", len(f.ctx.Branches()))
	}
	if f.ctx.State() != StateReady {
		t.Errorf("state = %v, want ready", f.ctx.State())
	}
}
