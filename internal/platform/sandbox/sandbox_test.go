package sandbox

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hms/hms-console/internal/branch"
	"github.com/hms/hms-console/internal/permission"
	"github.com/hms/hms-console/pkg/pagination"
)

func newSandbox(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(DefaultSeedConfig(), zerolog.Nop())
	srv := httptest.NewServer(s.Echo())
	t.Cleanup(srv.Close)
	return s, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestGenerateSeed_IsReproducible(t *testing.T) {
	a := GenerateSeed(SeedConfig{BranchCount: 3, UserCount: 4, RoleCount: 2, Seed: 7})
	b := GenerateSeed(SeedConfig{BranchCount: 3, UserCount: 4, RoleCount: 2, Seed: 7})

	if len(a.Branches) != 3 || len(a.Users) != 4 || len(a.Roles) != 2 {
		t.Fatalf("unexpected seed sizes: %d/%d/%d", len(a.Branches), len(a.Users), len(a.Roles))
	}
	if a.Users[0].Department != b.Users[0].Department {
		t.Error("same seed must produce the same data")
	}
	if a.Branches[0].Phone != b.Branches[0].Phone {
		t.Error("same seed must produce the same branch data")
	}
}

func TestUserBranches(t *testing.T) {
	_, srv := newSandbox(t)

	var branches []branch.Branch
	if code := getJSON(t, srv.URL+"/locations/user-branches", &branches); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(branches) != 3 {
		t.Fatalf("expected 3 branches, got %d", len(branches))
	}
	if branches[0].Name != "Main Hospital" || !branches[0].IsActive {
		t.Errorf("unexpected first branch: %+v", branches[0])
	}
}

func TestSwitchLocation(t *testing.T) {
	_, srv := newSandbox(t)

	resp, err := http.Post(srv.URL+"/auth/switch-location", "application/json",
		strings.NewReader(`{"userId":1,"locationId":2}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var body struct {
		UserInfo     map[string]any `json:"UserInfo"`
		SideMenu     []string       `json:"sidemenu"`
		ModuleAccess map[string]int `json:"moduleAccess"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UserInfo["username"] == "" {
		t.Error("expected user info in switch response")
	}
	if len(body.SideMenu) == 0 || len(body.ModuleAccess) == 0 {
		t.Error("expected sidemenu and module access snapshots")
	}
}

func TestSwitchLocation_UnknownTargets(t *testing.T) {
	_, srv := newSandbox(t)

	resp, _ := http.Post(srv.URL+"/auth/switch-location", "application/json",
		strings.NewReader(`{"userId":1,"locationId":999}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown location: status %d", resp.StatusCode)
	}

	resp, _ = http.Post(srv.URL+"/auth/switch-location", "application/json",
		strings.NewReader(`{"userId":999,"locationId":1}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown user: status %d", resp.StatusCode)
	}
}

func TestSwitchLocation_FailureMode(t *testing.T) {
	s, srv := newSandbox(t)
	s.FailSwitches = true

	resp, _ := http.Post(srv.URL+"/auth/switch-location", "application/json",
		strings.NewReader(`{"userId":1,"locationId":2}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status %d, want 500", resp.StatusCode)
	}
}

func TestUserDepartment_VariesByLocation(t *testing.T) {
	_, srv := newSandbox(t)

	var a, b struct {
		DepartmentName string `json:"departmentName"`
	}
	getJSON(t, srv.URL+"/settings/users/1/department?locationId=1", &a)
	getJSON(t, srv.URL+"/settings/users/1/department?locationId=2", &b)

	if a.DepartmentName == "" || b.DepartmentName == "" {
		t.Fatal("expected department names")
	}
}

func TestListRoles_LocationScoped(t *testing.T) {
	s, srv := newSandbox(t)

	var all, scoped pagination.Response[permission.Role]
	getJSON(t, srv.URL+"/settings/roles?includeModules=true", &all)
	if len(all.Data) == 0 {
		t.Fatal("expected seeded roles")
	}
	if all.Total != len(all.Data) {
		t.Errorf("total = %d, want %d", all.Total, len(all.Data))
	}

	loc := all.Data[0].LocationID
	getJSON(t, srv.URL+"/settings/roles?locationId="+itoa(loc), &scoped)
	for _, r := range scoped.Data {
		if r.LocationID != loc {
			t.Errorf("role %d leaked across locations: %+v", r.ID, r)
		}
	}

	// includeModules derives the display-only module list from grants.
	if len(s.Grants(all.Data[0].ID)) > 0 && len(all.Data[0].Modules) == 0 {
		t.Error("expected module names on role with grants")
	}
}

func TestListRoles_Paginates(t *testing.T) {
	_, srv := newSandbox(t)

	var first, second pagination.Response[permission.Role]
	getJSON(t, srv.URL+"/settings/roles?limit=2&offset=0", &first)
	getJSON(t, srv.URL+"/settings/roles?limit=2&offset=2", &second)

	if len(first.Data) != 2 || !first.HasMore {
		t.Errorf("first page = %d roles, has_more=%v", len(first.Data), first.HasMore)
	}
	if len(second.Data) != 1 || second.HasMore {
		t.Errorf("second page = %d roles, has_more=%v", len(second.Data), second.HasMore)
	}
	if first.Total != 3 || second.Total != 3 {
		t.Errorf("totals = %d/%d, want 3", first.Total, second.Total)
	}

	// Past the end: an empty page, never null.
	var empty pagination.Response[permission.Role]
	getJSON(t, srv.URL+"/settings/roles?limit=2&offset=10", &empty)
	if empty.Data == nil || len(empty.Data) != 0 {
		t.Errorf("expected empty data array, got %+v", empty.Data)
	}
}

func TestPermissionsRoundTrip(t *testing.T) {
	s, srv := newSandbox(t)

	var tree []permission.Module
	getJSON(t, srv.URL+"/settings/roles/1/permissions", &tree)
	if len(tree) == 0 {
		t.Fatal("expected annotated tree")
	}

	records := permission.FlattenForEdit(1, tree)
	body, _ := json.Marshal(map[string]any{"permissions": records})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/settings/roles/1/permissions", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	if got := len(s.Grants(1)); got != len(records) {
		t.Errorf("stored %d records, want %d", got, len(records))
	}
}

func TestCreateAndUpdateRole(t *testing.T) {
	_, srv := newSandbox(t)

	resp, err := http.Post(srv.URL+"/settings/roles", "application/json",
		strings.NewReader(`{"name":"Auditor","locationId":1,"isActive":true}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var created permission.Role
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.ID == 0 {
		t.Fatalf("create failed: status %d, role %+v", resp.StatusCode, created)
	}

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/settings/roles/"+itoa(created.ID),
		strings.NewReader(`{"name":"Senior Auditor","isActive":false}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	var updated permission.Role
	json.NewDecoder(resp.Body).Decode(&updated)
	resp.Body.Close()
	if updated.Name != "Senior Auditor" || updated.IsActive {
		t.Errorf("patch not applied: %+v", updated)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
