package permission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hms/hms-console/internal/platform/api"
	"github.com/hms/hms-console/pkg/pagination"
)

func newService(t *testing.T, handler http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := api.NewClient(api.Config{BaseURL: srv.URL, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return NewService(client, zerolog.Nop())
}

func TestListRoles_ScopesToLocation(t *testing.T) {
	var gotLocation, gotInclude, gotLimit string
	svc := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLocation = r.URL.Query().Get("locationId")
		gotInclude = r.URL.Query().Get("includeModules")
		gotLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode(pagination.NewResponse([]Role{
			{ID: 1, Name: "Receptionist", LocationID: 2, IsActive: true, Modules: []string{"Front Office"}},
		}, 75, 50, 0))
	}))

	page, err := svc.ListRoles(context.Background(), "2", pagination.Params{Limit: 50})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotLocation != "2" || gotInclude != "true" || gotLimit != "50" {
		t.Errorf("query: locationId=%q includeModules=%q limit=%q", gotLocation, gotInclude, gotLimit)
	}
	if len(page.Data) != 1 || page.Data[0].Name != "Receptionist" {
		t.Errorf("roles = %+v", page.Data)
	}
	if page.Total != 75 || !page.HasMore {
		t.Errorf("envelope = %+v, want total 75 with more pages", page)
	}
}

func TestSavePermissions_SendsFullReplacement(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody struct {
		Permissions []Permission `json:"permissions"`
	}
	svc := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))

	records := []Permission{
		{ModuleID: 2, SubModuleID: sub(21), View: 1, Add: 1},
		{ModuleID: 3, View: 1},
	}
	if err := svc.SavePermissions(context.Background(), 9, records); err != nil {
		t.Fatalf("save: %v", err)
	}

	if gotMethod != http.MethodPut || gotPath != "/settings/roles/9/permissions" {
		t.Errorf("got %s %s", gotMethod, gotPath)
	}
	if len(gotBody.Permissions) != 2 {
		t.Fatalf("expected full record list, got %d", len(gotBody.Permissions))
	}
	for _, r := range gotBody.Permissions {
		if r.RoleID != 9 {
			t.Errorf("record not tagged with role id: %+v", r)
		}
	}
}

func TestCreateRole_CreatesThenSavesWithNewID(t *testing.T) {
	var savedTo string
	svc := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/settings/roles":
			var role Role
			json.NewDecoder(r.Body).Decode(&role)
			role.ID = 42
			json.NewEncoder(w).Encode(role)
		case r.Method == http.MethodPut:
			savedTo = r.URL.Path
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))

	created, err := svc.CreateRole(context.Background(),
		Role{Name: "Pharmacist", LocationID: 2, IsActive: true},
		[]Permission{{ModuleID: 3, View: 1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 42 {
		t.Errorf("created id = %d, want 42", created.ID)
	}
	if savedTo != "/settings/roles/42/permissions" {
		t.Errorf("permissions saved to %q", savedTo)
	}
}

func TestSavePermissions_FailureLeavesDraftUsable(t *testing.T) {
	svc := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	}))

	draft := []Permission{{ModuleID: 3, View: 1}}
	err := svc.SavePermissions(context.Background(), 9, draft)
	if err == nil {
		t.Fatal("expected save failure")
	}
	if api.KindOf(err) != api.KindServer {
		t.Errorf("expected typed server error, got %v", err)
	}
	// The draft slice is intact (role id tagging aside) for a retry.
	if len(draft) != 1 || draft[0].ModuleID != 3 || draft[0].View != 1 {
		t.Errorf("draft mutated: %+v", draft)
	}
}

func TestLoadTree_DecodesAnnotatedTree(t *testing.T) {
	svc := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settings/roles/9/permissions" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(testTree())
	}))

	tree, err := svc.LoadTree(context.Background(), 9)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tree) != 3 || len(tree[1].SubModules) != 3 {
		t.Errorf("unexpected tree shape: %+v", tree)
	}
}

func TestUpdateRole_PatchesThenReplaces(t *testing.T) {
	var calls []string
	svc := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Write([]byte(`{}`))
	}))

	err := svc.UpdateRole(context.Background(),
		Role{ID: 9, Name: "Nurse", LocationID: 2, IsActive: true},
		[]Permission{{ModuleID: 3, View: 1}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := []string{"PATCH /settings/roles/9", "PUT /settings/roles/9/permissions"}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}
