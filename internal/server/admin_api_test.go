package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/vulnz/vulnz/internal/database"
)

func TestUserAdminCRUD(t *testing.T) {
	ts := newTestServer(t)
	admin, adminKey := ts.createUser("admin@example.com", database.RoleAdministrator)

	w := ts.do(http.MethodPost, "/api/users", UserRequest{
		Username: strPtr("Staff@Example.com"),
		Password: strPtr(testPassword),
	}, adminKey)
	expectStatus(t, w, http.StatusCreated)
	created := decode[UserResponse](t, w)
	if created.Username != "staff@example.com" || created.ReportingWeekday != "MON" {
		t.Errorf("unexpected user %+v", created)
	}
	if len(created.Roles) != 1 || created.Roles[0] != database.RoleUser {
		t.Errorf("new users should default to the user role, got %v", created.Roles)
	}

	expectStatus(t, ts.do(http.MethodPost, "/api/users", UserRequest{
		Username: strPtr("staff@example.com"),
		Password: strPtr(testPassword),
	}, adminKey), http.StatusConflict)
	expectStatus(t, ts.do(http.MethodPost, "/api/users", UserRequest{
		Username: strPtr("other@example.com"),
		Password: strPtr(testPassword),
		Roles:    []string{"superuser"},
	}, adminKey), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodPost, "/api/users", UserRequest{Username: strPtr("x@example.com")}, adminKey), http.StatusBadRequest)

	limit := int64(3)
	w = ts.do(http.MethodPut, "/api/users/"+itoa(created.ID), UserRequest{
		MaxWebsites: &limit,
		Roles:       []string{database.RoleUser, database.RoleAdministrator},
	}, adminKey)
	expectStatus(t, w, http.StatusOK)
	updated := decode[UserResponse](t, w)
	if updated.MaxWebsites == nil || *updated.MaxWebsites != 3 || len(updated.Roles) != 2 {
		t.Errorf("unexpected update result %+v", updated)
	}

	w = ts.do(http.MethodGet, "/api/users", nil, adminKey)
	expectStatus(t, w, http.StatusOK)
	if list := decode[[]UserResponse](t, w); len(list) != 2 {
		t.Errorf("expected 2 users, got %d", len(list))
	}

	expectStatus(t, ts.do(http.MethodDelete, "/api/users/"+itoa(admin.ID), nil, adminKey), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodDelete, "/api/users/"+itoa(created.ID), nil, adminKey), http.StatusNoContent)
	expectStatus(t, ts.do(http.MethodGet, "/api/users/"+itoa(created.ID), nil, adminKey), http.StatusNotFound)
}

func TestUserSelfUpdate(t *testing.T) {
	ts := newTestServer(t)
	u, key := ts.createUser("user@example.com")
	other, _ := ts.createUser("other@example.com")
	path := "/api/users/" + itoa(u.ID)

	w := ts.do(http.MethodPut, path, UserRequest{
		ReportingWeekday: strPtr("fri"),
		ReportingEmail:   strPtr("reports@example.com"),
		Paused:           boolPtr(true),
	}, key)
	expectStatus(t, w, http.StatusOK)
	got := decode[UserResponse](t, w)
	if got.ReportingWeekday != "FRI" || !got.Paused || got.ReportingEmail == nil || *got.ReportingEmail != "reports@example.com" {
		t.Errorf("unexpected self update %+v", got)
	}

	tests := []struct {
		name   string
		req    UserRequest
		status int
	}{
		{"bad weekday", UserRequest{ReportingWeekday: strPtr("FUNDAY")}, http.StatusBadRequest},
		{"bad reporting email", UserRequest{ReportingEmail: strPtr("not-an-email")}, http.StatusBadRequest},
		{"password", UserRequest{Password: strPtr("An0therPass")}, http.StatusBadRequest},
		{"blocked", UserRequest{Blocked: boolPtr(true)}, http.StatusForbidden},
		{"roles", UserRequest{Roles: []string{database.RoleAdministrator}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, ts.do(http.MethodPut, path, tt.req, key), tt.status)
		})
	}

	expectStatus(t, ts.do(http.MethodGet, "/api/users/"+itoa(other.ID), nil, key), http.StatusNotFound)
	expectStatus(t, ts.do(http.MethodGet, "/api/users", nil, key), http.StatusForbidden)
}

func TestAdminCannotBlockThemselves(t *testing.T) {
	ts := newTestServer(t)
	admin, key := ts.createUser("admin@example.com", database.RoleAdministrator)

	expectStatus(t, ts.do(http.MethodPut, "/api/users/"+itoa(admin.ID),
		UserRequest{Blocked: boolPtr(true)}, key), http.StatusBadRequest)
}

func TestAPIKeys(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.createUser("user@example.com")

	expectStatus(t, ts.do(http.MethodPost, "/api/api-keys", map[string]string{"name": " "}, key), http.StatusBadRequest)

	w := ts.do(http.MethodPost, "/api/api-keys", map[string]string{"name": "deploy"}, key)
	expectStatus(t, w, http.StatusCreated)
	created := decode[APIKeyResponse](t, w)
	if created.Key == "" {
		t.Fatal("the new key should be returned once")
	}
	expectStatus(t, ts.do(http.MethodGet, "/api/auth/me", nil, created.Key), http.StatusOK)

	w = ts.do(http.MethodGet, "/api/api-keys", nil, key)
	expectStatus(t, w, http.StatusOK)
	keys := decode[[]APIKeyResponse](t, w)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	for _, k := range keys {
		if k.Key != "" {
			t.Errorf("listed key %d exposes its secret", k.ID)
		}
	}

	expectStatus(t, ts.do(http.MethodDelete, "/api/api-keys/"+itoa(created.ID), nil, key), http.StatusNoContent)
	expectStatus(t, ts.do(http.MethodGet, "/api/auth/me", nil, created.Key), http.StatusUnauthorized)
}

func TestSettings(t *testing.T) {
	ts := newTestServer(t)
	_, adminKey := ts.createUser("admin@example.com", database.RoleAdministrator)
	_, userKey := ts.createUser("user@example.com")

	expectStatus(t, ts.do(http.MethodGet, "/api/settings", nil, userKey), http.StatusForbidden)

	w := ts.do(http.MethodGet, "/api/settings/reporting.enabled", nil, adminKey)
	expectStatus(t, w, http.StatusOK)
	if st := decode[SettingResponse](t, w); st.ValueType != "boolean" || !st.IsSystem {
		t.Errorf("unexpected seeded setting %+v", st)
	}

	w = ts.do(http.MethodPut, "/api/settings/reporting.enabled", SettingRequest{Value: "false"}, adminKey)
	expectStatus(t, w, http.StatusOK)
	if st := decode[SettingResponse](t, w); st.Value != "false" || st.ValueType != "boolean" {
		t.Errorf("setting should keep its type: %+v", st)
	}

	expectStatus(t, ts.do(http.MethodPut, "/api/settings/reporting.enabled", SettingRequest{Value: "lots"}, adminKey), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodDelete, "/api/settings/reporting.enabled", nil, adminKey), http.StatusForbidden)

	expectStatus(t, ts.do(http.MethodGet, "/api/settings/reporting.batch_size", nil, adminKey), http.StatusNotFound)
	w = ts.do(http.MethodPut, "/api/settings/reporting.batch_size", SettingRequest{Value: "25", ValueType: "integer"}, adminKey)
	expectStatus(t, w, http.StatusOK)
	expectStatus(t, ts.do(http.MethodDelete, "/api/settings/reporting.batch_size", nil, adminKey), http.StatusNoContent)

	w = ts.do(http.MethodPut, "/api/settings/custom.flag", SettingRequest{Value: "true", ValueType: "boolean"}, adminKey)
	expectStatus(t, w, http.StatusOK)
	expectStatus(t, ts.do(http.MethodDelete, "/api/settings/custom.flag", nil, adminKey), http.StatusNoContent)
	expectStatus(t, ts.do(http.MethodGet, "/api/settings/custom.flag", nil, adminKey), http.StatusNotFound)
}

func TestRolesAndLogsAreAdminOnly(t *testing.T) {
	ts := newTestServer(t)
	_, adminKey := ts.createUser("admin@example.com", database.RoleAdministrator)
	_, userKey := ts.createUser("user@example.com")

	for _, path := range []string{"/api/roles", "/api/logs"} {
		expectStatus(t, ts.do(http.MethodGet, path, nil, userKey), http.StatusForbidden)
		expectStatus(t, ts.do(http.MethodGet, path, nil, adminKey), http.StatusOK)
	}
}

func TestSummaryEmailAndArchive(t *testing.T) {
	ts := newTestServer(t)
	u, key := ts.createUser("user@example.com")
	other, _ := ts.createUser("other@example.com")
	_, adminKey := ts.createUser("admin@example.com", database.RoleAdministrator)

	w := ts.do(http.MethodPost, "/api/reports/summary-email", nil, key)
	expectStatus(t, w, http.StatusOK)
	if msg := decode[MessageResponse](t, w); !strings.Contains(msg.Message, "user@example.com") {
		t.Errorf("unexpected message %q", msg.Message)
	}
	sent := ts.mailer.messages()
	if len(sent) != 1 || sent[0].To != "user@example.com" {
		t.Fatalf("unexpected messages %+v", sent)
	}

	refreshed, err := ts.db.GetUser(context.Background(), u.ID)
	if err != nil || !refreshed.LastSummarySentAt.Valid {
		t.Errorf("last summary time not recorded: %v", err)
	}

	expectStatus(t, ts.do(http.MethodPost, "/api/reports/summary-email",
		map[string]int64{"user_id": other.ID}, key), http.StatusForbidden)
	expectStatus(t, ts.do(http.MethodPost, "/api/reports/summary-email",
		map[string]int64{"user_id": other.ID}, adminKey), http.StatusOK)

	w = ts.do(http.MethodGet, "/api/reports", nil, key)
	expectStatus(t, w, http.StatusOK)
	reports := decode[[]ArchivedReport](t, w)
	if len(reports) != 1 {
		t.Fatalf("expected 1 archived report, got %d", len(reports))
	}

	w = ts.do(http.MethodGet, "/api/reports/"+reports[0].Date, nil, key)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "<html") {
		t.Errorf("archived report is not HTML: %q", w.Body.String())
	}

	expectStatus(t, ts.do(http.MethodGet, "/api/reports/yesterday", nil, key), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodGet, "/api/reports/1999-01-01", nil, key), http.StatusNotFound)
}

func TestSummaryEmailFailure(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.createUser("user@example.com")
	ts.mailer.err = errTestMail

	expectStatus(t, ts.do(http.MethodPost, "/api/reports/summary-email", nil, key), http.StatusBadGateway)

	logs, err := ts.db.ListEmailLogs(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListEmailLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != database.EmailFailed {
		t.Errorf("unexpected email logs %+v", logs)
	}
}

var errTestMail = errors.New("smtp unavailable")

func boolPtr(b bool) *bool { return &b }
