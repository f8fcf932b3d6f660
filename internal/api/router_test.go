package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/athens-ehs/athens/internal/api"
	"github.com/athens-ehs/athens/internal/api/handler"
	"github.com/athens-ehs/athens/internal/api/middleware"
	"github.com/athens-ehs/athens/internal/config"
	"github.com/athens-ehs/athens/internal/db"
	"github.com/athens-ehs/athens/internal/health"
	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/notify"
	"github.com/athens-ehs/athens/internal/seed"
	"github.com/athens-ehs/athens/internal/tenantdb"
	"github.com/athens-ehs/athens/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const testJWTSecret = "api-test-secret"

type apiFixture struct {
	t       *testing.T
	srv     *httptest.Server
	control *gorm.DB
	router  *tenantdb.Router
	tenantA string
	tenantB string
}

func newAPIFixture(t *testing.T, lookupPerMin int) *apiFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	control, err := db.OpenSQLite(filepath.Join(dir, "control.db"))
	require.NoError(t, err)

	a := &model.TenantCompany{Name: "acme", DisplayName: "ACME"}
	b := &model.TenantCompany{Name: "globex", DisplayName: "Globex"}
	require.NoError(t, control.Create(a).Error)
	require.NoError(t, control.Create(b).Error)
	require.NoError(t, control.Create(&model.TenantDatabaseConfig{TenantID: a.ID, ConnectionKey: "acme"}).Error)
	require.NoError(t, control.Create(&model.TenantDatabaseConfig{TenantID: b.ID, ConnectionKey: "globex"}).Error)

	dbCfg := &config.DBConfig{Driver: "sqlite", TenantDir: filepath.Join(dir, "tenants")}
	router, err := tenantdb.New(context.Background(), control, dbCfg, log)
	require.NoError(t, err)

	require.NoError(t, seed.EnsureSuperadmin(context.Background(), control,
		seed.SuperadminOptions{Email: "root@athens.local", Password: "rootpass"}, log))

	dispatcher := webhook.New(log, time.Second, 1, nil)
	hub := notify.NewHub(log)
	notifier := notify.NewService(log, hub)

	handlers := api.Handlers{
		Health:       health.New(db.NewPinger(control)),
		Auth:         handler.NewAuthHandler(control, router, testJWTSecret, 15*time.Minute, time.Hour, log),
		ControlPlane: handler.NewControlPlaneHandler(control, router, log),
		Project:      handler.NewProjectHandler(log),
		Permit:       handler.NewPermitHandler(dispatcher, notifier, log),
		Sync:         handler.NewSyncHandler(dispatcher, notifier, log),
		Notification: handler.NewNotificationHandler(hub, log),
		WebhookAdmin: handler.NewWebhookAdminHandler(dispatcher, log),
	}
	limiters := api.Limiters{
		TenantLookup:  middleware.NewKeyedLimiter(lookupPerMin),
		Sync:          middleware.NewKeyedLimiter(100),
		Notifications: middleware.NewKeyedLimiter(100),
	}
	t.Cleanup(limiters.TenantLookup.Stop)
	t.Cleanup(limiters.Sync.Stop)
	t.Cleanup(limiters.Notifications.Stop)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, handlers, limiters, testJWTSecret, router)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiFixture{t: t, srv: srv, control: control, router: router, tenantA: a.ID, tenantB: b.ID}
}

func (f *apiFixture) tenantDB(tenantID string) *gorm.DB {
	f.t.Helper()
	tdb, err := f.router.Resolve(context.Background(), tenantID)
	require.NoError(f.t, err)
	return tdb
}

func (f *apiFixture) addUser(tenantID, email, userType, adminType, grade string) *model.User {
	f.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(f.t, err)
	u := &model.User{
		Username:       email,
		Email:          email,
		PasswordHash:   string(hash),
		UserType:       userType,
		AdminType:      adminType,
		Grade:          grade,
		AthensTenantID: tenantID,
		Active:         true,
	}
	require.NoError(f.t, f.tenantDB(tenantID).Create(u).Error)
	return u
}

func (f *apiFixture) addProject(tenantID, name string) *model.Project {
	f.t.Helper()
	p := &model.Project{Name: name, AthensTenantID: tenantID}
	require.NoError(f.t, f.tenantDB(tenantID).Create(p).Error)
	return p
}

func (f *apiFixture) do(method, path, token string, body any) *http.Response {
	f.t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, buf)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) login(tenantID, email string) string {
	f.t.Helper()
	resp := f.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"tenant_id": tenantID,
		"email":     email,
		"password":  "hunter22",
	})
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	body := decodeBody(f.t, resp)
	token, _ := body["access_token"].(string)
	require.NotEmpty(f.t, token)
	return token
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t, 5)

	resp := f.do(http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Trailing-slash variant answers too.
	resp = f.do(http.MethodGet, "/api/v1/ready/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestTenantLoginFlow(t *testing.T) {
	f := newAPIFixture(t, 5)
	f.addUser(f.tenantA, "amy@acme.test", model.UserTypeMaster, model.AdminTypeMaster, model.GradeA)

	token := f.login(f.tenantA, "amy@acme.test")
	resp := f.do(http.MethodGet, "/api/v1/projects", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Wrong password never authenticates.
	resp = f.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"tenant_id": f.tenantA,
		"email":     "amy@acme.test",
		"password":  "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// No token, no data plane.
	resp = f.do(http.MethodGet, "/api/v1/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestCompanyIsolation(t *testing.T) {
	f := newAPIFixture(t, 5)
	f.addUser(f.tenantA, "amy@acme.test", model.UserTypeMaster, model.AdminTypeMaster, model.GradeA)
	f.addUser(f.tenantB, "bob@globex.test", model.UserTypeMaster, model.AdminTypeMaster, model.GradeA)
	f.addProject(f.tenantA, "Acme Refinery")
	f.addProject(f.tenantB, "Globex Plant")

	tokenA := f.login(f.tenantA, "amy@acme.test")
	resp := f.do(http.MethodGet, "/api/v1/projects", tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	projects := body["projects"].([]any)
	require.Len(t, projects, 1)
	first := projects[0].(map[string]any)
	assert.Equal(t, "Acme Refinery", first["Name"])
}

func TestTenantLookupRateLimited(t *testing.T) {
	f := newAPIFixture(t, 3)
	f.addUser(f.tenantA, "amy@acme.test", model.UserTypeMaster, model.AdminTypeMaster, model.GradeA)

	var last *http.Response
	for i := 0; i < 4; i++ {
		if last != nil {
			last.Body.Close()
		}
		last = f.do(http.MethodPost, "/api/v1/control-plane/tenant-lookup", "", map[string]string{
			"email": "amy@acme.test",
		})
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
	last.Body.Close()
}

func TestTenantLookupFindsMemberships(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.addUser(f.tenantA, "amy@acme.test", model.UserTypeMaster, model.AdminTypeMaster, model.GradeA)
	require.NoError(t, f.control.Create(&model.TenantInvitation{
		TenantID: f.tenantB,
		Email:    "amy@acme.test",
		Token:    "tok-1",
	}).Error)

	resp := f.do(http.MethodPost, "/api/v1/control-plane/tenant-lookup", "", map[string]string{
		"email": "amy@acme.test",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	tenants := body["tenants"].([]any)
	assert.Len(t, tenants, 2)

	// Unknown emails return an empty list, not an error.
	resp = f.do(http.MethodPost, "/api/v1/control-plane/tenant-lookup", "", map[string]string{
		"email": "nobody@nowhere.test",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Empty(t, body["tenants"])
}

func TestControlPlaneRequiresSuperadmin(t *testing.T) {
	f := newAPIFixture(t, 5)
	f.addUser(f.tenantA, "amy@acme.test", model.UserTypeMaster, model.AdminTypeMaster, model.GradeA)
	tokenA := f.login(f.tenantA, "amy@acme.test")

	resp := f.do(http.MethodGet, "/api/v1/control-plane/tenants", tokenA, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestPermitWorkflowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, 5)
	f.addUser(f.tenantA, "amy@acme.test", model.UserTypeMaster, model.AdminTypeMaster, model.GradeA)
	project := f.addProject(f.tenantA, "Acme Refinery")

	pt := &model.PermitType{
		Name:           "Cold Work",
		ValidityHours:  8,
		AthensTenantID: f.tenantA,
	}
	require.NoError(t, f.tenantDB(f.tenantA).Create(pt).Error)

	token := f.login(f.tenantA, "amy@acme.test")
	now := time.Now().UTC().Truncate(time.Second)

	resp := f.do(http.MethodPost, "/api/v1/ptw/permits/", token, map[string]any{
		"permit_type_id":     pt.ID,
		"project_id":         project.ID,
		"description":        "replace pump seals",
		"hazards":            []string{"rotating equipment"},
		"planned_start_time": now.Add(time.Hour),
		"planned_end_time":   now.Add(4 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	permitID := created["ID"].(string)
	require.NotEmpty(t, permitID)
	assert.Equal(t, "draft", created["Status"])

	resp = f.do(http.MethodPost, fmt.Sprintf("/api/v1/ptw/permits/%s/submit/", permitID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	submitted := decodeBody(t, resp)
	assert.Equal(t, "submitted", submitted["Status"])

	// Stale version guard returns a conflict with the current version.
	resp = f.do(http.MethodPost,
		fmt.Sprintf("/api/v1/ptw/permits/%s/submit/?expected_version=1", permitID), token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Dashboard counts within the caller's visibility.
	resp = f.do(http.MethodGet, "/api/v1/ptw/permits/health/", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dash := decodeBody(t, resp)
	assert.Equal(t, float64(1), dash["total"])
}
