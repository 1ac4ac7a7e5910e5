package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/hypervisor"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/lifecycle"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/machines"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/payloads"
	ws "github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/websocket"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/auth"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/testutil"
)

var (
	testSecret       = []byte("handlers-test-secret")
	testServiceToken = "service-test-token"
)

type apiFixture struct {
	srv  *httptest.Server
	mock sqlmock.Sqlmock
	hv   *testutil.FakeHypervisor
}

// newAPIFixture assembles the full HTTP surface over a mocked directory
// and a fake hypervisor, mirroring the production wiring.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	store := machines.NewStore(db, logger)
	loading := machines.NewLoadingTracker()
	hv := testutil.NewFakeHypervisor()
	providers := payloads.NewProviders(hv, store, loading, logger)

	machineScope := ws.NewScope("machine",
		func(_ context.Context, id string) ([]string, error) { return []string{id}, nil },
		[]ws.Kind{ws.KindState, ws.KindDisks}, false, providers, logger, nil)
	accountScope := ws.NewScope("account",
		func(ctx context.Context, userID string) ([]string, error) {
			return store.UserMachineIDs(ctx, userID)
		},
		[]ws.Kind{ws.KindState, ws.KindDisks, ws.KindConnections}, true, providers, logger, nil)
	globalScope := ws.NewScope("global",
		func(ctx context.Context, _ struct{}) ([]string, error) {
			return store.AllMachineIDs(ctx)
		},
		[]ws.Kind{ws.KindState, ws.KindDisks}, true, providers, logger, nil)

	broadcaster := ws.NewBroadcaster(
		[]ws.ScopeRunner{machineScope, accountScope, globalScope},
		ws.DefaultIntervals(), logger)
	orch := ws.NewOrchestrator(machineScope, accountScope, globalScope, store, providers, broadcaster, logger)
	connections := ws.NewConnectionManager()
	manager := lifecycle.NewManager(hv, store, loading, orch, lifecycle.DefaultConfig(), logger)

	h := NewHandlers(manager, store, orch, connections, Config{
		JWTSecret:      testSecret,
		SendQueue:      16,
		AllowedOrigins: []string{"*"},
	}, logger, nil)

	router := gin.New()
	RegisterRoutes(router, h, testSecret, testServiceToken)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, mock: mock, hv: hv}
}

func userToken(t *testing.T, userID string, permissions ...string) string {
	t.Helper()
	token, err := auth.GenerateJWT(userID, userID+"@example.com", permissions, testSecret)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, raw
}

// expectMachineLookup queues the row and linked-users queries store.Machine
// issues.
func (f *apiFixture) expectMachineLookup(id string, users ...string) {
	f.mock.ExpectQuery(`SELECT uuid, name, title, description`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(testutil.MachineColumns).
			AddRow(testutil.MachineRow(testutil.TestMachine(id))...))
	userRows := sqlmock.NewRows([]string{"user_uuid"})
	for _, u := range users {
		userRows.AddRow(u)
	}
	f.mock.ExpectQuery(`SELECT user_uuid FROM machine_users`).
		WithArgs(id).
		WillReturnRows(userRows)
}

func TestRESTRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/machines", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestGetMachineNotFoundTakesPrecedenceOverAccess(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "user-1")

	// Unknown machine: even an unlinked caller sees 404, not an access
	// error.
	f.mock.ExpectQuery(`SELECT uuid, name, title, description`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(testutil.MachineColumns))

	resp, _ := f.do(t, http.MethodGet, "/api/machines/ghost", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetMachineNotManagedForUnlinkedCaller(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "stranger")

	f.expectMachineLookup("m1", "user-1")
	f.mock.ExpectQuery(`SELECT 1 FROM machine_users`).
		WithArgs("m1", "stranger").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	resp, raw := f.do(t, http.MethodGet, "/api/machines/m1", token, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", resp.StatusCode, raw)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error != "machine not managed" {
		t.Fatalf("expected machine not managed error, got %s", raw)
	}
}

func TestGetMachineForLinkedCaller(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "user-1")

	f.expectMachineLookup("m1", "user-1")
	f.mock.ExpectQuery(`SELECT 1 FROM machine_users`).
		WithArgs("m1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	resp, raw := f.do(t, http.MethodGet, "/api/machines/m1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var body struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.UUID != "m1" || body.Name != "test-vm" {
		t.Fatalf("unexpected body: %s", raw)
	}
}

func TestCreateMachineRequiresManagePermission(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "user-1", models.PermissionViewAllVMs)

	resp, _ := f.do(t, http.MethodPost, "/api/machines", token, map[string]interface{}{
		"name": "lab", "os": "debian12", "vcpu": 1, "ram_max_mib": 1024,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestCreateMachineAsAdmin(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "admin-1", models.PermissionManageAllVMs)

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT INTO machines`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO machine_users`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	resp, raw := f.do(t, http.MethodPost, "/api/machines", token, map[string]interface{}{
		"name": "lab", "os": "debian12", "vcpu": 2, "ram_max_mib": 2048,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, raw)
	}
	var body struct {
		UUIDs []string `json:"uuids"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.UUIDs) != 1 {
		t.Fatalf("unexpected body: %s", raw)
	}
	if f.hv.Domain(body.UUIDs[0]) == nil {
		t.Fatalf("expected domain defined on hypervisor")
	}
}

func TestStartMachineConflictWhenAlreadyRunning(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "admin-1", models.PermissionManageAllVMs)
	f.hv.AddDomain(testutil.FakeDomain{UUID: "m1", State: hypervisor.StateRunning})

	// authorizeManage and the lifecycle manager each look the machine up.
	f.expectMachineLookup("m1", "user-1")
	f.expectMachineLookup("m1", "user-1")

	resp, raw := f.do(t, http.MethodPost, "/api/machines/m1/start", token, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, raw)
	}
}

func TestStopMachineConflictWhenNotRunning(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "admin-1", models.PermissionManageAllVMs)
	f.hv.AddDomain(testutil.FakeDomain{UUID: "m1", State: hypervisor.StateShutoff})

	f.expectMachineLookup("m1", "user-1")
	f.expectMachineLookup("m1", "user-1")

	resp, _ := f.do(t, http.MethodPost, "/api/machines/m1/stop", token, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestStartMachineAsLinkedUser(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "user-1")
	f.hv.AddDomain(testutil.FakeDomain{UUID: "m1", State: hypervisor.StateShutoff})

	f.expectMachineLookup("m1", "user-1")
	f.mock.ExpectQuery(`SELECT 1 FROM machine_users`).
		WithArgs("m1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	f.expectMachineLookup("m1", "user-1")
	f.mock.ExpectExec(`UPDATE machines SET boot_timestamp`).
		WithArgs("m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp, raw := f.do(t, http.MethodPost, "/api/machines/m1/start", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	if f.hv.Domain("m1").State != hypervisor.StateRunning {
		t.Fatalf("expected machine started")
	}
}

func TestDeleteMachineRequiresManagePermission(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "user-1")

	resp, _ := f.do(t, http.MethodDelete, "/api/machines/m1", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestAdminEndpointsRequireServiceToken(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/admin/sessions", userToken(t, "user-1"), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for user token on service surface, got %d", resp.StatusCode)
	}

	resp, raw := f.do(t, http.MethodGet, "/api/admin/sessions", testServiceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var counts struct {
		Machine int `json:"machine"`
		Account int `json:"account"`
		Global  int `json:"global"`
	}
	if err := json.Unmarshal(raw, &counts); err != nil {
		t.Fatalf("unexpected body: %s", raw)
	}
}

func TestListMachinesScopedToCaller(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "user-1")

	f.mock.ExpectQuery(`WHERE uuid IN \(SELECT machine_uuid FROM machine_users`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(testutil.MachineColumns).
			AddRow(testutil.MachineRow(testutil.TestMachine("m1"))...))

	resp, raw := f.do(t, http.MethodGet, "/api/machines", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var body struct {
		Machines []struct {
			UUID string `json:"uuid"`
		} `json:"machines"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Machines) != 1 {
		t.Fatalf("unexpected body: %s", raw)
	}
}

func TestModifyMachineRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	token := userToken(t, "admin-1", models.PermissionManageAllVMs)

	req, _ := http.NewRequest(http.MethodPatch, f.srv.URL+"/api/machines/m1", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newAPIFixture(t)
	token, err := auth.GenerateJWTWithTTL("user-1", "user-1@example.com", nil, testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	resp, _ := f.do(t, http.MethodGet, "/api/machines", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
