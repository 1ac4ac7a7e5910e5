package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/handlers"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/hypervisor"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/lifecycle"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/machines"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/payloads"
	ws "github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/websocket"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/auth"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/testutil"
)

var (
	jwtSecret    = []byte("integration-secret")
	serviceToken = "integration-service-token"
)

type stack struct {
	srv  *httptest.Server
	mock sqlmock.Sqlmock
	hv   *testutil.FakeHypervisor
}

// newStack wires the whole service the way cmd/cherryd does, over a
// mocked directory and a fake hypervisor. Broadcast loops stay off; the
// flow under test is event driven.
func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
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

	h := handlers.NewHandlers(manager, store, orch, connections, handlers.Config{
		JWTSecret:      jwtSecret,
		SendQueue:      32,
		AllowedOrigins: []string{"*"},
	}, logger, nil)

	router := gin.New()
	handlers.RegisterRoutes(router, h, jwtSecret, serviceToken)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &stack{srv: srv, mock: mock, hv: hv}
}

func (s *stack) expectMachineLookup(id string, users ...string) {
	s.mock.ExpectQuery(`SELECT uuid, name, title, description`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(testutil.MachineColumns).
			AddRow(testutil.MachineRow(testutil.TestMachine(id))...))
	s.expectLinkedUsers(id, users...)
}

func (s *stack) expectLinkedUsers(id string, users ...string) {
	rows := sqlmock.NewRows([]string{"user_uuid"})
	for _, u := range users {
		rows.AddRow(u)
	}
	s.mock.ExpectQuery(`SELECT user_uuid FROM machine_users`).
		WithArgs(id).
		WillReturnRows(rows)
}

func (s *stack) request(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

// TestMachineLifecycleFlow walks a machine through start and delete via
// the REST API and verifies subscribers on the machine and account scopes
// see every transition in order.
func TestMachineLifecycleFlow(t *testing.T) {
	s := newStack(t)

	adminToken, err := auth.GenerateJWT("admin-1", "admin@example.com",
		[]string{models.PermissionViewAllVMs, models.PermissionManageAllVMs}, jwtSecret)
	require.NoError(t, err)
	userToken, err := auth.GenerateJWT("user-1", "user@example.com", nil, jwtSecret)
	require.NoError(t, err)

	s.hv.AddDomain(testutil.FakeDomain{UUID: "m1", Name: "test-vm"})

	// Machine-scope subscriber (admin watching m1).
	machineWS, _, err := testutil.DialWS(s.srv.URL, "/ws/machines/subscribed/m1", adminToken)
	require.NoError(t, err)
	defer machineWS.Close()

	snapshot, err := machineWS.ReadEnvelopes(3, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeDataStatic, snapshot[0].Type)
	assert.Equal(t, cherryd.TypeDataDynamic, snapshot[1].Type)
	assert.Equal(t, cherryd.TypeDataDynamicDisks, snapshot[2].Type)

	// Account-scope subscriber (user-1, linked to m1).
	s.mock.ExpectQuery(`SELECT machine_uuid FROM machine_users WHERE user_uuid`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"machine_uuid"}))
	accountWS, _, err := testutil.DialWS(s.srv.URL, "/ws/machines/account", userToken)
	require.NoError(t, err)
	defer accountWS.Close()

	_, err = accountWS.ReadEnvelopes(4, 2*time.Second)
	require.NoError(t, err)

	// Start the machine: authorizeManage and the lifecycle manager each
	// look it up, and both transitions resolve the linked accounts.
	s.expectMachineLookup("m1", "user-1")
	s.expectMachineLookup("m1", "user-1")
	s.expectLinkedUsers("m1", "user-1")
	s.expectLinkedUsers("m1", "user-1")
	s.mock.ExpectExec(`UPDATE machines SET boot_timestamp`).
		WithArgs("m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := s.request(t, http.MethodPost, "/api/machines/m1/start", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, hypervisor.StateRunning, s.hv.Domain("m1").State)

	msg, err := machineWS.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeBootupStart, msg.Type)
	var body cherryd.BaseBody
	require.NoError(t, testutil.DecodeBody(msg.Body, &body))
	assert.Equal(t, "m1", body.UUID)
	assert.Nil(t, body.Error)

	msg, err = machineWS.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeBootupSuccess, msg.Type)

	// The linked account sees the same transitions.
	msg, err = accountWS.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeBootupStart, msg.Type)
	msg, err = accountWS.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeBootupSuccess, msg.Type)

	// Delete the machine: linked users are captured before the directory
	// rows disappear.
	s.expectMachineLookup("m1", "user-1")
	s.expectLinkedUsers("m1", "user-1")
	s.mock.ExpectExec(`DELETE FROM machines WHERE uuid`).
		WithArgs("m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp = s.request(t, http.MethodDelete, "/api/machines/m1", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, s.hv.Domain("m1"))

	msg, err = machineWS.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeDelete, msg.Type)

	msg, err = accountWS.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeDelete, msg.Type)
	require.NoError(t, testutil.DecodeBody(msg.Body, &body))
	assert.Equal(t, "m1", body.UUID)
}

// TestFailedStartPropagatesError verifies a hypervisor failure reaches
// subscribers as BOOTUP_FAIL with the reason in the body.
func TestFailedStartPropagatesError(t *testing.T) {
	s := newStack(t)

	adminToken, err := auth.GenerateJWT("admin-1", "admin@example.com",
		[]string{models.PermissionViewAllVMs, models.PermissionManageAllVMs}, jwtSecret)
	require.NoError(t, err)

	machineWS, _, err := testutil.DialWS(s.srv.URL, "/ws/machines/subscribed/m1", adminToken)
	require.NoError(t, err)
	defer machineWS.Close()
	_, err = machineWS.ReadEnvelopes(3, 2*time.Second)
	require.NoError(t, err)

	// Known to the directory, broken on the hypervisor.
	s.hv.Fail["m1"] = hypervisor.ErrNotConnected
	s.expectMachineLookup("m1", "user-1")
	s.expectMachineLookup("m1", "user-1")
	s.expectLinkedUsers("m1", "user-1")
	s.expectLinkedUsers("m1", "user-1")

	resp := s.request(t, http.MethodPost, "/api/machines/m1/start", adminToken)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	msg, err := machineWS.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeBootupStart, msg.Type)

	msg, err = machineWS.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.TypeBootupFail, msg.Type)
	var body cherryd.BaseBody
	require.NoError(t, testutil.DecodeBody(msg.Body, &body))
	require.NotNil(t, body.Error)
	assert.Contains(t, *body.Error, "not connected")
}

// TestDisconnectedUserStopsReceivingEvents covers the administrative
// disconnect: every session of the account closes with the going-away
// code.
func TestDisconnectedUserStopsReceivingEvents(t *testing.T) {
	s := newStack(t)

	userToken, err := auth.GenerateJWT("user-1", "user@example.com", nil, jwtSecret)
	require.NoError(t, err)

	s.mock.ExpectQuery(`SELECT machine_uuid FROM machine_users WHERE user_uuid`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"machine_uuid"}))

	accountWS, _, err := testutil.DialWS(s.srv.URL, "/ws/machines/account", userToken)
	require.NoError(t, err)
	defer accountWS.Close()
	_, err = accountWS.ReadEnvelopes(4, 2*time.Second)
	require.NoError(t, err)

	resp := s.request(t, http.MethodPost, "/api/admin/disconnect/user-1", serviceToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, err := accountWS.ExpectClose(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, cherryd.CloseGoingAway, code)
}
