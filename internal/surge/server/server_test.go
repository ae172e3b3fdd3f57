package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/common/auth"
	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/surge/domain"
	"github.com/surgeproject/surge/internal/surge/repository"
)

type fakeManager struct {
	startErr   error
	abortErr   error
	startedBy  auth.Principal
	startedDef string
	abortedID  string
	abortedWhy string
	nextExec   *domain.TestExecution
}

func (m *fakeManager) StartExecution(principal auth.Principal, definitionID string) (*domain.TestExecution, error) {
	m.startedBy = principal
	m.startedDef = definitionID
	if m.startErr != nil {
		return nil, m.startErr
	}
	if m.nextExec != nil {
		return m.nextExec, nil
	}
	return &domain.TestExecution{ID: "exec-1", DefinitionID: definitionID, State: domain.ExecutionQueued}, nil
}

func (m *fakeManager) AbortExecution(principal auth.Principal, executionID string, reason string) error {
	m.abortedID = executionID
	m.abortedWhy = reason
	return m.abortErr
}

type fakeTelemetry struct {
	snapshots map[string]*domain.MetricSnapshot
	updates   chan *domain.MetricSnapshot
}

func (t *fakeTelemetry) Snapshot(executionID string) (*domain.MetricSnapshot, bool) {
	snapshot, ok := t.snapshots[executionID]
	return snapshot, ok
}

func (t *fakeTelemetry) Subscribe(executionID string) (<-chan *domain.MetricSnapshot, func(), bool) {
	if _, ok := t.snapshots[executionID]; !ok {
		return nil, nil, false
	}
	return t.updates, func() {}, true
}

type fakeKillSwitch struct {
	active bool
}

func (k *fakeKillSwitch) SetKillSwitch(active bool) error {
	k.active = active
	return nil
}

func (k *fakeKillSwitch) IsKillSwitchActive() (bool, error) {
	return k.active, nil
}

type serverFixture struct {
	url         string
	definitions repository.DefinitionRepository
	executions  repository.ExecutionRepository
	manager     *fakeManager
	telemetry   *fakeTelemetry
	killSwitch  *fakeKillSwitch
}

func withServer(t *testing.T, action func(f *serverFixture)) {
	t.Helper()
	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	defer redisServer.Close()

	db := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	defer db.Close()

	fixture := &serverFixture{
		definitions: repository.NewRedisDefinitionRepository(db),
		executions:  repository.NewRedisExecutionRepository(db),
		manager:     &fakeManager{},
		telemetry:   &fakeTelemetry{snapshots: map[string]*domain.MetricSnapshot{}, updates: make(chan *domain.MetricSnapshot, 16)},
		killSwitch:  &fakeKillSwitch{},
	}
	s := NewServer(fixture.definitions, fixture.executions, fixture.manager, fixture.telemetry, fixture.killSwitch)
	httpServer := httptest.NewServer(s.Router())
	defer httpServer.Close()
	fixture.url = httpServer.URL

	action(fixture)
}

func doRequest(t *testing.T, method, url string, role auth.Role, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	request.Header.Set(auth.UserHeader, "alice")
	request.Header.Set(auth.OrgHeader, "org-a")
	request.Header.Set(auth.RoleHeader, string(role))
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	return response
}

func decodeBody(t *testing.T, response *http.Response, into interface{}) {
	t.Helper()
	defer response.Body.Close()
	require.NoError(t, json.NewDecoder(response.Body).Decode(into))
}

func definitionPayload() map[string]interface{} {
	return map[string]interface{}{
		"name":      "checkout smoke",
		"targetUrl": "http://target.test/checkout",
		"method":    "GET",
		"profile": map[string]interface{}{
			"type":            "steady_state",
			"concurrentUsers": 10,
			"durationSeconds": 60,
		},
		"limits": map[string]interface{}{"maxRps": 50},
	}
}

func TestCreateAndFetchDefinition(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions", auth.RoleOperator, definitionPayload())
		require.Equal(t, http.StatusCreated, response.StatusCode)

		created := domain.TestDefinition{}
		decodeBody(t, response, &created)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "org-a", created.OrgID)
		assert.Equal(t, "alice", created.UserID)

		response = doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/"+created.ID, auth.RoleViewer, nil)
		require.Equal(t, http.StatusOK, response.StatusCode)
		fetched := domain.TestDefinition{}
		decodeBody(t, response, &fetched)
		assert.Equal(t, created.ID, fetched.ID)
		assert.Equal(t, 1, fetched.Version)
	})
}

func TestCreateDefinitionRequiresOperatorRole(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions", auth.RoleViewer, definitionPayload())
		assert.Equal(t, http.StatusForbidden, response.StatusCode)
		response.Body.Close()
	})
}

func TestCreateDefinitionRejectsInvalidPayload(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		payload := definitionPayload()
		payload["targetUrl"] = "ftp://nope"
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions", auth.RoleOperator, payload)
		require.Equal(t, http.StatusBadRequest, response.StatusCode)

		body := errorResponse{}
		decodeBody(t, response, &body)
		assert.Contains(t, body.Error, "target url")
	})
}

func TestGetUnknownDefinitionReturnsNotFound(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/missing", auth.RoleViewer, nil)
		assert.Equal(t, http.StatusNotFound, response.StatusCode)
		response.Body.Close()
	})
}

func TestGetDefinitionServesFromCache(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions", auth.RoleOperator, definitionPayload())
		created := domain.TestDefinition{}
		decodeBody(t, response, &created)

		// Warm the cache, then mutate the store behind the API's back.
		doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/"+created.ID, auth.RoleViewer, nil).Body.Close()
		changed := created
		changed.Name = "renamed out of band"
		require.NoError(t, f.definitions.UpdateDefinition(&changed))

		response = doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/"+created.ID, auth.RoleViewer, nil)
		fetched := domain.TestDefinition{}
		decodeBody(t, response, &fetched)
		assert.Equal(t, "checkout smoke", fetched.Name)
	})
}

func TestUpdateDefinitionBumpsVersionAndInvalidatesCache(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions", auth.RoleOperator, definitionPayload())
		created := domain.TestDefinition{}
		decodeBody(t, response, &created)
		doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/"+created.ID, auth.RoleViewer, nil).Body.Close()

		payload := definitionPayload()
		payload["name"] = "checkout smoke v2"
		response = doRequest(t, http.MethodPut, f.url+"/api/v1/definitions/"+created.ID, auth.RoleOperator, payload)
		require.Equal(t, http.StatusOK, response.StatusCode)
		updated := domain.TestDefinition{}
		decodeBody(t, response, &updated)
		assert.Equal(t, 2, updated.Version)

		response = doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/"+created.ID+"/versions", auth.RoleViewer, nil)
		versions := []*domain.TestDefinition{}
		decodeBody(t, response, &versions)
		assert.Len(t, versions, 2)

		response = doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/"+created.ID, auth.RoleViewer, nil)
		fetched := domain.TestDefinition{}
		decodeBody(t, response, &fetched)
		assert.Equal(t, "checkout smoke v2", fetched.Name)
	})
}

func TestStartExecution(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions/def-1/start", auth.RoleOperator, nil)
		require.Equal(t, http.StatusAccepted, response.StatusCode)

		execution := domain.TestExecution{}
		decodeBody(t, response, &execution)
		assert.Equal(t, "exec-1", execution.ID)
		assert.Equal(t, "def-1", f.manager.startedDef)
		assert.Equal(t, auth.RoleOperator, f.manager.startedBy.Role)
	})
}

func TestStartExecutionErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&surgeerrors.ErrAlreadyRunning{DefinitionID: "def-1", ExecutionID: "exec-0"}, http.StatusConflict},
		{&surgeerrors.ErrQuotaExceeded{OrgID: "org-a", Scope: "organization"}, http.StatusTooManyRequests},
		{&surgeerrors.ErrKillSwitchActive{}, http.StatusServiceUnavailable},
		{&surgeerrors.ErrInvalidProfile{Profile: "ramp_up", Message: "bad"}, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%T", c.err), func(t *testing.T) {
			withServer(t, func(f *serverFixture) {
				f.manager.startErr = c.err
				response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions/def-1/start", auth.RoleOperator, nil)
				assert.Equal(t, c.status, response.StatusCode)
				response.Body.Close()
			})
		})
	}
}

func TestAbortExecutionForwardsReason(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/executions/exec-1/abort", auth.RoleOperator,
			map[string]string{"reason": "wrong environment"})
		assert.Equal(t, http.StatusAccepted, response.StatusCode)
		response.Body.Close()
		assert.Equal(t, "exec-1", f.manager.abortedID)
		assert.Equal(t, "wrong environment", f.manager.abortedWhy)
	})
}

func TestExecutionMetricsPreferLiveSnapshot(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		f.telemetry.snapshots["exec-1"] = &domain.MetricSnapshot{ExecutionID: "exec-1", TotalRequests: 42}

		response := doRequest(t, http.MethodGet, f.url+"/api/v1/executions/exec-1/metrics", auth.RoleViewer, nil)
		require.Equal(t, http.StatusOK, response.StatusCode)
		snapshot := domain.MetricSnapshot{}
		decodeBody(t, response, &snapshot)
		assert.Equal(t, int64(42), snapshot.TotalRequests)
	})
}

func TestExecutionMetricsFallBackToPersistedSnapshot(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		require.NoError(t, f.executions.SaveSnapshot(&domain.MetricSnapshot{ExecutionID: "exec-1", TotalRequests: 7}))

		response := doRequest(t, http.MethodGet, f.url+"/api/v1/executions/exec-1/metrics", auth.RoleViewer, nil)
		require.Equal(t, http.StatusOK, response.StatusCode)
		snapshot := domain.MetricSnapshot{}
		decodeBody(t, response, &snapshot)
		assert.Equal(t, int64(7), snapshot.TotalRequests)
	})
}

func TestKillSwitchRequiresAdmin(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPut, f.url+"/api/v1/admin/killswitch", auth.RoleOperator,
			killSwitchState{Active: true})
		assert.Equal(t, http.StatusForbidden, response.StatusCode)
		response.Body.Close()
		assert.False(t, f.killSwitch.active)

		response = doRequest(t, http.MethodPut, f.url+"/api/v1/admin/killswitch", auth.RoleAdmin,
			killSwitchState{Active: true})
		assert.Equal(t, http.StatusOK, response.StatusCode)
		response.Body.Close()
		assert.True(t, f.killSwitch.active)

		response = doRequest(t, http.MethodGet, f.url+"/api/v1/admin/killswitch", auth.RoleViewer, nil)
		state := killSwitchState{}
		decodeBody(t, response, &state)
		assert.True(t, state.Active)
	})
}

func TestTelemetryStreamDeliversSnapshotsUntilSealed(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		f.telemetry.snapshots["exec-1"] = &domain.MetricSnapshot{ExecutionID: "exec-1"}
		f.telemetry.updates <- &domain.MetricSnapshot{ExecutionID: "exec-1", TotalRequests: 1}
		f.telemetry.updates <- &domain.MetricSnapshot{ExecutionID: "exec-1", TotalRequests: 2}
		close(f.telemetry.updates)

		wsURL := strings.Replace(f.url, "http://", "ws://", 1) + "/api/v1/executions/exec-1/telemetry"
		conn, response, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
			auth.UserHeader: []string{"alice"},
			auth.OrgHeader:  []string{"org-a"},
			auth.RoleHeader: []string{string(auth.RoleViewer)},
		})
		require.NoError(t, err)
		defer response.Body.Close()
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		first := domain.MetricSnapshot{}
		require.NoError(t, conn.ReadJSON(&first))
		second := domain.MetricSnapshot{}
		require.NoError(t, conn.ReadJSON(&second))
		assert.Equal(t, int64(1), first.TotalRequests)
		assert.Equal(t, int64(2), second.TotalRequests)

		err = conn.ReadJSON(&domain.MetricSnapshot{})
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	})
}

func TestTelemetryStreamForUnknownExecution(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodGet, f.url+"/api/v1/executions/missing/telemetry", auth.RoleViewer, nil)
		assert.Equal(t, http.StatusNotFound, response.StatusCode)
		response.Body.Close()
	})
}

func TestDeleteDefinitionBlockedWhileExecutionActive(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions", auth.RoleOperator, definitionPayload())
		created := domain.TestDefinition{}
		decodeBody(t, response, &created)

		execution := &domain.TestExecution{
			ID:           "exec-1",
			DefinitionID: created.ID,
			OrgID:        "org-a",
			State:        domain.ExecutionQueued,
		}
		require.NoError(t, f.executions.CreateExecution(execution))

		response = doRequest(t, http.MethodDelete, f.url+"/api/v1/definitions/"+created.ID, auth.RoleOperator, nil)
		assert.Equal(t, http.StatusConflict, response.StatusCode)
		response.Body.Close()

		// The definition must still exist.
		response = doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/"+created.ID, auth.RoleViewer, nil)
		assert.Equal(t, http.StatusOK, response.StatusCode)
		response.Body.Close()

		execution.State = domain.ExecutionCompleted
		require.NoError(t, f.executions.UpdateExecution(execution))

		response = doRequest(t, http.MethodDelete, f.url+"/api/v1/definitions/"+created.ID, auth.RoleOperator, nil)
		assert.Equal(t, http.StatusNoContent, response.StatusCode)
		response.Body.Close()
	})
}

func TestUpdateDefinitionBlockedWhileExecutionActive(t *testing.T) {
	withServer(t, func(f *serverFixture) {
		response := doRequest(t, http.MethodPost, f.url+"/api/v1/definitions", auth.RoleOperator, definitionPayload())
		created := domain.TestDefinition{}
		decodeBody(t, response, &created)

		require.NoError(t, f.executions.CreateExecution(&domain.TestExecution{
			ID:           "exec-1",
			DefinitionID: created.ID,
			OrgID:        "org-a",
			State:        domain.ExecutionRunning,
		}))

		payload := definitionPayload()
		payload["limits"] = map[string]interface{}{"maxRps": 500}
		response = doRequest(t, http.MethodPut, f.url+"/api/v1/definitions/"+created.ID, auth.RoleOperator, payload)
		assert.Equal(t, http.StatusConflict, response.StatusCode)
		response.Body.Close()

		response = doRequest(t, http.MethodGet, f.url+"/api/v1/definitions/"+created.ID, auth.RoleViewer, nil)
		fetched := domain.TestDefinition{}
		decodeBody(t, response, &fetched)
		assert.Equal(t, 1, fetched.Version)
		assert.Equal(t, float64(50), fetched.Limits.MaxRPS)
	})
}
