package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/quietora/internal/auth"
	"github.com/example/quietora/internal/config"
	"github.com/example/quietora/internal/store"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testBootstrapSecret = "boot"

type testServer struct {
	t   *testing.T
	srv *httptest.Server
	app *App
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	c := &config.Config{
		DBAdapter:            "memory",
		Environment:          "test",
		CORSOrigins:          []string{"https://console.example"},
		JwtSecret:            "test-secret",
		TokenTTL:             time.Hour,
		OwnerBootstrapSecret: testBootstrapSecret,
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	app, err := NewApp(c, store.NewMemoryStore(), log, auth.NewBcryptHasher(bcrypt.MinCost))
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, app: app}
}

func (s *testServer) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	s.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rdr)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(s.t, json.Unmarshal(raw, &out))
	} else if len(raw) > 0 {
		out["_raw"] = string(raw)
	}
	return resp.StatusCode, out
}

func (s *testServer) register(email, password string) (string, int64) {
	s.t.Helper()
	status, body := s.do("POST", "/api/v1/auth/register", "", map[string]string{"email": email, "password": password})
	require.Equal(s.t, http.StatusCreated, status, body)
	user := body["user"].(map[string]interface{})
	return body["token"].(string), int64(user["id"].(float64))
}

func (s *testServer) bootstrapOwner(email, password string) (string, int64) {
	s.t.Helper()
	_, id := s.register(email, password)
	status, body := s.do("POST", "/api/v1/auth/bootstrap-owner", "", map[string]string{"email": email, "secret": testBootstrapSecret})
	require.Equal(s.t, http.StatusOK, status, body)
	return body["token"].(string), id
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t)
	s.register("alice@x.com", "pw123")

	status, body := s.do("POST", "/api/v1/auth/register", "", map[string]string{"email": "alice@x.com", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "EMAIL_TAKEN", body["error_code"])

	status, body = s.do("POST", "/auth/login", "", map[string]string{"email": "alice@x.com", "password": "pw123"})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["token"])
	user := body["user"].(map[string]interface{})
	assert.Equal(t, "USER", user["role"])
	assert.NotContains(t, user, "PasswordHash")

	wrongStatus, wrongBody := s.do("POST", "/api/v1/auth/login", "", map[string]string{"email": "alice@x.com", "password": "bad"})
	unknownStatus, unknownBody := s.do("POST", "/api/v1/auth/login", "", map[string]string{"email": "ghost@x.com", "password": "pw123"})
	assert.Equal(t, http.StatusUnauthorized, wrongStatus)
	assert.Equal(t, wrongStatus, unknownStatus)
	assert.Equal(t, wrongBody, unknownBody)

	status, body = s.do("POST", "/api/v1/auth/login", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", body["error_code"])
}

func TestWhoAmI(t *testing.T) {
	s := newTestServer(t)
	token, id := s.register("alice@x.com", "pw")

	status, body := s.do("GET", "/api/v1/auth/whoami", token, nil)
	require.Equal(t, http.StatusOK, status)
	user := body["user"].(map[string]interface{})
	assert.Equal(t, float64(id), user["uid"])
	assert.Equal(t, "alice@x.com", user["email"])
	assert.Equal(t, "USER", user["role"])

	status, body = s.do("GET", "/api/v1/auth/whoami", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_TOKEN", body["error_code"])

	status, _ = s.do("GET", "/api/v1/auth/whoami", token+"x", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUnauthorizedVersusForbidden(t *testing.T) {
	s := newTestServer(t)
	userToken, _ := s.register("user@x.com", "pw")

	for _, path := range []string{"/api/v1/apps/owner", "/api/v1/auth/owner/users", "/apps/owner/CALC/users", "/api/v1/auth/owner/system-info"} {
		status, _ := s.do("GET", path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
		status, body := s.do("GET", path, userToken, nil)
		assert.Equal(t, http.StatusForbidden, status, path)
		assert.Equal(t, "FORBIDDEN", body["error_code"], path)
	}
}

func TestBootstrapOwnerFlow(t *testing.T) {
	s := newTestServer(t)
	s.register("alice@x.com", "pw")
	s.register("bob@x.com", "pw")

	status, _ := s.do("POST", "/api/v1/auth/bootstrap-owner", "", map[string]string{"email": "alice@x.com", "secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = s.do("POST", "/api/v1/auth/bootstrap-owner", "", map[string]string{"email": "ghost@x.com", "secret": testBootstrapSecret})
	assert.Equal(t, http.StatusNotFound, status)

	status, body := s.do("POST", "/api/v1/auth/bootstrap-owner", "", map[string]string{"email": "alice@x.com", "secret": testBootstrapSecret})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OWNER", body["user"].(map[string]interface{})["role"])
	ownerToken := body["token"].(string)

	status, body = s.do("POST", "/api/v1/auth/bootstrap-owner", "", map[string]string{"email": "bob@x.com", "secret": testBootstrapSecret})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "OWNER_EXISTS", body["error_code"])

	status, body = s.do("GET", "/api/v1/auth/owner/system-info", ownerToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "test", body["environment"])
	db := body["database"].(map[string]interface{})
	assert.Equal(t, "ok", db["status"])
	assert.Equal(t, float64(2), db["users"])
}

func TestOwnerUserAdministration(t *testing.T) {
	s := newTestServer(t)
	ownerToken, ownerID := s.bootstrapOwner("owner@x.com", "pw")
	_, userID := s.register("user@x.com", "pw")

	status, body := s.do("PATCH", fmt.Sprintf("/api/v1/auth/owner/users/%d/role", userID), ownerToken, map[string]string{"role": "ADMIN"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "ADMIN", body["user"].(map[string]interface{})["role"])

	status, body = s.do("PATCH", fmt.Sprintf("/api/v1/auth/owner/users/%d/role", ownerID), ownerToken, map[string]string{"role": "USER"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "SELF_DEMOTION", body["error_code"])

	status, _ = s.do("PATCH", fmt.Sprintf("/api/v1/auth/owner/users/%d/role", userID), ownerToken, map[string]string{"role": "ROOT"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = s.do("PATCH", "/api/v1/auth/owner/users/abc/role", ownerToken, map[string]string{"role": "USER"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do("DELETE", fmt.Sprintf("/api/v1/auth/owner/users/%d", ownerID), ownerToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "SELF_DELETE", body["error_code"])

	req, err := http.NewRequest("GET", s.srv.URL+"/api/v1/auth/owner/users", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var users []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	resp.Body.Close()
	require.Len(t, users, 2)
	assert.Equal(t, "owner@x.com", users[0]["email"])
	assert.Nil(t, users[0]["name"])

	status, _ = s.do("DELETE", fmt.Sprintf("/api/v1/auth/owner/users/%d", userID), ownerToken, nil)
	require.Equal(t, http.StatusOK, status)
	status, body = s.do("DELETE", fmt.Sprintf("/api/v1/auth/owner/users/%d", userID), ownerToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "USER_NOT_FOUND", body["error_code"])
}

func TestHeartbeatEndToEnd(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.register("alice@x.com", "pw123")

	status, body := s.do("POST", "/api/v1/apps/heartbeat", token, map[string]string{"appCode": "quietora_calc", "appName": "Calc"})
	require.Equal(t, http.StatusOK, status, body)
	app := body["app"].(map[string]interface{})
	assert.Equal(t, "QUIETORA_CALC", app["code"])
	assert.Equal(t, "Calc", app["name"])
	assert.Contains(t, app, "latestVersion")
	assert.Nil(t, app["latestVersion"])
	assert.Equal(t, "ACTIVE", app["status"])
	usage := body["usage"].(map[string]interface{})
	assert.Equal(t, float64(1), usage["launchCount"])
	assert.Equal(t, usage["firstSeenAt"], usage["lastSeenAt"])

	status, body = s.do("POST", "/api/v1/apps/heartbeat", token, map[string]string{"appCode": "bad-code", "appName": "Calc"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_APP_CODE", body["error_code"])

	status, _ = s.do("POST", "/api/v1/apps/heartbeat", "", map[string]string{"appCode": "CALC", "appName": "Calc"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestConcurrentHeartbeatsOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ownerToken, _ := s.bootstrapOwner("owner@x.com", "pw")
	token, _ := s.register("alice@x.com", "pw")

	const k = 20
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := s.do("POST", "/apps/heartbeat", token, map[string]string{"appCode": "CALC", "appName": "Calc", "appVersion": "1.0"})
			assert.Equal(t, http.StatusOK, status)
		}()
	}
	wg.Wait()

	status, body := s.do("GET", "/api/v1/apps/owner/calc/users", ownerToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "CALC", body["code"])
	assert.Equal(t, float64(1), body["userCount"])
	users := body["users"].([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, float64(k), users[0].(map[string]interface{})["launchCount"])

	status, body = s.do("GET", "/api/v1/apps/owner/NOPE/users", ownerToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["name"])
	assert.Equal(t, float64(0), body["userCount"])
	assert.Empty(t, body["users"])

	status, body = s.do("DELETE", "/api/v1/apps/owner/cleanup-null-userapps", ownerToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["deleted"])
}

func TestProbesAndMetrics(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = s.do("GET", "/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ready"])

	status, body = s.do("GET", "/api/v1/quietora/status", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, serviceName, body["service"])

	s.do("POST", "/api/v1/auth/login", "", map[string]string{"email": "ghost@x.com", "password": "x"})

	status, body = s.do("GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	raw := body["_raw"].(string)
	assert.Contains(t, raw, `quietora_auth_attempts_total{operation="login",result="unauthorized"} 1`)
	assert.Contains(t, raw, `quietora_http_request_duration_seconds_count{method="GET",route="/health",status="200"} 1`)
}

func TestMiddlewareHeaders(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest("OPTIONS", s.srv.URL+"/api/v1/auth/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://console.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	req, err = http.NewRequest("GET", s.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Len(t, strings.Split(resp.Header.Get(requestIDHeader), "-"), 5)
}

func TestWriteJSONLogsThroughAppLogger(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	a := &App{Log: log}

	rec := httptest.NewRecorder()
	a.writeJSON(rec, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "write json", entry.Message)
	assert.Contains(t, entry.Data, logrus.ErrorKey)
}
