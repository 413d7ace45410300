package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadeksuryam/e2epool/internal/models"
	"github.com/kadeksuryam/e2epool/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeRegistryStore struct {
	runners map[string]models.Runner
}

func (f *fakeRegistryStore) GetByID(ctx context.Context, runnerID string) (*models.Runner, error) {
	rn, ok := f.runners[runnerID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rn, nil
}

func (f *fakeRegistryStore) GetByToken(ctx context.Context, token string) (*models.Runner, error) {
	for _, rn := range f.runners {
		if rn.Token == token {
			cp := rn
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func TestBearerTokenExtractsFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(req))
}

func TestBearerTokenMissingHeaderIsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))
}

func TestBearerTokenWrongSchemeIsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc123")
	assert.Empty(t, bearerToken(req))
}

func TestHandleHealthzOK(t *testing.T) {
	s := &Server{pinger: &fakePinger{}, log: testLogger()}
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthzUnavailableWhenPingFails(t *testing.T) {
	s := &Server{pinger: &fakePinger{err: errors.New("down")}, log: testLogger()}
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminAuthRejectsWrongToken(t *testing.T) {
	s := &Server{adminToken: "secret", log: testLogger()}
	var called bool
	h := s.adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestAdminAuthRejectsEmptyConfiguredToken(t *testing.T) {
	s := &Server{adminToken: "", log: testLogger()}
	h := s.adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthAcceptsMatchingToken(t *testing.T) {
	s := &Server{adminToken: "secret", log: testLogger()}
	var called bool
	h := s.adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunnerTokenAuthRejectsMissingBearer(t *testing.T) {
	reg := registry.New(&fakeRegistryStore{}, time.Minute)
	s := &Server{registry: reg, log: testLogger()}
	h := s.runnerTokenAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunnerTokenAuthAcceptsValidTokenAndSetsContext(t *testing.T) {
	store := &fakeRegistryStore{runners: map[string]models.Runner{
		"r1": {RunnerID: "r1", Token: "tok1"},
	}}
	reg := registry.New(store, time.Minute)
	s := &Server{registry: reg, log: testLogger()}

	var gotRunner *models.Runner
	h := s.runnerTokenAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRunner = callerRunner(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotRunner)
	assert.Equal(t, "r1", gotRunner.RunnerID)
}

func TestWriteServiceErrorMapsErrorKindsToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrValidation, http.StatusBadRequest},
		{models.ErrAuth, http.StatusForbidden},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrConflict, http.StatusConflict},
		{models.ErrCooldown, http.StatusTooManyRequests},
		{models.ErrBroker, http.StatusServiceUnavailable},
		{models.ErrStore, http.StatusServiceUnavailable},
		{models.ErrBackend, http.StatusBadGateway},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	s := &Server{log: testLogger()}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		s.writeServiceError(rec, c.err)
		assert.Equal(t, c.want, rec.Code, c.err.Error())
	}
}

func TestWriteJSONAndWriteErrorSetContentTypeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusBadRequest, "bad input")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "bad input")
}
