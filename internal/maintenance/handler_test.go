package maintenance

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"our-journey-auth/internal/auth"
	"our-journey-auth/internal/observability"
)

func newHandlerWithMock(t *testing.T, secret string) (*CleanupHandler, sqlmock.Sqlmock, *bytes.Buffer) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	var logs bytes.Buffer
	handler := NewCleanupHandler(auth.NewRepository(db), observability.NewLoggerWithOutput(&logs), secret, 14*24*time.Hour, 30*24*time.Hour, 100)
	return handler, mock, &logs
}

func cleanupRequest(method, authorization string) *http.Request {
	req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return req
}

func TestCleanupHandler_HiddenWithoutSecret(t *testing.T) {
	handler, _, _ := newHandlerWithMock(t, "")

	rec := httptest.NewRecorder()
	handler.Handle(rec, cleanupRequest(http.MethodPost, "Bearer anything"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupHandler_RejectsWrongSecret(t *testing.T) {
	handler, _, _ := newHandlerWithMock(t, "cron-secret")

	for _, header := range []string{"", "Bearer nope", "Basic cron-secret"} {
		rec := httptest.NewRecorder()
		handler.Handle(rec, cleanupRequest(http.MethodGet, header))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestCleanupHandler_DeletesStaleRows(t *testing.T) {
	handler, mock, logs := newHandlerWithMock(t, "cron-secret")

	mock.ExpectExec(`DELETE FROM auth_refresh_tokens`).
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM auth_login_attempts`).
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM auth_rate_limits`).
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	handler.Handle(rec, cleanupRequest(http.MethodPost, "Bearer cron-secret"))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string             `json:"status"`
		Result auth.CleanupResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, auth.CleanupResult{DeletedRefreshTokens: 3, DeletedLoginAttempts: 2, DeletedRateLimits: 1}, body.Result)
	assert.Contains(t, logs.String(), "auth_cleanup_completed")
}

func TestCleanupHandler_ReportsFailure(t *testing.T) {
	handler, mock, logs := newHandlerWithMock(t, "cron-secret")

	mock.ExpectExec(`DELETE FROM auth_refresh_tokens`).
		WillReturnError(errors.New("connection reset"))

	rec := httptest.NewRecorder()
	handler.Handle(rec, cleanupRequest(http.MethodGet, "Bearer cron-secret"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, logs.String(), "stale refresh tokens")
}
