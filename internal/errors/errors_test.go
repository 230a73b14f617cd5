package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"hardware", &HardwareQueryError{Sources: []string{"machine_id"}}, ErrHardwareQuery},
		{"storage write", &StorageWriteError{Paths: []string{"/a"}, Causes: []error{errors.New("denied")}}, ErrStorageWrite},
		{"tamper", &TamperDetectedError{Flags: []string{"CLOCK_ROLLBACK"}}, ErrTamperDetected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
		})
	}
}

func TestStorageWriteErrorUnwrapsCauses(t *testing.T) {
	cause := errors.New("read-only file system")
	err := &StorageWriteError{Paths: []string{"/a", "/b"}, Causes: []error{cause}}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "all 2 locations")
}

func TestHardwareQueryErrorMessage(t *testing.T) {
	err := &HardwareQueryError{Sources: []string{"machine_id", "cpu"}, Err: errors.New("too few sources")}
	assert.Equal(t, "hardware query failed for machine_id, cpu: too few sources", err.Error())
}

func TestMapTrialError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"expired", ErrTrialExpired, http.StatusPaymentRequired, TypeTrialExpired},
		{"not activated", ErrTrialNotActivated, http.StatusPaymentRequired, TypeTrialInactive},
		{"tampered typed", &TamperDetectedError{Flags: []string{"MACHINE_MISMATCH"}}, http.StatusForbidden, TypeTrialTampered},
		{"tampered sentinel", ErrTamperDetected, http.StatusForbidden, TypeTrialTampered},
		{"declined", ErrActivationDeclined, http.StatusBadRequest, TypeTrialDeclined},
		{"already", ErrAlreadyActivated, http.StatusConflict, TypeTrialConflict},
		{"storage", &StorageWriteError{}, http.StatusInternalServerError, TypeTrialStorage},
		{"hardware", &HardwareQueryError{}, http.StatusInternalServerError, TypeTrialHardware},
		{"unknown", errors.New("secret detail"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problem := MapTrialError(tt.err, "/api/app", "trace-1")
			assert.Equal(t, tt.wantStatus, problem.Status)
			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, "trace-1", problem.Extensions["trace_id"])
			assert.NotContains(t, problem.Detail, "secret detail")
		})
	}
}

func TestProblemDetailsMarshalJSON(t *testing.T) {
	problem := NewProblemDetails(http.StatusForbidden, TypeTrialTampered, "Trial Invalid", "detail", "/x").
		WithExtension("tamper_flags", []string{"CLOCK_ROLLBACK"}).
		WithExtension("status", 999)

	data, err := json.Marshal(problem)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeTrialTampered, decoded["type"])
	assert.Equal(t, float64(http.StatusForbidden), decoded["status"], "extensions must not override standard fields")
	assert.Equal(t, []interface{}{"CLOCK_ROLLBACK"}, decoded["tamper_flags"])
}

func TestErrorHandler(t *testing.T) {
	h := NewErrorHandler(nil, false)

	t.Run("api error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/trial/activate", nil)
		h.HandleError(rec, req, ErrRateLimitExceeded)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Contains(t, rec.Body.String(), TypeRateLimit)
		assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	})

	t.Run("trial error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/app/data", nil)
		h.HandleError(rec, req, fmt.Errorf("gate: %w", ErrTrialExpired))
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	t.Run("nil error writes nothing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
