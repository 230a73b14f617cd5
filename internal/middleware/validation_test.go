package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "trialguard/internal/errors"
)

type consentRequest struct {
	Consent *bool  `json:"consent" validate:"required"`
	Source  string `json:"source,omitempty" validate:"omitempty,oneof=cli web"`
}

func TestDecodeAndValidate(t *testing.T) {
	v := NewValidationMiddleware(discardLogger)

	tests := []struct {
		name      string
		body      string
		wantCode  string
		wantField string
	}{
		{"valid", `{"consent":true}`, "", ""},
		{"explicit false is valid", `{"consent":false,"source":"cli"}`, "", ""},
		{"missing consent", `{}`, "VALIDATION_FAILED", "consent"},
		{"bad source", `{"consent":true,"source":"email"}`, "VALIDATION_FAILED", "source"},
		{"unknown field", `{"consent":true,"days":30}`, "INVALID_REQUEST", ""},
		{"malformed", `{"consent":`, "INVALID_REQUEST", ""},
		{"empty", ``, "EMPTY_BODY", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/trial/activate", strings.NewReader(tt.body))

			var dst consentRequest
			err := v.DecodeAndValidate(req, &dst)
			if tt.wantCode == "" {
				require.NoError(t, err)
				require.NotNil(t, dst.Consent)
				return
			}

			var apiErr *apierrors.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.wantCode, apiErr.ErrorCode)
			assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
			if tt.wantField != "" {
				details, ok := apiErr.Details.(apierrors.ValidationErrors)
				require.True(t, ok)
				require.Len(t, details.Errors, 1)
				assert.Equal(t, tt.wantField, details.Errors[0].Field)
			}
		})
	}
}

func TestContentTypeValidator(t *testing.T) {
	h := ContentTypeValidator("application/json")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/trial/activate", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/trial/activate", strings.NewReader(`consent=true`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trial/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
