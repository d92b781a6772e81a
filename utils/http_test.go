package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusOK, map[string]string{"message": "test"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		require.NoError(t, WriteJSON(w, http.StatusNoContent, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOK(t *testing.T) {
	w := httptest.NewRecorder()

	require.NoError(t, WriteOK(w, map[string]string{"result": "success"}))
	assert.Equal(t, http.StatusOK, w.Code)

	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	dataMap := response.Data.(map[string]interface{})
	assert.Equal(t, "success", dataMap["result"])
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()

	WriteNoContent(w)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestErrorWriters(t *testing.T) {
	details := map[string]interface{}{"policy_id": "p1"}

	tests := []struct {
		name        string
		write       func(w http.ResponseWriter) error
		wantStatus  int
		wantError   string
		wantMessage string
		wantDetails bool
	}{
		{
			name:        "bad request",
			write:       func(w http.ResponseWriter) error { return WriteBadRequest(w, "Validation failed", details) },
			wantStatus:  http.StatusBadRequest,
			wantError:   "bad_request",
			wantMessage: "Validation failed",
			wantDetails: true,
		},
		{
			name:        "unauthorized default message",
			write:       func(w http.ResponseWriter) error { return WriteUnauthorized(w, "") },
			wantStatus:  http.StatusUnauthorized,
			wantError:   "unauthorized",
			wantMessage: "Authentication required",
		},
		{
			name:        "forbidden",
			write:       func(w http.ResponseWriter) error { return WriteForbidden(w, "denied by policy") },
			wantStatus:  http.StatusForbidden,
			wantError:   "forbidden",
			wantMessage: "denied by policy",
		},
		{
			name:        "not found default message",
			write:       func(w http.ResponseWriter) error { return WriteNotFound(w, "") },
			wantStatus:  http.StatusNotFound,
			wantError:   "not_found",
			wantMessage: "Resource not found",
		},
		{
			name:        "payment required",
			write:       func(w http.ResponseWriter) error { return WritePaymentRequired(w, "", details) },
			wantStatus:  http.StatusPaymentRequired,
			wantError:   "payment_required",
			wantMessage: "Spending cap exceeded",
			wantDetails: true,
		},
		{
			name:        "too many requests",
			write:       func(w http.ResponseWriter) error { return WriteTooManyRequests(w, "", details) },
			wantStatus:  http.StatusTooManyRequests,
			wantError:   "rate_limit_exceeded",
			wantMessage: "Rate limit exceeded",
			wantDetails: true,
		},
		{
			name:        "internal server error",
			write:       func(w http.ResponseWriter) error { return WriteInternalServerError(w, "") },
			wantStatus:  http.StatusInternalServerError,
			wantError:   "internal_error",
			wantMessage: "Internal server error",
		},
		{
			name:        "service unavailable",
			write:       func(w http.ResponseWriter) error { return WriteServiceUnavailable(w, "state unavailable", nil) },
			wantStatus:  http.StatusServiceUnavailable,
			wantError:   "service_unavailable",
			wantMessage: "state unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))

			assert.Equal(t, tt.wantStatus, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, tt.wantError, response.Error)
			assert.Equal(t, tt.wantMessage, response.Message)
			if tt.wantDetails {
				assert.Equal(t, "p1", response.Details["policy_id"])
			} else {
				assert.Nil(t, response.Details)
			}
		})
	}
}
