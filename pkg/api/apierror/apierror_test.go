package apierror_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichecan/AIrest/pkg/api/apierror"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) apierror.ProblemDetail {
	t.Helper()
	var p apierror.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWrite_ProblemJSON(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")
	r := httptest.NewRequest(http.MethodPost, "/nl/command", nil)
	apierror.WriteBadRequest(w, r, "text is required")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	p := decode(t, w)
	assert.Equal(t, 400, p.Status)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, "text is required", p.Detail)
	assert.Equal(t, "/nl/command", p.Instance)
	assert.Equal(t, "req-1", p.TraceID)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	apierror.WriteInternal(w, nil, errors.New("pq: connection refused to host=10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, decode(t, w).Detail, "10.0.0.1")
}

func TestWriteTooManyRequests_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	apierror.WriteTooManyRequests(w, nil, 30)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	apierror.WriteUnauthorized(w, nil, "")
	assert.Equal(t, "Authentication required", decode(t, w).Detail)
}
