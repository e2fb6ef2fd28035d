package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefersJSON(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"*/*", false},
		{"text/html", false},
		{"application/json", true},
		{"application/json, */*", true},
		{"*/*, application/json", true},
		{"text/html;q=0.9, application/json", true},
		{"application/json;q=0.5, text/html", false},
		{"application/json;q=0", false},
		{"application/*", false},
		{"APPLICATION/JSON", true},
		{"application/json;q=abc, text/plain", false},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			assert.Equal(t, tt.want, PrefersJSON(tt.accept))
		})
	}
}

func TestComposeError_HTML(t *testing.T) {
	resp := ComposeError(http.StatusForbidden, "<script>", false)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	rec := httptest.NewRecorder()
	require.NoError(t, NewConnection(context.Background(), rec, http.MethodGet).Write(resp))
	body := rec.Body.String()
	assert.Contains(t, body, "<title>403 Forbidden</title>")
	assert.Contains(t, body, "&lt;script&gt;")
	assert.NotContains(t, body, "<script>")
}

func TestComposeError_JSON(t *testing.T) {
	rec := httptest.NewRecorder()
	conn := NewConnection(context.Background(), rec, http.MethodGet)
	req := NewRequest(http.MethodGet, "/api/log?verbosity=x", nil)
	req.Header.Set("Accept", "application/json")

	require.NoError(t, WriteErrorResponse(conn, req, http.StatusBadRequest, "bad verbosity"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var decoded ErrorResponseJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, http.StatusBadRequest, decoded.Error.StatusCode)
	assert.Equal(t, "Bad Request", decoded.Error.Message)
	assert.Equal(t, "bad verbosity", decoded.Error.Detail)
}

func TestComposeError_UnknownStatus(t *testing.T) {
	resp := ComposeError(599, "", false)
	rec := httptest.NewRecorder()
	require.NoError(t, NewConnection(context.Background(), rec, http.MethodGet).Write(resp))
	assert.True(t, strings.Contains(rec.Body.String(), "599 Error"))
}

func TestStatusError(t *testing.T) {
	base := errors.New("disk on fire")
	err := fmt.Errorf("wrapped: %w", NewStatusError(http.StatusNotFound, "no such test", base))

	assert.Equal(t, http.StatusNotFound, StatusCodeOf(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "404 Not Found: no such test: disk on fire")
	assert.Equal(t, http.StatusInternalServerError, StatusCodeOf(errors.New("plain")))
}
