package agentapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/microvmd/pkg/errkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() *Server {
	return NewServer(nil, nil, nil, "sekret")
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := testServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "True", body["ok"])
}

func TestBearerTokenRequired(t *testing.T) {
	srv := testServer()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic sekret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/vms", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.Router().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestEmptyConfiguredTokenRejectsEverything(t *testing.T) {
	srv := NewServer(nil, nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/vms", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWriteErrorMapsKinds(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errkit.NotFound("vm x"), http.StatusNotFound},
		{errkit.PermissionDenied("nope"), http.StatusForbidden},
		{errkit.Validation("bad path"), http.StatusBadRequest},
		{errkit.Upstream("ssh exploded"), http.StatusInternalServerError},
		{errkit.Timeout("boot"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeError(w, tt.err)
		assert.Equal(t, tt.want, w.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.NotEmpty(t, body["error"])
	}
}

func TestTTYTextPayload(t *testing.T) {
	assert.Equal(t, []byte("ls\n"), ttyTextPayload("ls"))
	assert.Equal(t, []byte("pwd\n"), ttyTextPayload("pwd"))
	assert.Equal(t, []byte("ls -la\n"), ttyTextPayload("ls -la\n"))
	assert.Equal(t, []byte{0x03}, ttyTextPayload("ctrlc"))
	assert.Equal(t, []byte{0x04}, ttyTextPayload("ctrld"))
	assert.Equal(t, []byte{0x04}, ttyTextPayload("ctrld\n"))
}
