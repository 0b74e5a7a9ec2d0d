package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"cubo"}`))
	require.NoError(t, DecodeJSON(r, &v, 0))
	assert.Equal(t, "cubo", v.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("   "))
	assert.ErrorIs(t, DecodeJSON(r, &v, 0), ErrEmptyBody)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	assert.ErrorIs(t, DecodeJSON(r, &v, 0), ErrInvalidJSON)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"0123456789"}`))
	assert.EqualError(t, DecodeJSON(r, &v, 8), "request body too large")
}

func TestIntParamClamps(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=999&page=x", nil)
	assert.Equal(t, 200, IntParam(r, "limit", 50, 1, 200))
	assert.Equal(t, 3, IntParam(r, "page", 3, 1, 10))
	assert.Equal(t, 50, IntParam(r, "missing", 50, 1, 200))
}

func TestAdminOnly(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "anything", http.StatusServiceUnavailable},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong header", "s3cret", "nope", http.StatusUnauthorized},
		{"valid", "s3cret", "s3cret", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("X-Admin-Token", tc.header)
			}
			rec := httptest.NewRecorder()
			AdminOnly(tc.token)(ok).ServeHTTP(rec, r)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRouterDefaults(t *testing.T) {
	r := NewRouter(zerolog.Nop(), "https://festibox.cl")
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "https://festibox.cl", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
}
