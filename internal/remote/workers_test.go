package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPWorkers_Available(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode([]string{"x86_64", "aarch64"})
	}))
	defer srv.Close()

	workers := NewHTTPWorkers(srv.URL, srv.Client(), time.Minute)
	ctx := context.Background()

	ok, err := workers.Available(ctx, "aarch64")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = workers.Available(ctx, "riscv64")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int32(1), hits.Load(), "listing should be served from cache")
}

func TestHTTPWorkers_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "bad status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "bad body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPWorkers(srv.URL, srv.Client(), time.Minute).Available(context.Background(), "x86_64")
			assert.Error(t, err)
		})
	}
}

func TestStaticWorkers(t *testing.T) {
	ok, err := StaticWorkers{"x86_64"}.Available(context.Background(), "x86_64")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = StaticWorkers(nil).Available(context.Background(), "x86_64")
	assert.False(t, ok)
}
