package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "worksnotify/pkg/logx"
)

func TestHandlerAuth(t *testing.T) {
	h := Handler("s3cret")

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no token", "/healthz", "", http.StatusUnauthorized},
		{"wrong bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"index", "/debug/pprof/?token=s3cret", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:6060"))
	assert.True(t, isLoopbackAddr("[::1]:6060"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
	assert.False(t, isLoopbackAddr("nonsense"))
}

func TestStartRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
	assert.Empty(t, s.Addr())
}

func TestReconfigureLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(Config{}, logx.Nop())

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"}))
	require.NotEmpty(t, s.Addr())

	require.NoError(t, s.Reconfigure(ctx, Config{}))
	assert.Empty(t, s.Addr())
}
