package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/chat-bridge/lib/metrics"
	"github.com/onkernel/chat-bridge/lib/session"
)

type staticProvider struct {
	sessions []session.Info
	conns    int
}

func (p staticProvider) Sessions() []session.Info { return p.sessions }
func (p staticProvider) Connections() int         { return p.conns }

func get(t *testing.T, h http.Handler, path string) (*http.Response, []byte) {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		provider staticProvider
		want     Status
	}{
		{
			name:     "no sessions",
			provider: staticProvider{},
			want:     StatusHealthy,
		},
		{
			name: "logged in",
			provider: staticProvider{conns: 1, sessions: []session.Info{
				{User: "alice", Started: true, LoginState: "logged_in"},
			}},
			want: StatusHealthy,
		},
		{
			name: "started but logged out",
			provider: staticProvider{conns: 2, sessions: []session.Info{
				{User: "alice", Started: true, LoginState: "logged_in"},
				{User: "bob", Started: true, LoginState: "logged_out"},
			}},
			want: StatusDegraded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("127.0.0.1:0", tt.provider, nil)
			resp, body := get(t, s.Handler(), "/health")
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			var got healthResponse
			require.NoError(t, json.Unmarshal(body, &got))
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.provider.conns, got.Connections)
			assert.Len(t, got.Sessions, len(tt.provider.sessions))
		})
	}
}

func TestLiveness(t *testing.T) {
	s := NewServer("127.0.0.1:0", staticProvider{}, nil)
	resp, body := get(t, s.Handler(), "/health/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"alive"}`, string(body))
}

func TestMetricsExposed(t *testing.T) {
	metrics.MessagesDelivered.Inc()
	s := NewServer("127.0.0.1:0", staticProvider{}, nil)
	resp, body := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "chat_bridge_messages_delivered_total"))
}
