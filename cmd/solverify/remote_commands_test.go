package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
}

func newRecordingServer(t *testing.T, status int, response string) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)

	return server, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestRemoteCommands(t *testing.T) {
	waiting := `{"message":"not found yet","snapshot":{"state":"waiting","remaining_seconds":300}}`

	tests := []struct {
		name       string
		args       []string
		status     int
		wantMethod string
		wantPath   string
		wantQuery  string
		wantBody   map[string]interface{}
	}{
		{
			name:       "start",
			args:       []string{"remote", "start", "--amount", "0.5", "--sender", alice},
			status:     http.StatusAccepted,
			wantMethod: http.MethodPost,
			wantPath:   "/api/v1/verifications",
			wantBody:   map[string]interface{}{"amount": "0.5", "sender_address": alice},
		},
		{
			name:       "status",
			args:       []string{"remote", "status"},
			status:     http.StatusOK,
			wantMethod: http.MethodGet,
			wantPath:   "/api/v1/verifications",
		},
		{
			name:       "recheck",
			args:       []string{"remote", "recheck"},
			status:     http.StatusOK,
			wantMethod: http.MethodPost,
			wantPath:   "/api/v1/verifications/recheck",
		},
		{
			name:       "resume",
			args:       []string{"remote", "resume"},
			status:     http.StatusOK,
			wantMethod: http.MethodPost,
			wantPath:   "/api/v1/verifications/resume",
		},
		{
			name:       "cancel and clear",
			args:       []string{"remote", "cancel", "--clear"},
			status:     http.StatusOK,
			wantMethod: http.MethodDelete,
			wantPath:   "/api/v1/verifications",
			wantQuery:  "clear=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, requests := newRecordingServer(t, tt.status, waiting)

			args := append([]string{"solverify", "--json", "--server-url", server.URL}, tt.args...)
			require.NoError(t, newApp().Run(args))

			reqs := requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.wantMethod, reqs[0].Method)
			assert.Equal(t, tt.wantPath, reqs[0].Path)
			assert.Equal(t, tt.wantQuery, reqs[0].Query)
			if tt.wantBody != nil {
				assert.Equal(t, tt.wantBody, reqs[0].Body)
			}
		})
	}
}

func TestRemoteStart_ServerError(t *testing.T) {
	server, _ := newRecordingServer(t, http.StatusBadRequest, `{"error":"invalid input: amount must be positive"}`)

	err := newApp().Run([]string{"solverify", "--server-url", server.URL,
		"remote", "start", "--amount", "0", "--sender", alice})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start verification")
	assert.Contains(t, err.Error(), "amount must be positive")
}

func TestRemoteStart_BadAmount(t *testing.T) {
	server, requests := newRecordingServer(t, http.StatusAccepted, `{}`)

	err := newApp().Run([]string{"solverify", "--server-url", server.URL,
		"remote", "start", "--amount", "lots", "--sender", alice})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a number")
	assert.Empty(t, requests())
}

func TestRemotePurchases_Address(t *testing.T) {
	server, requests := newRecordingServer(t, http.StatusOK, `{"records":[],"count":0,"total_units":0,"total_sol":"0"}`)

	err := newApp().Run([]string{"solverify", "--json", "--server-url", server.URL,
		"remote", "purchases", "--address", bob})
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/v1/purchases", reqs[0].Path)
	assert.Equal(t, "address="+bob, reqs[0].Query)
}
