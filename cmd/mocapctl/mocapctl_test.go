package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturelab/mocap-server/pkg/types"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		kind, id string
		want     types.TargetType
		wantErr  bool
	}{
		{"session", "0b6f5c44-5d8e-4c1e-9d4a-3f1f3d2a9e10", types.TargetSession, false},
		{"session", "42", "", true},
		{"subject", "42", types.TargetSubject, false},
		{"subject", "-1", "", true},
		{"trial", "42", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.id, func(t *testing.T) {
			got, err := parseTarget(tt.kind, tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, tt.id, got.ID)
		})
	}
}

func TestWaitReady(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/logs/ok/on-ready":
			if polls.Add(1) < 3 {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			w.Write([]byte(`{"url":"https://media.example.com/archives/a.zip"}`))
		case "/logs/bad/on-ready":
			w.Write([]byte(`{"state":"FAILED","error":"build failed"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"Internal Server Error"}`))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, err := waitReady(ctx, srv.Client(), srv.URL, "ok", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/archives/a.zip", url)
	assert.Equal(t, int32(3), polls.Load())

	_, err = waitReady(ctx, srv.Client(), srv.URL, "bad", time.Millisecond)
	assert.ErrorContains(t, err, "build failed")

	_, err = waitReady(ctx, srv.Client(), srv.URL, "boom", time.Millisecond)
	assert.ErrorContains(t, err, "status 500")
}
