package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	shared "github.com/capturelab/mocap-server/pkg"
)

func TestParseErrorResponse_Success(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Body:       http.NoBody,
	}

	err := ParseErrorResponse(resp)
	if err != nil {
		t.Errorf("Expected nil error for 200 response, got: %v", err)
	}
}

func TestParseErrorResponse_Error(t *testing.T) {
	body := `{"error": "camera Cam0 must use solution 0 or 1"}`
	resp := &http.Response{
		StatusCode: 400,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    httptest.NewRequest("POST", "https://api.example.com/sessions/x/calibration", nil),
	}

	err := ParseErrorResponse(resp)
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}

	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("Expected *HTTPError, got %T", err)
	}
	if httpErr.StatusCode != 400 {
		t.Errorf("Expected status 400, got %d", httpErr.StatusCode)
	}
	if httpErr.Body != "camera Cam0 must use solution 0 or 1" {
		t.Errorf("Expected error field to be extracted, got: %s", httpErr.Body)
	}
}

func TestParseErrorResponse_BodyRewrap(t *testing.T) {
	body := "upstream exploded"
	resp := &http.Response{
		StatusCode: 500,
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	err := ParseErrorResponse(resp)
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
	if !strings.Contains(err.Error(), body) {
		t.Errorf("Expected raw body in error, got: %v", err)
	}

	again, _ := io.ReadAll(resp.Body)
	if string(again) != body {
		t.Errorf("Expected body to be readable again, got: %q", again)
	}
}

func TestParseErrorResponse_Truncates(t *testing.T) {
	resp := &http.Response{
		StatusCode: 502,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", MaxErrorBodySize+50))),
	}

	httpErr := ParseErrorResponse(resp).(*HTTPError)
	if len(httpErr.Body) != MaxErrorBodySize+3 {
		t.Errorf("Expected truncated body, got length %d", len(httpErr.Body))
	}
}

func TestStatusFor(t *testing.T) {
	errInput := errors.New("bad input")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("session: %w", shared.ErrNotFound), http.StatusNotFound},
		{"conflict", shared.ErrStateConflict, http.StatusConflict},
		{"transient", shared.NewTransientError(errors.New("timeout"), time.Second, "db"), http.StatusServiceUnavailable},
		{"bad request", fmt.Errorf("field: %w", errInput), http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err, errInput); got != tt.want {
				t.Errorf("StatusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteError_HidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	status := WriteError(rec, errors.New("pq: password authentication failed"))

	if status != http.StatusInternalServerError || rec.Code != status {
		t.Fatalf("Expected 500, got %d/%d", status, rec.Code)
	}
	var body ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(body.Error, "password") {
		t.Errorf("Internal error leaked: %s", body.Error)
	}
}
