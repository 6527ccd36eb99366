package healthz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandler(t *testing.T) {
	tests := []struct {
		name  string
		check func(ctx context.Context) error
		want  int
	}{
		{"no check", nil, http.StatusOK},
		{"passing", func(ctx context.Context) error { return nil }, http.StatusOK},
		{"failing", func(ctx context.Context) error { return errors.New("store closed") }, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		New(tc.check).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.want {
			t.Errorf("%s: got status %d, want %d", tc.name, rr.Code, tc.want)
		}
	}
}
