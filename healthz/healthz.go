package healthz

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
)

// Handler answers 200 OK when its check passes.  A nil check always passes.
type Handler struct {
	check func(ctx context.Context) error
}

func New(check func(ctx context.Context) error) *Handler {
	return &Handler{check: check}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.check(ctx); err != nil {
			glog.Errorf("Health check failed: %v", err)
			http.Error(w, "503 Service Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("200 OK"))
}
