package httpmetrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opencensus.io/stats/view"
)

func TestWrapperCountsByCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fine"))
	})

	h := New(mux)
	if err := h.RegisterMetrics(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer view.Unregister(h.requestCountView)

	for _, path := range []string{"/ok", "/ok", "/missing"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}

	rows, err := view.RetrieveData("pillquest/ui_requests")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	counts := map[string]int64{}
	for _, row := range rows {
		for _, tg := range row.Tags {
			if tg.Key == keyCode {
				counts[tg.Value] += row.Data.(*view.CountData).Value
			}
		}
	}
	if counts["200"] != 2 || counts["404"] != 1 {
		t.Errorf("Got counts %v, want 200=2 404=1", counts)
	}
}
