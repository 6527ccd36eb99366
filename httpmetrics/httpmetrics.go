package httpmetrics

import (
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyPath   = tag.MustNewKey("path")
	keyMethod = tag.MustNewKey("method")
	keyCode   = tag.MustNewKey("code")
)

// Wrapper counts the requests served by inner, by path, method and status
// code.
type Wrapper struct {
	requestCount     *stats.Int64Measure
	requestCountView *view.View

	inner http.Handler
}

func New(inner http.Handler) *Wrapper {
	w := &Wrapper{}

	w.requestCount = stats.Int64("pillquest/ui_requests", "", stats.UnitDimensionless)
	w.requestCountView = &view.View{
		Name:        "pillquest/ui_requests",
		Description: "Counter of web UI requests that have been handled",

		TagKeys: []tag.Key{keyPath, keyMethod, keyCode},

		Measure:     w.requestCount,
		Aggregation: view.Count(),
	}

	w.inner = inner

	return w
}

func (h *Wrapper) RegisterMetrics() error {
	return view.Register(h.requestCountView)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	h.inner.ServeHTTP(rec, r)

	glog.V(1).Infof("Served method=%s path=%q code=%d", r.Method, r.URL.Path, rec.code)

	stats.RecordWithOptions(
		r.Context(),
		stats.WithTags(
			tag.Insert(keyPath, r.URL.Path),
			tag.Insert(keyMethod, r.Method),
			tag.Insert(keyCode, strconv.Itoa(rec.code)),
		),
		stats.WithMeasurements(h.requestCount.M(1)))
}
