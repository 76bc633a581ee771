package distort

import (
	"context"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/files"
	"distributed-distort/internal/metrics"
)

// Router picks a backend by the file's category. Missing backends report
// unsupported format.
type Router struct {
	backends map[files.Category]domain.Distorter
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{backends: make(map[files.Category]domain.Distorter)}
}

// Handle registers d for category c and returns the router for chaining.
func (r *Router) Handle(c files.Category, d domain.Distorter) *Router {
	r.backends[c] = d
	return r
}

// ForWorker builds the router a worker of type wt uses.
func ForWorker(wt domain.WorkerType, audio, image domain.Distorter) *Router {
	r := NewRouter()
	switch wt {
	case domain.WorkerTypeText:
		r.Handle(files.CategoryText, domain.DistorterFunc(Text))
	case domain.WorkerTypeMedia:
		r.Handle(files.CategoryAudio, audio).Handle(files.CategoryImage, image)
	}
	return r
}

// Distort implements domain.Distorter.
func (r *Router) Distort(ctx context.Context, path string, factor int) domain.DistortStatus {
	c := files.ClassifyFile(path)
	d, ok := r.backends[c]
	if !ok || d == nil {
		metrics.DistortDuration.WithLabelValues(c.String(), domain.DistortUnsupportedFormat.String()).Observe(0)
		return domain.DistortUnsupportedFormat
	}
	start := time.Now()
	status := d.Distort(ctx, path, factor)
	metrics.DistortDuration.WithLabelValues(c.String(), status.String()).Observe(time.Since(start).Seconds())
	return status
}
