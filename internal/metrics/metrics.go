package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motionbrush_jobs_processed_total",
		Help: "Total number of jobs processed, by type and status",
	}, []string{"type", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motionbrush_job_duration_seconds",
		Help:    "Duration of pipeline jobs",
		Buckets: []float64{0.05, 0.25, 1, 5, 30, 60, 180, 600},
	}, []string{"type"})

	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motionbrush_extractions_total",
		Help: "Path extractions, by direction",
	}, []string{"direction"})

	WaypointsExtracted = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "motionbrush_waypoints_per_extraction",
		Help:    "Number of waypoints produced per extraction",
		Buckets: prometheus.LinearBuckets(0, 2, 12),
	})

	APICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motionbrush_api_calls_total",
		Help: "Calls made to the video generation API, by method and status code",
	}, []string{"method", "code"})

	APICallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motionbrush_api_call_duration_seconds",
		Help:    "Latency of video generation API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	TaskPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "motionbrush_task_polls_total",
		Help: "Total number of task status polls",
	})

	MasksUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "motionbrush_masks_uploaded_total",
		Help: "Composite masks published to object storage",
	})
)

// ObserveAPICall records one outbound API request.
func ObserveAPICall(method string, resp *http.Response, err error, d time.Duration) {
	code := "error"
	if err == nil && resp != nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	APICallsTotal.WithLabelValues(method, code).Inc()
	APICallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveJob records a finished pipeline job.
func ObserveJob(jobType, status string, d time.Duration) {
	JobsProcessedTotal.WithLabelValues(jobType, status).Inc()
	JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}
