// Package metrics exposes the prometheus counters and histograms the
// svn2git pipeline updates as it runs, served on an optional
// `--metrics-addr` HTTP listener. The package-level singleton plus
// sync.Once init mirrors kraklabs-cie's pkg/ingestion/metrics.go, which
// guards a package struct of prometheus collectors the same way.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type pipelineMetrics struct {
	once sync.Once

	revisionsDecoded prometheus.Counter
	nodesApplied     prometheus.Counter
	blobsHashed      prometheus.Counter
	blobBytesHashed  prometheus.Counter
	blobHashDuration prometheus.Histogram
	commitsWritten   prometheus.Counter
	refsUpdated      prometheus.Counter
	mergesResolved   prometheus.Counter
	mergeCoverageGap prometheus.Counter
	pipelineErrors   prometheus.Counter
}

func (m *pipelineMetrics) init() {
	m.once.Do(func() {
		m.revisionsDecoded = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_revisions_decoded_total",
			Help: "Number of SVN dump revision records decoded.",
		})
		m.nodesApplied = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_nodes_applied_total",
			Help: "Number of SVN dump node records applied to the tree.",
		})
		m.blobsHashed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_blobs_hashed_total",
			Help: "Number of distinct file blobs hashed into the object store.",
		})
		m.blobBytesHashed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_blob_bytes_hashed_total",
			Help: "Total bytes passed to blob hashing.",
		})
		m.blobHashDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "svn2git_blob_hash_duration_seconds",
			Help:    "Time spent transforming and hashing one blob.",
			Buckets: prometheus.DefBuckets,
		})
		m.commitsWritten = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_commits_written_total",
			Help: "Number of git commit objects written.",
		})
		m.refsUpdated = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_refs_updated_total",
			Help: "Number of ref update-ref calls issued.",
		})
		m.mergesResolved = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_merges_resolved_total",
			Help: "Number of merge parents synthesized from svn:mergeinfo deltas.",
		})
		m.mergeCoverageGap = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_merge_coverage_gaps_total",
			Help: "Number of mergeinfo ranges that could not be matched to a source revision.",
		})
		m.pipelineErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "svn2git_pipeline_errors_total",
			Help: "Number of non-fatal errors recorded while running the pipeline.",
		})
		prometheus.MustRegister(
			m.revisionsDecoded,
			m.nodesApplied,
			m.blobsHashed,
			m.blobBytesHashed,
			m.blobHashDuration,
			m.commitsWritten,
			m.refsUpdated,
			m.mergesResolved,
			m.mergeCoverageGap,
			m.pipelineErrors,
		)
	})
}

var pipeline pipelineMetrics

// RecordRevisionDecoded increments the decoded-revision counter.
func RecordRevisionDecoded() {
	pipeline.init()
	pipeline.revisionsDecoded.Inc()
}

// RecordNodeApplied increments the applied-node counter.
func RecordNodeApplied() {
	pipeline.init()
	pipeline.nodesApplied.Inc()
}

// RecordBlobHashed records one blob's hashing: it's byte size and the
// wall-clock duration of the transform-then-hash step.
func RecordBlobHashed(bytes int, d time.Duration) {
	pipeline.init()
	pipeline.blobsHashed.Inc()
	pipeline.blobBytesHashed.Add(float64(bytes))
	pipeline.blobHashDuration.Observe(d.Seconds())
}

// RecordCommitWritten increments the commits-written counter.
func RecordCommitWritten() {
	pipeline.init()
	pipeline.commitsWritten.Inc()
}

// RecordRefUpdated increments the refs-updated counter.
func RecordRefUpdated() {
	pipeline.init()
	pipeline.refsUpdated.Inc()
}

// RecordMergeResolved increments the merges-resolved counter.
func RecordMergeResolved() {
	pipeline.init()
	pipeline.mergesResolved.Inc()
}

// RecordMergeCoverageGap increments the mergeinfo-coverage-gap counter.
func RecordMergeCoverageGap() {
	pipeline.init()
	pipeline.mergeCoverageGap.Inc()
}

// RecordPipelineError increments the non-fatal pipeline error counter.
func RecordPipelineError() {
	pipeline.init()
	pipeline.pipelineErrors.Inc()
}

// Serve starts the `/metrics` HTTP endpoint on addr. It blocks, so
// callers run it in its own goroutine; a non-nil return means the
// listener itself failed, not that scraping stopped.
func Serve(addr string) error {
	pipeline.init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	return server.ListenAndServe()
}
