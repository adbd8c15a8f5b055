// Package metrics counts task runs and times their stages. The snapshot is
// rendered in the Prometheus text exposition format and written to a file
// for the node exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Task outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

type taskKey struct {
	algorithm string
	outcome   string
}

type failureKey struct {
	algorithm string
	category  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Recorder accumulates task metrics. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	tasks    map[taskKey]uint64
	failures map[failureKey]uint64
	stages   map[string]*histogram
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{
		tasks:    make(map[taskKey]uint64),
		failures: make(map[failureKey]uint64),
		stages:   make(map[string]*histogram),
	}
}

var defaultRecorder = New()

// Default returns the process-wide recorder.
func Default() *Recorder { return defaultRecorder }

// ObserveTask records one finished task and its total duration under the
// "total" stage.
func (r *Recorder) ObserveTask(algorithm, outcome string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskKey{algorithm: algorithm, outcome: outcome}]++
	r.observeLocked("total", duration)
}

// ObserveFailure counts a failed task by error category.
func (r *Recorder) ObserveFailure(algorithm, category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[failureKey{algorithm: algorithm, category: category}]++
}

// ObserveStage records the duration of one stage of a task.
func (r *Recorder) ObserveStage(stage string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observeLocked(stage, duration)
}

// Time returns a func that records the time elapsed since Time was called.
func (r *Recorder) Time(stage string) func() {
	start := time.Now()
	return func() { r.ObserveStage(stage, time.Since(start)) }
}

func (r *Recorder) observeLocked(stage string, duration time.Duration) {
	hist := r.stages[stage]
	if hist == nil {
		hist = newHistogram()
		r.stages[stage] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe counts value in every bucket it fits. Values above the last bound
// only show in the +Inf bucket, which is the total count.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Render returns the metrics in Prometheus text exposition format.
func (r *Recorder) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	type taskMetric struct {
		taskKey
		value uint64
	}
	type failureMetric struct {
		failureKey
		value uint64
	}
	type stageMetric struct {
		stage string
		histogram
	}

	tasks := make([]taskMetric, 0, len(r.tasks))
	for key, value := range r.tasks {
		tasks = append(tasks, taskMetric{taskKey: key, value: value})
	}
	failures := make([]failureMetric, 0, len(r.failures))
	for key, value := range r.failures {
		failures = append(failures, failureMetric{failureKey: key, value: value})
	}
	stages := make([]stageMetric, 0, len(r.stages))
	for stage, hist := range r.stages {
		stages = append(stages, stageMetric{stage: stage, histogram: histogram{
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		}})
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].algorithm == tasks[j].algorithm {
			return tasks[i].outcome < tasks[j].outcome
		}
		return tasks[i].algorithm < tasks[j].algorithm
	})
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].algorithm == failures[j].algorithm {
			return failures[i].category < failures[j].category
		}
		return failures[i].algorithm < failures[j].algorithm
	})
	sort.Slice(stages, func(i, j int) bool { return stages[i].stage < stages[j].stage })

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP testengine_tasks_total Test tasks run, by algorithm and outcome.\n")
	b.WriteString("# TYPE testengine_tasks_total counter\n")
	for _, m := range tasks {
		fmt.Fprintf(&b, "testengine_tasks_total{algorithm=\"%s\",outcome=\"%s\"} %d\n",
			escape(m.algorithm), escape(m.outcome), m.value)
	}

	b.WriteString("# HELP testengine_task_failures_total Failed test tasks, by algorithm and error category.\n")
	b.WriteString("# TYPE testengine_task_failures_total counter\n")
	for _, m := range failures {
		fmt.Fprintf(&b, "testengine_task_failures_total{algorithm=\"%s\",category=\"%s\"} %d\n",
			escape(m.algorithm), escape(m.category), m.value)
	}

	b.WriteString("# HELP testengine_stage_duration_seconds Task stage duration in seconds.\n")
	b.WriteString("# TYPE testengine_stage_duration_seconds histogram\n")
	for _, m := range stages {
		stage := escape(m.stage)
		for idx, bound := range m.buckets {
			fmt.Fprintf(&b, "testengine_stage_duration_seconds_bucket{stage=\"%s\",le=\"%s\"} %d\n",
				stage, formatFloat(bound), m.counts[idx])
		}
		fmt.Fprintf(&b, "testengine_stage_duration_seconds_bucket{stage=\"%s\",le=\"+Inf\"} %d\n", stage, m.count)
		fmt.Fprintf(&b, "testengine_stage_duration_seconds_sum{stage=\"%s\"} %s\n", stage, formatFloat(m.sum))
		fmt.Fprintf(&b, "testengine_stage_duration_seconds_count{stage=\"%s\"} %d\n", stage, m.count)
	}

	return b.String()
}

// WriteFile replaces path with the rendered metrics. The file is renamed into
// place so a scraper never reads a partial snapshot.
func (r *Recorder) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(r.Render()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write metrics file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod metrics file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
