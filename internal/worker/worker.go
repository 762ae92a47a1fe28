// Package worker runs sandbox jobs off the room goroutines on a fixed set of
// workers fed by a bounded queue.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull  = errors.New("execution queue is full")
	ErrPoolClosed = errors.New("execution pool is closed")
)

const (
	KindRun    = "run"
	KindSubmit = "submit"
)

type Job struct {
	Id       string
	RoomId   string
	Kind     string
	Language string
	// Run does the work and returns a short status used as a metric label.
	// Results are handed back by the closure itself.
	Run func(ctx context.Context) string
}

type poolMetrics struct {
	queueDepth    prometheus.Gauge
	activeWorkers prometheus.Gauge
	executions    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rejected      prometheus.Counter
}

func newPoolMetrics(reg prometheus.Registerer) *poolMetrics {
	f := promauto.With(reg)
	return &poolMetrics{
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "codecollab_queue_depth",
			Help: "Current number of jobs waiting for a worker",
		}),
		activeWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "codecollab_active_workers",
			Help: "Number of workers currently running a job",
		}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codecollab_executions_total",
			Help: "Total number of sandbox jobs by kind, language and outcome",
		}, []string{"kind", "language", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codecollab_execution_duration_ms",
			Help:    "Job duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"kind", "language"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "codecollab_jobs_rejected_total",
			Help: "Jobs rejected because the queue was full",
		}),
	}
}

type Pool struct {
	jobs    chan Job
	workers int
	log     zerolog.Logger
	metrics *poolMetrics
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewPool creates a pool. A nil reg keeps the pool metrics unregistered.
func NewPool(workers, queueSize int, reg prometheus.Registerer, logger zerolog.Logger) *Pool {
	return &Pool{
		jobs:    make(chan Job, queueSize),
		workers: workers,
		log:     logger.With().Str("component", "worker_pool").Logger(),
		metrics: newPoolMetrics(reg),
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := range p.workers {
		p.wg.Add(1)
		go p.work(ctx, i+1)
	}
}

// Submit queues job without blocking.
func (p *Pool) Submit(job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.metrics.queueDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		p.metrics.rejected.Inc()
		p.log.Warn().Str("room_id", job.RoomId).Str("kind", job.Kind).Msg("queue full, rejecting job")
		return ErrQueueFull
	}
}

// Stop rejects new jobs and waits for the workers to exit. Jobs still queued
// when the context passed to Start is cancelled are dropped.
func (p *Pool) Stop() {
	p.closed.Store(true)
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.log.With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	for {
		select {
		case job := <-p.jobs:
			p.metrics.queueDepth.Set(float64(len(p.jobs)))
			p.metrics.activeWorkers.Inc()
			p.process(ctx, log, job)
			p.metrics.activeWorkers.Dec()
		case <-ctx.Done():
			log.Debug().Msg("worker stopping")
			return
		}
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, job Job) {
	log.Info().Str("job_id", job.Id).Str("room_id", job.RoomId).Str("kind", job.Kind).Msg("processing job")

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job_id", job.Id).Msg("job panicked")
			p.metrics.executions.WithLabelValues(job.Kind, job.Language, "panic").Inc()
		}
	}()

	start := time.Now()
	status := job.Run(ctx)
	elapsed := time.Since(start)

	p.metrics.executions.WithLabelValues(job.Kind, job.Language, status).Inc()
	p.metrics.duration.WithLabelValues(job.Kind, job.Language).Observe(float64(elapsed.Milliseconds()))

	log.Info().Str("job_id", job.Id).Str("status", status).Dur("elapsed", elapsed).Msg("job finished")
}
