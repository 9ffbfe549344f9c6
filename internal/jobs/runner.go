// Package jobs runs the periodic compliance tasks: the key rotation
// check and the retention enforcement cycle.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var failuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "phivault_job_failures_total",
	Help: "Periodic job runs that returned an error.",
}, []string{"job"})

func init() {
	prometheus.MustRegister(failuresTotal)
}

// Job is one periodic task. Run receives a per-cycle context carrying
// the job's timeout; a run that overruns is cancelled and reported as a
// failed cycle rather than hung indefinitely.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives a set of jobs on independent tickers. Each job runs
// once at startup and then on its interval; a job never overlaps with
// itself because cycles execute serially on the job's own goroutine.
type Runner struct {
	jobs []Job
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewRunner creates a Runner over the given jobs.
func NewRunner(jobs ...Job) *Runner {
	return &Runner{jobs: jobs, stop: make(chan struct{})}
}

// Start launches all job loops.
func (r *Runner) Start() {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(job)
	}
}

func (r *Runner) loop(job Job) {
	defer r.wg.Done()

	r.runOnce(job)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runOnce(job)
		case <-r.stop:
			return
		}
	}
}

func (r *Runner) runOnce(job Job) {
	ctx := context.Background()
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		failuresTotal.WithLabelValues(job.Name).Inc()
		log.Error().Err(err).Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("job cycle failed")
		return
	}
	log.Debug().Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("job cycle finished")
}

// Stop halts all job loops and waits for in-flight cycles to finish.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}
