// internal/settlement/runner.go
package settlement

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Mode selects how far the runner drives each request.
type Mode string

const (
	ModePlan   Mode = "plan"
	ModeQuote  Mode = "quote"
	ModeSettle Mode = "settle"
)

// Outcome pairs a request with what the pipeline made of it.
type Outcome struct {
	Request Request
	Result  *Result
	Err     error
}

// Runner feeds a batch of requests through the pipeline with a fixed
// number of workers. Requests are independent; outcomes keep input order.
type Runner struct {
	pipeline *Pipeline
	workers  int
	logger   *zap.Logger
}

func NewRunner(pipeline *Pipeline, workers int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		pipeline: pipeline,
		workers:  workers,
		logger:   logger.Named("runner"),
	}
}

type job struct {
	index int
	req   Request
}

// Run processes every request in mode. Requests not started before ctx is
// done are reported with ctx's error.
func (r *Runner) Run(ctx context.Context, mode Mode, reqs []Request) []Outcome {
	out := make([]Outcome, len(reqs))
	jobs := make(chan job)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.worker(ctx, id, mode, jobs, out)
		}(i + 1)
	}

	for i, req := range reqs {
		select {
		case <-ctx.Done():
			out[i] = Outcome{Request: req, Err: ctx.Err()}
			continue
		case jobs <- job{index: i, req: req}:
		}
	}
	close(jobs)
	wg.Wait()
	return out
}

func (r *Runner) worker(ctx context.Context, id int, mode Mode, jobs <-chan job, out []Outcome) {
	logger := r.logger.With(zap.Int("worker_id", id))
	for j := range jobs {
		logger.Debug("Executing request",
			zap.String("name", j.req.Name),
			zap.String("mode", string(mode)))

		var (
			res *Result
			err error
		)
		switch mode {
		case ModePlan:
			res, err = r.pipeline.Plan(ctx, j.req)
		case ModeQuote:
			res, err = r.pipeline.Quote(ctx, j.req)
		default:
			res, err = r.pipeline.Settle(ctx, j.req)
		}
		if err != nil {
			logger.Warn("Request failed", zap.String("name", j.req.Name), zap.Error(err))
		}
		out[j.index] = Outcome{Request: j.req, Result: res, Err: err}
	}
}
