package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/quantnet-project/quantnet-controller/internal/broker"
	"github.com/quantnet-project/quantnet-controller/internal/logging"
)

func init() {
	RegisterFactory("BatchScheduler", func(s *Services) (Plugin, error) {
		return newBatchScheduler(s), nil
	})
}

// batchScheduler is the scheduling singleton. The slot fan-outs live in
// the scheduler service it wraps; what the plugin itself owns is the
// ad-hoc job runner other components hand periodic work to.
type batchScheduler struct {
	s *Services

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	jobs    sync.WaitGroup
	ctx     context.Context
}

func newBatchScheduler(s *Services) *batchScheduler {
	return &batchScheduler{s: s}
}

func (p *batchScheduler) Name() string { return "BatchScheduler" }
func (p *batchScheduler) Type() Type   { return TypeScheduling }

func (p *batchScheduler) ServerCommands() map[string]broker.Handler { return nil }
func (p *batchScheduler) MsgCommands() map[string]broker.MsgHandler { return nil }

func (p *batchScheduler) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	runCtx, cancel := context.WithCancel(context.Background())
	p.ctx = runCtx
	p.cancel = cancel
	p.running = true
	return nil
}

func (p *batchScheduler) Stop() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.running = false
	p.mu.Unlock()
	p.jobs.Wait()
	return nil
}

// RunJob schedules fn every interval, at most repeats times; repeats <= 0
// runs until the plugin stops. A job that returns an error ends early.
func (p *batchScheduler) RunJob(name string, interval time.Duration, repeats int, fn func(ctx context.Context) error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		p.s.Log.Warn(context.Background(), "job runner not started, dropping job",
			logging.String("job", name))
		return
	}
	ctx := p.ctx
	p.jobs.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.jobs.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for count := 0; repeats <= 0 || count < repeats; count++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := fn(ctx); err != nil {
				p.s.Log.Warn(ctx, "scheduled job failed",
					logging.String("job", name), logging.Err(err))
				return
			}
		}
	}()
}
