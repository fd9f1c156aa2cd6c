package controller

import (
	"context"
	"sync"
	"time"

	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
)

// probation moves the execution to failing on the first slice failure.
// Under persistent lifecycle it watches for recovery and moves the
// execution back to running once slices are processed without new failures.
type probation struct {
	exID      string
	lifecycle job.Lifecycle
	window    time.Duration
	store     store.ExecutionStore
	analytics *ExecutionAnalytics
	log       log.Logger

	mu       sync.Mutex
	watching bool
	wg       sync.WaitGroup
}

func newProbation(exID string, cfg *job.Config, executions store.ExecutionStore, analytics *ExecutionAnalytics, logger log.Logger) *probation {
	return &probation{
		exID:      exID,
		lifecycle: cfg.Lifecycle,
		window:    cfg.ProbationWindow,
		store:     executions,
		analytics: analytics,
		log:       logger,
	}
}

// Called for every slice failure.
func (p *probation) onFailure(ctx context.Context) {
	failing, err := p.store.CompareAndSetStatus(ctx, p.exID, protocol.ExecutionRunning, protocol.ExecutionFailing, nil)
	if err != nil {
		p.log.Warnf("Failed to set execution status to failing: %v", err)
		return
	}
	if failing {
		p.log.Warnf("Execution %s is failing", p.exID)
	}

	if p.lifecycle != job.Persistent {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watching {
		return
	}
	p.watching = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.watch(ctx)

		p.mu.Lock()
		p.watching = false
		p.mu.Unlock()
	}()
}

func (p *probation) watch(ctx context.Context) {
	failed := p.analytics.Get(StatFailed)
	processed := p.analytics.Get(StatProcessed)

	ticker := time.NewTicker(p.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		currentFailed := p.analytics.Get(StatFailed)
		currentProcessed := p.analytics.Get(StatProcessed)

		if currentFailed == failed && currentProcessed > processed {
			recovered, err := p.store.CompareAndSetStatus(ctx, p.exID, protocol.ExecutionFailing, protocol.ExecutionRunning, nil)
			if err != nil {
				p.log.Warnf("Failed to set execution status to running: %v", err)
				return
			}
			if recovered {
				p.log.Infof("Execution %s recovered from failing", p.exID)
			}
			return
		}

		failed = currentFailed
		processed = currentProcessed
	}
}

func (p *probation) wait() {
	p.wg.Wait()
}
