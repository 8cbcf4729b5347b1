package deploy

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"dockhand/internal/core"
)

// Runner bounds pipeline concurrency. At most maxConcurrent deployments run
// at once, and deployments targeting the same host run one at a time so
// their remote commands never interleave.
type Runner struct {
	pipeline *Pipeline
	sem      *semaphore.Weighted

	mu    sync.Mutex
	hosts map[string]*sync.Mutex
}

// NewRunner wraps a pipeline with a concurrency limit.
func NewRunner(pipeline *Pipeline, maxConcurrent int64) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runner{
		pipeline: pipeline,
		sem:      semaphore.NewWeighted(maxConcurrent),
		hosts:    make(map[string]*sync.Mutex),
	}
}

func (r *Runner) hostLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.hosts[name]
	if !ok {
		l = &sync.Mutex{}
		r.hosts[name] = l
	}
	return l
}

// Deploy runs one deployment under the concurrency limits.
func (r *Runner) Deploy(ctx context.Context, host core.Host, stackName string, cfg core.StackConfig) (*core.DeploymentRecord, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	l := r.hostLock(host.Name)
	l.Lock()
	defer l.Unlock()

	return r.pipeline.Deploy(ctx, host, stackName, cfg)
}

// Undeploy runs one undeployment under the concurrency limits.
func (r *Runner) Undeploy(ctx context.Context, host core.Host, stackName string, removeFiles bool) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	l := r.hostLock(host.Name)
	l.Lock()
	defer l.Unlock()

	return r.pipeline.Undeploy(ctx, host, stackName, removeFiles)
}
