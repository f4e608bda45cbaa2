package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/lager"
	uuid "github.com/satori/go.uuid"

	"github.com/alphagov/paas-helm-broker/store"
)

const queueDepth = 64

// Pool runs submitted operations on a fixed set of workers and writes the
// terminal outcome back into the metadata store. It is the only writer of
// the succeeded and failed states.
type Pool struct {
	executor Executor
	store    *store.Store
	workers  int
	timeout  time.Duration
	logger   lager.Logger

	queue chan job
	wg    sync.WaitGroup
}

type job struct {
	id        string
	operation Operation
}

func NewPool(executor Executor, metadataStore *store.Store, workers int, timeout time.Duration, logger lager.Logger) *Pool {
	return &Pool{
		executor: executor,
		store:    metadataStore,
		workers:  workers,
		timeout:  timeout,
		logger:   logger.Session("task-pool"),
		queue:    make(chan job, queueDepth),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

// Stop drains the queue and waits for in-flight work to finish.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) Submit(operation Operation) (string, error) {
	submitted := job{id: uuid.NewV4().String(), operation: operation}
	select {
	case p.queue <- submitted:
		p.logger.Debug("submitted", lager.Data{
			"task-id":     submitted.id,
			"operation":   operation.Kind,
			"instance-id": operation.InstanceID,
		})
		return submitted.id, nil
	default:
		return "", fmt.Errorf("task queue is full")
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for submitted := range p.queue {
		p.run(submitted)
	}
}

func (p *Pool) run(submitted job) {
	logger := p.logger.Session("run", lager.Data{
		"task-id":     submitted.id,
		"operation":   submitted.operation.Kind,
		"instance-id": submitted.operation.InstanceID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	output, err := p.executor.Run(ctx, submitted.operation)
	cancel()
	if err != nil {
		logger.Error("execute", err)
	}

	if submitted.operation.Kind == KindBind {
		p.completeBinding(logger, submitted.operation, output, err)
		return
	}
	p.completeInstance(logger, submitted.operation, err)
}

func (p *Pool) completeInstance(logger lager.Logger, operation Operation, runErr error) {
	instance, err := p.store.LoadInstance(operation.InstanceID)
	if err != nil {
		logger.Error("load-instance", err)
		return
	}
	if runErr != nil {
		instance.LastOperation.State = store.StateFailed
		instance.LastOperation.Description = runErr.Error()
	} else {
		instance.LastOperation.State = store.StateSucceeded
		instance.LastOperation.Description = successDescription(operation.Kind)
	}
	if err := p.store.SaveInstance(instance); err != nil {
		logger.Error("save-instance", err)
	}
}

func (p *Pool) completeBinding(logger lager.Logger, operation Operation, output string, runErr error) {
	binding, err := p.store.LoadBinding(operation.InstanceID)
	if err != nil {
		logger.Error("load-binding", err)
		return
	}
	if runErr != nil {
		binding.LastOperation.State = store.StateFailed
		binding.LastOperation.Description = runErr.Error()
	} else {
		credentials, err := parseCredentials(output)
		if err != nil {
			binding.LastOperation.State = store.StateFailed
			binding.LastOperation.Description = err.Error()
		} else {
			binding.Credentials = credentials
			binding.LastOperation.State = store.StateSucceeded
			binding.LastOperation.Description = "binding created"
		}
	}
	if err := p.store.SaveBinding(operation.InstanceID, binding); err != nil {
		logger.Error("save-binding", err)
	}
}

func successDescription(kind Kind) string {
	switch kind {
	case KindProvision:
		return "install complete"
	case KindUpdate:
		return "update complete"
	case KindDeprovision:
		return "uninstall complete"
	}
	return "complete"
}
