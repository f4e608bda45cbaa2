package reaper

import (
	"errors"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager"

	"github.com/alphagov/paas-helm-broker/store"
	"github.com/alphagov/paas-helm-broker/task"
)

// Reaper restores consistency between the instances root and the metadata
// records. It removes orphaned workspaces, clears out completed
// deprovisions, and re-enqueues deprovisions whose worker was lost. Durable
// metadata plus this sweep is the only recovery mechanism after a restart.
type Reaper struct {
	store      *store.Store
	dispatcher task.Dispatcher
	clock      clock.Clock
	interval   time.Duration
	staleAfter time.Duration
	logger     lager.Logger
}

func New(metadataStore *store.Store, dispatcher task.Dispatcher, c clock.Clock, interval, staleAfter time.Duration, logger lager.Logger) *Reaper {
	return &Reaper{
		store:      metadataStore,
		dispatcher: dispatcher,
		clock:      c,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.Session("reaper"),
	}
}

// Run sweeps on a fixed interval until stop is closed.
func (r *Reaper) Run(stop <-chan struct{}) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			r.Sweep()
		case <-stop:
			return
		}
	}
}

// Sweep walks every workspace directory once. Per-entry errors are logged
// and swallowed so one bad entry cannot block the rest of the sweep.
func (r *Reaper) Sweep() {
	logger := r.logger.Session("sweep")
	instanceIDs, err := r.store.ListInstances()
	if err != nil {
		logger.Error("list-instances", err)
		return
	}
	for _, instanceID := range instanceIDs {
		r.sweepInstance(logger, instanceID)
	}
}

func (r *Reaper) sweepInstance(logger lager.Logger, instanceID string) {
	instance, err := r.store.LoadInstance(instanceID)
	if err != nil {
		logger.Info("removing-orphaned-workspace", lager.Data{
			"instance-id": instanceID,
			"reason":      err.Error(),
		})
		r.removeWorkspace(logger, instanceID)
		return
	}

	if instance.LastOperation.Operation != store.OperationDeprovision {
		return
	}

	if instance.LastOperation.State == store.StateSucceeded {
		logger.Info("removing-deprovisioned-workspace", lager.Data{"instance-id": instanceID})
		r.removeWorkspace(logger, instanceID)
		return
	}

	if r.clock.Now().Sub(instance.LastModified) < r.staleAfter {
		return
	}

	if instance.DeprovisionRetries > 0 {
		logger.Error("abandoning-stale-deprovision", errors.New("deprovision still stale after retry"), lager.Data{
			"instance-id": instanceID,
			"retries":     instance.DeprovisionRetries,
		})
		r.removeWorkspace(logger, instanceID)
		return
	}

	if _, err := r.dispatcher.Submit(task.Operation{Kind: task.KindDeprovision, InstanceID: instanceID}); err != nil {
		logger.Error("requeue-deprovision", err, lager.Data{"instance-id": instanceID})
		return
	}
	instance.DeprovisionRetries++
	if err := r.store.SaveInstance(instance); err != nil {
		logger.Error("save-instance", err, lager.Data{"instance-id": instanceID})
		return
	}
	logger.Info("requeued-stale-deprovision", lager.Data{"instance-id": instanceID})
}

func (r *Reaper) removeWorkspace(logger lager.Logger, instanceID string) {
	if err := r.store.RemoveInstanceDir(instanceID); err != nil {
		logger.Error("remove-workspace", err, lager.Data{"instance-id": instanceID})
	}
}
