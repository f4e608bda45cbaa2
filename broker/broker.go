package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"code.cloudfoundry.org/lager"
	"github.com/pivotal-cf/brokerapi/domain"
	"github.com/pivotal-cf/brokerapi/domain/apiresponses"

	"github.com/alphagov/paas-helm-broker/catalog"
	"github.com/alphagov/paas-helm-broker/store"
	"github.com/alphagov/paas-helm-broker/task"
)

// HelmBroker coordinates the instance and binding lifecycle. Each mutating
// operation validates the request against the persisted state, stages the
// workspace, records the in-progress operation, and hands the slow work to
// the dispatcher. Terminal states arrive later through the dispatcher's
// completion path and are observed by polling.
type HelmBroker struct {
	catalog    *catalog.Catalog
	store      *store.Store
	dispatcher task.Dispatcher
	logger     lager.Logger

	locksMutex sync.Mutex
	locks      map[string]*instanceLock
}

type instanceLock struct {
	sync.Mutex
	holders int
}

var _ domain.ServiceBroker = (*HelmBroker)(nil)

func New(addons *catalog.Catalog, metadataStore *store.Store, dispatcher task.Dispatcher, logger lager.Logger) *HelmBroker {
	return &HelmBroker{
		catalog:    addons,
		store:      metadataStore,
		dispatcher: dispatcher,
		logger:     logger,
		locks:      map[string]*instanceLock{},
	}
}

// lockInstance serialises the validate-stage-enqueue sequence per instance,
// closing the check-then-act race between concurrent requests for the same
// ID. The returned function releases the lock. Entries are reference-counted
// and dropped from the map once the last holder releases, so the map does
// not grow with instance churn.
func (b *HelmBroker) lockInstance(instanceID string) func() {
	b.locksMutex.Lock()
	lock, ok := b.locks[instanceID]
	if !ok {
		lock = &instanceLock{}
		b.locks[instanceID] = lock
	}
	lock.holders++
	b.locksMutex.Unlock()
	lock.Lock()
	return func() {
		lock.Unlock()
		b.locksMutex.Lock()
		lock.holders--
		if lock.holders == 0 {
			delete(b.locks, instanceID)
		}
		b.locksMutex.Unlock()
	}
}

func (b *HelmBroker) Services(ctx context.Context) ([]domain.Service, error) {
	return b.catalog.Services(), nil
}

func (b *HelmBroker) Provision(ctx context.Context, instanceID string, details domain.ProvisionDetails, asyncAllowed bool) (domain.ProvisionedServiceSpec, error) {
	logger := b.logger.Session("provision", lager.Data{"instance-id": instanceID})
	defer b.lockInstance(instanceID)()

	if b.store.InstanceExists(instanceID) {
		return domain.ProvisionedServiceSpec{}, apiresponses.ErrInstanceAlreadyExists
	}
	if !asyncAllowed {
		return domain.ProvisionedServiceSpec{}, apiresponses.ErrAsyncRequired
	}

	chartPath, err := b.catalog.ChartPath(details.ServiceID)
	if err != nil {
		return domain.ProvisionedServiceSpec{}, badRequest(err)
	}
	planPath, err := b.catalog.PlanPath(details.ServiceID, details.PlanID)
	if err != nil {
		return domain.ProvisionedServiceSpec{}, badRequest(err)
	}
	instanceContext, err := rawToMap(details.RawContext)
	if err != nil {
		return domain.ProvisionedServiceSpec{}, err
	}
	parameters, err := rawToMap(details.RawParameters)
	if err != nil {
		return domain.ProvisionedServiceSpec{}, err
	}

	if err := b.stageWorkspace(instanceID, chartPath, planPath); err != nil {
		logger.Error("stage-workspace", err)
		return domain.ProvisionedServiceSpec{}, err
	}

	instance := &store.Instance{
		ID: instanceID,
		Details: store.Details{
			ServiceID:  details.ServiceID,
			PlanID:     details.PlanID,
			Context:    instanceContext,
			Parameters: parameters,
		},
		LastOperation: store.LastOperation{
			Operation:   store.OperationProvision,
			State:       store.StateInProgress,
			Description: "installing the chart",
		},
	}
	taskID, err := b.acceptInstanceOperation(logger, instance, task.KindProvision)
	if err != nil {
		// The request must appear to have never happened.
		if removeErr := b.store.RemoveInstanceDir(instanceID); removeErr != nil {
			logger.Error("remove-workspace", removeErr)
		}
		return domain.ProvisionedServiceSpec{}, err
	}

	return domain.ProvisionedServiceSpec{IsAsync: true, OperationData: taskID}, nil
}

func (b *HelmBroker) Update(ctx context.Context, instanceID string, details domain.UpdateDetails, asyncAllowed bool) (domain.UpdateServiceSpec, error) {
	logger := b.logger.Session("update", lager.Data{"instance-id": instanceID})
	defer b.lockInstance(instanceID)()

	instance, err := b.store.LoadInstance(instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.UpdateServiceSpec{}, badRequest(fmt.Errorf("instance %s does not exist", instanceID))
		}
		return domain.UpdateServiceSpec{}, err
	}
	if details.ServiceID != instance.Details.ServiceID {
		return domain.UpdateServiceSpec{}, badRequest(fmt.Errorf("service ID %s does not match instance %s", details.ServiceID, instanceID))
	}
	service, err := b.catalog.FindService(details.ServiceID)
	if err != nil {
		return domain.UpdateServiceSpec{}, badRequest(err)
	}
	if !service.PlanUpdatable {
		return domain.UpdateServiceSpec{}, badRequest(fmt.Errorf("service %s is not updatable", service.ID))
	}
	if !asyncAllowed {
		return domain.UpdateServiceSpec{}, apiresponses.ErrAsyncRequired
	}
	planPath, err := b.catalog.PlanPath(details.ServiceID, details.PlanID)
	if err != nil {
		return domain.UpdateServiceSpec{}, badRequest(err)
	}
	parameters, err := rawToMap(details.RawParameters)
	if err != nil {
		return domain.UpdateServiceSpec{}, err
	}

	previousDetails := instance.Details
	previousOperation := instance.LastOperation

	if err := b.swapPlan(instanceID, planPath); err != nil {
		logger.Error("swap-plan", err)
		return domain.UpdateServiceSpec{}, err
	}

	instance.Details.PlanID = details.PlanID
	if parameters != nil {
		instance.Details.Parameters = parameters
	}
	instance.LastOperation = store.LastOperation{
		Operation:   store.OperationUpdate,
		State:       store.StateInProgress,
		Description: "upgrading the release",
	}
	taskID, err := b.acceptInstanceOperation(logger, instance, task.KindUpdate)
	if err != nil {
		// The request must appear to have never happened.
		b.revertPlanSwap(instanceID)
		instance.Details = previousDetails
		instance.LastOperation = previousOperation
		if saveErr := b.store.SaveInstance(instance); saveErr != nil {
			logger.Error("restore-record", saveErr)
		}
		return domain.UpdateServiceSpec{}, err
	}
	b.commitPlanSwap(instanceID)

	return domain.UpdateServiceSpec{IsAsync: true, OperationData: taskID}, nil
}

func (b *HelmBroker) Deprovision(ctx context.Context, instanceID string, details domain.DeprovisionDetails, asyncAllowed bool) (domain.DeprovisionServiceSpec, error) {
	logger := b.logger.Session("deprovision", lager.Data{"instance-id": instanceID})
	defer b.lockInstance(instanceID)()

	instance, err := b.store.LoadInstance(instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.DeprovisionServiceSpec{}, apiresponses.ErrInstanceDoesNotExist
		}
		return domain.DeprovisionServiceSpec{}, err
	}
	if !asyncAllowed {
		return domain.DeprovisionServiceSpec{}, apiresponses.ErrAsyncRequired
	}

	// The record survives acceptance so last_operation stays pollable; the
	// reaper removes the workspace once the uninstall succeeds.
	instance.LastOperation = store.LastOperation{
		Operation:   store.OperationDeprovision,
		State:       store.StateInProgress,
		Description: "uninstalling the release",
	}
	taskID, err := b.acceptInstanceOperation(logger, instance, task.KindDeprovision)
	if err != nil {
		return domain.DeprovisionServiceSpec{}, err
	}

	return domain.DeprovisionServiceSpec{IsAsync: true, OperationData: taskID}, nil
}

func (b *HelmBroker) Bind(ctx context.Context, instanceID, bindingID string, details domain.BindDetails, asyncAllowed bool) (domain.Binding, error) {
	logger := b.logger.Session("bind", lager.Data{"instance-id": instanceID, "binding-id": bindingID})
	defer b.lockInstance(instanceID)()

	instance, err := b.store.LoadInstance(instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Binding{}, badRequest(fmt.Errorf("instance %s does not exist", instanceID))
		}
		return domain.Binding{}, err
	}
	service, err := b.catalog.FindService(instance.Details.ServiceID)
	if err != nil {
		return domain.Binding{}, badRequest(err)
	}
	if !service.Bindable {
		return domain.Binding{}, badRequest(fmt.Errorf("service %s is not bindable", service.ID))
	}
	if instance.LastOperation.State != store.StateSucceeded {
		return domain.Binding{}, badRequest(fmt.Errorf("instance %s is not ready", instanceID))
	}
	if !asyncAllowed {
		return domain.Binding{}, apiresponses.ErrAsyncRequired
	}
	if _, err := b.store.LoadBinding(instanceID); err == nil {
		return domain.Binding{}, apiresponses.ErrBindingAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Binding{}, err
	}

	if err := b.stageBindTemplate(instanceID); err != nil {
		logger.Error("stage-bind-template", err)
		return domain.Binding{}, err
	}

	binding := &store.Binding{
		ID: bindingID,
		LastOperation: store.LastOperation{
			Operation:   store.OperationBind,
			State:       store.StateInProgress,
			Description: "rendering credentials",
		},
	}
	if err := b.store.SaveBinding(instanceID, binding); err != nil {
		b.removeBindTemplate(instanceID)
		return domain.Binding{}, err
	}
	taskID, err := b.dispatcher.Submit(task.Operation{
		Kind:       task.KindBind,
		InstanceID: instanceID,
		BindingID:  bindingID,
	})
	if err != nil {
		logger.Error("submit", err)
		b.store.DeleteBinding(instanceID)
		b.removeBindTemplate(instanceID)
		return domain.Binding{}, err
	}
	logger.Debug("accepted", lager.Data{"task-id": taskID})

	return domain.Binding{IsAsync: true, OperationData: taskID}, nil
}

func (b *HelmBroker) Unbind(ctx context.Context, instanceID, bindingID string, details domain.UnbindDetails, asyncAllowed bool) (domain.UnbindSpec, error) {
	logger := b.logger.Session("unbind", lager.Data{"instance-id": instanceID, "binding-id": bindingID})
	defer b.lockInstance(instanceID)()

	if _, err := b.store.LoadBinding(instanceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.UnbindSpec{}, apiresponses.ErrBindingDoesNotExist
		}
		return domain.UnbindSpec{}, err
	}

	b.removeBindTemplate(instanceID)
	if err := b.store.DeleteBinding(instanceID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.UnbindSpec{}, err
	}
	logger.Debug("unbound")

	return domain.UnbindSpec{IsAsync: false}, nil
}

func (b *HelmBroker) GetBinding(ctx context.Context, instanceID, bindingID string) (domain.GetBindingSpec, error) {
	binding, err := b.store.LoadBinding(instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.GetBindingSpec{}, apiresponses.ErrBindingDoesNotExist
		}
		return domain.GetBindingSpec{}, err
	}
	if len(binding.Credentials) == 0 {
		return domain.GetBindingSpec{}, apiresponses.ErrBindingDoesNotExist
	}
	return domain.GetBindingSpec{Credentials: binding.Credentials}, nil
}

func (b *HelmBroker) GetInstance(ctx context.Context, instanceID string) (domain.GetInstanceDetailsSpec, error) {
	instance, err := b.store.LoadInstance(instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.GetInstanceDetailsSpec{}, apiresponses.ErrInstanceDoesNotExist
		}
		return domain.GetInstanceDetailsSpec{}, err
	}
	return domain.GetInstanceDetailsSpec{
		ServiceID:  instance.Details.ServiceID,
		PlanID:     instance.Details.PlanID,
		Parameters: instance.Details.Parameters,
	}, nil
}

func (b *HelmBroker) LastOperation(ctx context.Context, instanceID string, details domain.PollDetails) (domain.LastOperation, error) {
	instance, err := b.store.LoadInstance(instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LastOperation{}, apiresponses.ErrInstanceDoesNotExist
		}
		return domain.LastOperation{}, err
	}
	return domain.LastOperation{
		State:       toLastOperationState(instance.LastOperation.State),
		Description: instance.LastOperation.Description,
	}, nil
}

func (b *HelmBroker) LastBindingOperation(ctx context.Context, instanceID, bindingID string, details domain.PollDetails) (domain.LastOperation, error) {
	binding, err := b.store.LoadBinding(instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LastOperation{}, apiresponses.ErrBindingDoesNotExist
		}
		return domain.LastOperation{}, err
	}
	return domain.LastOperation{
		State:       toLastOperationState(binding.LastOperation.State),
		Description: binding.LastOperation.Description,
	}, nil
}

// acceptInstanceOperation persists the in-progress record and enqueues the
// asynchronous work, logging the accepted task handle.
func (b *HelmBroker) acceptInstanceOperation(logger lager.Logger, instance *store.Instance, kind task.Kind) (string, error) {
	if err := b.store.SaveInstance(instance); err != nil {
		logger.Error("save-instance", err)
		return "", err
	}
	taskID, err := b.dispatcher.Submit(task.Operation{Kind: kind, InstanceID: instance.ID})
	if err != nil {
		logger.Error("submit", err)
		return "", err
	}
	logger.Debug("accepted", lager.Data{"task-id": taskID})
	return taskID, nil
}

func toLastOperationState(state string) domain.LastOperationState {
	switch state {
	case store.StateInProgress:
		return domain.InProgress
	case store.StateSucceeded:
		return domain.Succeeded
	}
	return domain.Failed
}

func badRequest(err error) error {
	return apiresponses.NewFailureResponse(err, http.StatusBadRequest, "bad-request")
}
