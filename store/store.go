package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/clock"
)

const (
	OperationProvision   = "provision"
	OperationUpdate      = "update"
	OperationDeprovision = "deprovision"
	OperationBind        = "bind"
)

const (
	StateInProgress = "in progress"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

const (
	instanceFileName = "instance.json"
	bindingFileName  = "binding.json"
)

// ErrNotFound is returned when no record exists for the requested ID.
var ErrNotFound = errors.New("record not found")

// SchemaError reports a record that does not satisfy the metadata schema.
// The store never persists or returns such a record.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
}

type Details struct {
	ServiceID  string                 `json:"service_id"`
	PlanID     string                 `json:"plan_id"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type LastOperation struct {
	Operation   string `json:"operation"`
	State       string `json:"state"`
	Description string `json:"description"`
}

type Instance struct {
	ID                 string        `json:"id"`
	Details            Details       `json:"details"`
	LastOperation      LastOperation `json:"last_operation"`
	LastModified       time.Time     `json:"last_modified_time"`
	DeprovisionRetries int           `json:"deprovision_retries,omitempty"`
}

type Binding struct {
	ID            string                 `json:"id"`
	Credentials   map[string]interface{} `json:"credentials,omitempty"`
	LastOperation LastOperation          `json:"last_operation"`
	LastModified  time.Time              `json:"last_modified_time"`
}

// Store owns the record files under the instances root. Writes go to a
// temporary file in the record's directory and are renamed into place, so
// readers never observe a partial record.
type Store struct {
	root  string
	clock clock.Clock
}

func New(root string, c clock.Clock) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &Store{root: root, clock: c}, nil
}

// InstancePath returns the workspace directory for an instance.
func (s *Store) InstancePath(instanceID string) string {
	return filepath.Join(s.root, instanceID)
}

// InstanceExists reports whether the instance workspace directory exists.
func (s *Store) InstanceExists(instanceID string) bool {
	_, err := os.Stat(s.InstancePath(instanceID))
	return err == nil
}

// ListInstances returns the IDs of every workspace directory under the root,
// including ones with no readable record.
func (s *Store) ListInstances() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// RemoveInstanceDir removes the whole workspace directory, records included.
func (s *Store) RemoveInstanceDir(instanceID string) error {
	return os.RemoveAll(s.InstancePath(instanceID))
}

func (s *Store) LoadInstance(instanceID string) (*Instance, error) {
	instance := &Instance{}
	err := s.loadRecord(filepath.Join(s.InstancePath(instanceID), instanceFileName), instance)
	if err != nil {
		return nil, err
	}
	if err := validateInstance(instance); err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *Store) SaveInstance(instance *Instance) error {
	if err := validateInstance(instance); err != nil {
		return err
	}
	instance.LastModified = s.clock.Now().UTC()
	return s.saveRecord(filepath.Join(s.InstancePath(instance.ID), instanceFileName), instance)
}

func (s *Store) DeleteInstance(instanceID string) error {
	return s.deleteRecord(filepath.Join(s.InstancePath(instanceID), instanceFileName))
}

func (s *Store) LoadBinding(instanceID string) (*Binding, error) {
	binding := &Binding{}
	err := s.loadRecord(filepath.Join(s.InstancePath(instanceID), bindingFileName), binding)
	if err != nil {
		return nil, err
	}
	if err := validateBinding(binding); err != nil {
		return nil, err
	}
	return binding, nil
}

func (s *Store) SaveBinding(instanceID string, binding *Binding) error {
	if err := validateBinding(binding); err != nil {
		return err
	}
	binding.LastModified = s.clock.Now().UTC()
	return s.saveRecord(filepath.Join(s.InstancePath(instanceID), bindingFileName), binding)
}

func (s *Store) DeleteBinding(instanceID string) error {
	return s.deleteRecord(filepath.Join(s.InstancePath(instanceID), bindingFileName))
}

func (s *Store) loadRecord(path string, record interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, record); err != nil {
		return &SchemaError{Field: "record", Reason: err.Error()}
	}
	return nil
}

func (s *Store) saveRecord(path string, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-record-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Store) deleteRecord(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func validateInstance(instance *Instance) error {
	if instance.ID == "" {
		return &SchemaError{Field: "id", Reason: "must not be empty"}
	}
	if instance.Details.ServiceID == "" {
		return &SchemaError{Field: "details.service_id", Reason: "must not be empty"}
	}
	if instance.Details.PlanID == "" {
		return &SchemaError{Field: "details.plan_id", Reason: "must not be empty"}
	}
	switch instance.LastOperation.Operation {
	case OperationProvision, OperationUpdate, OperationDeprovision:
	default:
		return &SchemaError{
			Field:  "last_operation.operation",
			Reason: fmt.Sprintf("%q is not a known instance operation", instance.LastOperation.Operation),
		}
	}
	return validateState(instance.LastOperation.State)
}

func validateBinding(binding *Binding) error {
	if binding.ID == "" {
		return &SchemaError{Field: "id", Reason: "must not be empty"}
	}
	if binding.LastOperation.Operation != OperationBind {
		return &SchemaError{
			Field:  "last_operation.operation",
			Reason: fmt.Sprintf("%q is not a known binding operation", binding.LastOperation.Operation),
		}
	}
	return validateState(binding.LastOperation.State)
}

func validateState(state string) error {
	switch state {
	case StateInProgress, StateSucceeded, StateFailed:
		return nil
	}
	return &SchemaError{
		Field:  "last_operation.state",
		Reason: fmt.Sprintf("%q is not a known operation state", state),
	}
}
