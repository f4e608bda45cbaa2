package task

import "context"

// Kind names the asynchronous operations the broker hands off.
type Kind string

const (
	KindProvision   Kind = "provision"
	KindUpdate      Kind = "update"
	KindDeprovision Kind = "deprovision"
	KindBind        Kind = "bind"
)

type Operation struct {
	Kind       Kind
	InstanceID string
	BindingID  string
}

// Dispatcher accepts an operation for asynchronous execution and returns a
// task handle immediately. Delivery is at-least-once: callers must make the
// submitted work idempotent.
//
//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 -o fakes/fake_dispatcher.go . Dispatcher
type Dispatcher interface {
	Submit(operation Operation) (string, error)
}

// Executor applies an operation to the instance's staged workspace. The
// returned output is the raw tool output; for bind operations it is the
// rendered credentials document.
//
//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 -o fakes/fake_executor.go . Executor
type Executor interface {
	Run(ctx context.Context, operation Operation) (string, error)
}
