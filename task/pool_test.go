package task_test

import (
	"errors"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/alphagov/paas-helm-broker/store"
	"github.com/alphagov/paas-helm-broker/task"
	"github.com/alphagov/paas-helm-broker/task/fakes"
)

var _ = Describe("Pool", func() {
	var (
		fakeExecutor  *fakes.FakeExecutor
		metadataStore *store.Store
		pool          *task.Pool
	)

	BeforeEach(func() {
		fakeExecutor = &fakes.FakeExecutor{}

		var err error
		metadataStore, err = store.New(GinkgoT().TempDir(), clock.NewClock())
		Expect(err).NotTo(HaveOccurred())

		pool = task.NewPool(fakeExecutor, metadataStore, 2, time.Minute, newTestLogger("pool"))
		pool.Start()
	})

	AfterEach(func() {
		pool.Stop()
	})

	saveInstance := func(id, operation string) {
		Expect(os.MkdirAll(metadataStore.InstancePath(id), 0755)).To(Succeed())
		Expect(metadataStore.SaveInstance(&store.Instance{
			ID:      id,
			Details: store.Details{ServiceID: "svc1", PlanID: "plan1"},
			LastOperation: store.LastOperation{
				Operation:   operation,
				State:       store.StateInProgress,
				Description: "working",
			},
		})).To(Succeed())
	}

	loadInstance := func(id string) *store.Instance {
		instance, err := metadataStore.LoadInstance(id)
		Expect(err).NotTo(HaveOccurred())
		return instance
	}

	It("runs the submitted operation and records success", func() {
		saveInstance("abc123", store.OperationProvision)
		fakeExecutor.RunReturns("release installed", nil)

		taskID, err := pool.Submit(task.Operation{Kind: task.KindProvision, InstanceID: "abc123"})
		Expect(err).NotTo(HaveOccurred())
		Expect(taskID).NotTo(BeEmpty())

		Eventually(func() string {
			return loadInstance("abc123").LastOperation.State
		}).Should(Equal(store.StateSucceeded))
		Expect(loadInstance("abc123").LastOperation.Description).To(Equal("install complete"))

		_, operation := fakeExecutor.RunArgsForCall(0)
		Expect(operation.InstanceID).To(Equal("abc123"))
		Expect(operation.Kind).To(Equal(task.KindProvision))
	})

	It("records executor failures against the instance", func() {
		saveInstance("abc123", store.OperationDeprovision)
		fakeExecutor.RunReturns("", errors.New("helm uninstall: release not loaded"))

		_, err := pool.Submit(task.Operation{Kind: task.KindDeprovision, InstanceID: "abc123"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() string {
			return loadInstance("abc123").LastOperation.State
		}).Should(Equal(store.StateFailed))
		Expect(loadInstance("abc123").LastOperation.Description).To(Equal("helm uninstall: release not loaded"))
	})

	It("describes each successful operation kind", func() {
		saveInstance("abc123", store.OperationUpdate)
		fakeExecutor.RunReturns("", nil)

		_, err := pool.Submit(task.Operation{Kind: task.KindUpdate, InstanceID: "abc123"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() string {
			return loadInstance("abc123").LastOperation.Description
		}).Should(Equal("update complete"))
	})

	It("runs jobs under the wall-clock deadline", func() {
		saveInstance("abc123", store.OperationProvision)
		fakeExecutor.RunReturns("", nil)

		_, err := pool.Submit(task.Operation{Kind: task.KindProvision, InstanceID: "abc123"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(fakeExecutor.RunCallCount).Should(Equal(1))
		ctx, _ := fakeExecutor.RunArgsForCall(0)
		_, hasDeadline := ctx.Deadline()
		Expect(hasDeadline).To(BeTrue())
	})

	Describe("bind operations", func() {
		BeforeEach(func() {
			saveInstance("abc123", store.OperationProvision)
			Expect(metadataStore.SaveBinding("abc123", &store.Binding{
				ID: "bind1",
				LastOperation: store.LastOperation{
					Operation:   store.OperationBind,
					State:       store.StateInProgress,
					Description: "rendering credentials",
				},
			})).To(Succeed())
		})

		loadBinding := func() *store.Binding {
			binding, err := metadataStore.LoadBinding("abc123")
			Expect(err).NotTo(HaveOccurred())
			return binding
		}

		It("parses the rendered output into credentials", func() {
			fakeExecutor.RunReturns("username: admin\npassword: s3cret\nports:\n  redis: 6379\n", nil)

			_, err := pool.Submit(task.Operation{Kind: task.KindBind, InstanceID: "abc123", BindingID: "bind1"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string {
				return loadBinding().LastOperation.State
			}).Should(Equal(store.StateSucceeded))

			binding := loadBinding()
			Expect(binding.LastOperation.Description).To(Equal("binding created"))
			Expect(binding.Credentials).To(Equal(map[string]interface{}{
				"username": "admin",
				"password": "s3cret",
				"ports":    map[string]interface{}{"redis": float64(6379)},
			}))
		})

		It("fails the binding when the output is not valid YAML", func() {
			fakeExecutor.RunReturns("{{{", nil)

			_, err := pool.Submit(task.Operation{Kind: task.KindBind, InstanceID: "abc123", BindingID: "bind1"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string {
				return loadBinding().LastOperation.State
			}).Should(Equal(store.StateFailed))
			Expect(loadBinding().LastOperation.Description).To(ContainSubstring("not valid YAML"))
		})

		It("fails the binding when the executor errors", func() {
			fakeExecutor.RunReturns("", errors.New("helm template: chart not found"))

			_, err := pool.Submit(task.Operation{Kind: task.KindBind, InstanceID: "abc123", BindingID: "bind1"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string {
				return loadBinding().LastOperation.State
			}).Should(Equal(store.StateFailed))
			Expect(loadBinding().LastOperation.Description).To(Equal("helm template: chart not found"))
		})
	})
})
