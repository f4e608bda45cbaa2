package reaper_test

import (
	"os"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/alphagov/paas-helm-broker/reaper"
	"github.com/alphagov/paas-helm-broker/store"
	"github.com/alphagov/paas-helm-broker/task"
	"github.com/alphagov/paas-helm-broker/task/fakes"
)

var _ = Describe("Reaper", func() {
	const (
		interval   = time.Hour
		staleAfter = 24 * time.Hour
	)

	var (
		metadataStore  *store.Store
		fakeDispatcher *fakes.FakeDispatcher
		fakeClock      *fakeclock.FakeClock
		sweeper        *reaper.Reaper
	)

	BeforeEach(func() {
		fakeDispatcher = &fakes.FakeDispatcher{}
		fakeDispatcher.SubmitReturns("task-guid", nil)
		fakeClock = fakeclock.NewFakeClock(time.Now())

		var err error
		metadataStore, err = store.New(GinkgoT().TempDir(), fakeClock)
		Expect(err).NotTo(HaveOccurred())

		sweeper = reaper.New(metadataStore, fakeDispatcher, fakeClock, interval, staleAfter, newTestLogger("reaper"))
	})

	saveInstance := func(id, operation, state string) {
		Expect(os.MkdirAll(metadataStore.InstancePath(id), 0755)).To(Succeed())
		Expect(metadataStore.SaveInstance(&store.Instance{
			ID:      id,
			Details: store.Details{ServiceID: "svc1", PlanID: "plan1"},
			LastOperation: store.LastOperation{
				Operation:   operation,
				State:       state,
				Description: "x",
			},
		})).To(Succeed())
	}

	It("removes a workspace directory that has no metadata record", func() {
		Expect(os.MkdirAll(metadataStore.InstancePath("orphan"), 0755)).To(Succeed())

		sweeper.Sweep()

		Expect(metadataStore.InstanceExists("orphan")).To(BeFalse())
		Expect(fakeDispatcher.SubmitCallCount()).To(Equal(0))
	})

	It("removes a workspace whose deprovision succeeded", func() {
		saveInstance("done", store.OperationDeprovision, store.StateSucceeded)

		sweeper.Sweep()

		Expect(metadataStore.InstanceExists("done")).To(BeFalse())
	})

	It("leaves healthy instances alone", func() {
		saveInstance("healthy", store.OperationProvision, store.StateSucceeded)
		fakeClock.Increment(48 * time.Hour)

		sweeper.Sweep()

		Expect(metadataStore.InstanceExists("healthy")).To(BeTrue())
		Expect(fakeDispatcher.SubmitCallCount()).To(Equal(0))
	})

	It("leaves a fresh in-progress deprovision alone", func() {
		saveInstance("fresh", store.OperationDeprovision, store.StateInProgress)

		sweeper.Sweep()

		Expect(metadataStore.InstanceExists("fresh")).To(BeTrue())
		Expect(fakeDispatcher.SubmitCallCount()).To(Equal(0))
	})

	Describe("a deprovision stuck past the staleness threshold", func() {
		BeforeEach(func() {
			saveInstance("stuck", store.OperationDeprovision, store.StateInProgress)
			fakeClock.Increment(staleAfter + time.Minute)
		})

		It("re-enqueues the deprovision exactly once", func() {
			sweeper.Sweep()

			Expect(fakeDispatcher.SubmitCallCount()).To(Equal(1))
			Expect(fakeDispatcher.SubmitArgsForCall(0)).To(Equal(task.Operation{
				Kind:       task.KindDeprovision,
				InstanceID: "stuck",
			}))
			Expect(metadataStore.InstanceExists("stuck")).To(BeTrue())

			instance, err := metadataStore.LoadInstance("stuck")
			Expect(err).NotTo(HaveOccurred())
			Expect(instance.DeprovisionRetries).To(Equal(1))

			By("not re-enqueueing again on the next sweep")
			sweeper.Sweep()
			Expect(fakeDispatcher.SubmitCallCount()).To(Equal(1))
		})

		It("removes the workspace when it is still stale after the retry", func() {
			sweeper.Sweep()
			Expect(metadataStore.InstanceExists("stuck")).To(BeTrue())

			fakeClock.Increment(staleAfter + time.Minute)
			sweeper.Sweep()

			Expect(metadataStore.InstanceExists("stuck")).To(BeFalse())
			Expect(fakeDispatcher.SubmitCallCount()).To(Equal(1))
		})
	})

	Describe("Run", func() {
		It("sweeps on every tick until stopped", func() {
			Expect(os.MkdirAll(metadataStore.InstancePath("orphan"), 0755)).To(Succeed())

			stop := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				sweeper.Run(stop)
			}()

			fakeClock.WaitForWatcherAndIncrement(interval)
			Eventually(func() bool {
				return metadataStore.InstanceExists("orphan")
			}).Should(BeFalse())

			close(stop)
			Eventually(done).Should(BeClosed())
		})
	})
})
