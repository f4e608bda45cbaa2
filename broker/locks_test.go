package broker

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("instance locks", func() {
	var b *HelmBroker

	BeforeEach(func() {
		b = &HelmBroker{locks: map[string]*instanceLock{}}
	})

	lockCount := func() int {
		b.locksMutex.Lock()
		defer b.locksMutex.Unlock()
		return len(b.locks)
	}

	It("drops the map entry once the last holder releases", func() {
		release := b.lockInstance("abc123")
		Expect(lockCount()).To(Equal(1))

		release()
		Expect(lockCount()).To(BeZero())
	})

	It("serialises concurrent holders of the same instance", func() {
		release := b.lockInstance("abc123")

		acquired := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			releaseSecond := b.lockInstance("abc123")
			close(acquired)
			releaseSecond()
		}()

		Consistently(acquired).ShouldNot(BeClosed())
		release()
		Eventually(acquired).Should(BeClosed())

		Eventually(lockCount).Should(BeZero())
	})
})
