package hk_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/xrootd-go/xrdcl/hk"
)

var _ = Describe("Manager", func() {
	It("runs no earlier than its deadline and stops when told to", func() {
		var ran []time.Time
		start := time.Now()

		hk.DefaultHK.Register(hk.Func("once", func(now time.Time) time.Time {
			ran = append(ran, now)
			return time.Time{} // stop
		}), start.Add(150*time.Millisecond))

		Eventually(func() int { return len(ran) }, 2*time.Second, 10*time.Millisecond).Should(Equal(1))
		Expect(ran[0]).To(BeTemporally(">=", start.Add(150*time.Millisecond)))

		// must not run again
		Consistently(func() int { return len(ran) }, 300*time.Millisecond, 20*time.Millisecond).Should(Equal(1))
	})

	It("reschedules to the returned next deadline until it stops", func() {
		count := 0
		hk.DefaultHK.Register(hk.Func("periodic", func(now time.Time) time.Time {
			count++
			if count >= 3 {
				return time.Time{}
			}
			return now.Add(50 * time.Millisecond)
		}), time.Now().Add(20*time.Millisecond))

		Eventually(func() int { return count }, 2*time.Second, 10*time.Millisecond).Should(Equal(3))
		Consistently(func() int { return count }, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(3))
	})

	It("guarantees no further Run after Unregister returns", func() {
		count := 0
		hk.DefaultHK.Register(hk.Func("cancel-me", func(now time.Time) time.Time {
			count++
			return now.Add(10 * time.Millisecond)
		}), time.Now().Add(10*time.Millisecond))

		Eventually(func() int { return count }, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))
		hk.DefaultHK.Unregister("cancel-me")
		seenAtUnregister := count

		Consistently(func() int { return count }, 150*time.Millisecond, 10*time.Millisecond).Should(Equal(seenAtUnregister))
	})
})
