package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/event"

	btrixv1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
)

var _ = Describe("ExpirationSweeper", func() {
	var (
		clock         *testClock
		crawlEvents   chan event.GenericEvent
		profileEvents chan event.GenericEvent
		sweeper       *ExpirationSweeper
	)

	BeforeEach(func() {
		clock = newTestClock()
		crawlEvents = make(chan event.GenericEvent, 10)
		profileEvents = make(chan event.GenericEvent, 10)
	})

	It("emits events only for jobs past their deadline", func() {
		past := metav1.NewTime(clock.Now().Add(-time.Minute))
		future := metav1.NewTime(clock.Now().Add(time.Hour))

		expired := &btrixv1alpha1.CrawlJob{
			ObjectMeta: metav1.ObjectMeta{Name: "crawljob-old", Namespace: jobNamespace},
			Spec:       btrixv1alpha1.CrawlJobSpec{ID: "old", CID: "c", OID: "o", UserID: "u", ExpireTime: &past},
		}
		pending := &btrixv1alpha1.CrawlJob{
			ObjectMeta: metav1.ObjectMeta{Name: "crawljob-new", Namespace: jobNamespace},
			Spec:       btrixv1alpha1.CrawlJobSpec{ID: "new", CID: "c", OID: "o", UserID: "u", ExpireTime: &future},
		}
		finalized := &btrixv1alpha1.CrawlJob{
			ObjectMeta: metav1.ObjectMeta{Name: "crawljob-done", Namespace: jobNamespace},
			Spec:       btrixv1alpha1.CrawlJobSpec{ID: "done", CID: "c", OID: "o", UserID: "u", ExpireTime: &past},
			Status:     btrixv1alpha1.CrawlJobStatus{Phase: btrixv1alpha1.JobPhaseFinalized},
		}

		sweeper = &ExpirationSweeper{
			Client:        newFakeClient(expired, pending, finalized),
			JobNamespace:  jobNamespace,
			Now:           clock.Now,
			CrawlEvents:   crawlEvents,
			ProfileEvents: profileEvents,
		}

		sweeper.sweepCrawls(context.Background())

		Expect(crawlEvents).To(HaveLen(1))
		evt := <-crawlEvents
		Expect(evt.Object.GetName()).To(Equal("crawljob-old"))
	})

	It("sweeps expired profile sessions", func() {
		past := metav1.NewTime(clock.Now().Add(-time.Second))
		profile := &btrixv1alpha1.ProfileJob{
			ObjectMeta: metav1.ObjectMeta{Name: "profilejob-xyz", Namespace: jobNamespace},
			Spec: btrixv1alpha1.ProfileJobSpec{
				ID: "xyz", OID: "o", UserID: "u",
				StorageName: "default", StartURL: "https://example.com",
				ExpireTime: &past,
			},
		}

		sweeper = &ExpirationSweeper{
			Client:        newFakeClient(profile),
			JobNamespace:  jobNamespace,
			Now:           clock.Now,
			CrawlEvents:   crawlEvents,
			ProfileEvents: profileEvents,
		}

		sweeper.sweepProfiles(context.Background())

		Expect(profileEvents).To(HaveLen(1))
		evt := <-profileEvents
		Expect(evt.Object.GetName()).To(Equal("profilejob-xyz"))
	})

	It("emits nothing when no deadline is set", func() {
		crawl := &btrixv1alpha1.CrawlJob{
			ObjectMeta: metav1.ObjectMeta{Name: "crawljob-abc", Namespace: jobNamespace},
			Spec:       btrixv1alpha1.CrawlJobSpec{ID: "abc", CID: "c", OID: "o", UserID: "u"},
		}

		sweeper = &ExpirationSweeper{
			Client:        newFakeClient(crawl),
			JobNamespace:  jobNamespace,
			Now:           clock.Now,
			CrawlEvents:   crawlEvents,
			ProfileEvents: profileEvents,
		}

		sweeper.sweepCrawls(context.Background())
		Expect(crawlEvents).To(BeEmpty())
	})
})
