package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	btrixv1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
	"github.com/vnznznz/browsertrix-cloud/internal/render"
)

var _ = Describe("CrawlJob Controller", func() {
	const crawlID = "abc"

	var (
		ctx        context.Context
		k8sClient  client.Client
		reconciler *CrawlJobReconciler
		clock      *testClock
		crawlName  types.NamespacedName
	)

	newCrawl := func(scale int32) *btrixv1alpha1.CrawlJob {
		return &btrixv1alpha1.CrawlJob{
			ObjectMeta: metav1.ObjectMeta{
				Name:      CrawlJobName(crawlID),
				Namespace: jobNamespace,
			},
			Spec: btrixv1alpha1.CrawlJobSpec{
				ID:          crawlID,
				CID:         "cfg1",
				OID:         "org1",
				UserID:      "user1",
				Scale:       scale,
				StorageName: "default",
				StoragePath: "org1/",
			},
		}
	}

	reconcile := func() ctrl.Result {
		result, err := reconciler.Reconcile(ctx, ctrl.Request{NamespacedName: crawlName})
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	getCrawl := func() *btrixv1alpha1.CrawlJob {
		crawl := &btrixv1alpha1.CrawlJob{}
		Expect(k8sClient.Get(ctx, crawlName, crawl)).To(Succeed())
		return crawl
	}

	listPods := func() []corev1.Pod {
		var pods corev1.PodList
		Expect(k8sClient.List(ctx, &pods,
			client.InNamespace(crawlerNamespace),
			client.MatchingLabels{render.CrawlLabel: crawlID})).To(Succeed())
		return pods.Items
	}

	listPVCs := func() []corev1.PersistentVolumeClaim {
		var pvcs corev1.PersistentVolumeClaimList
		Expect(k8sClient.List(ctx, &pvcs,
			client.InNamespace(crawlerNamespace),
			client.MatchingLabels{render.CrawlLabel: crawlID})).To(Succeed())
		return pvcs.Items
	}

	markPodsReady := func() {
		for _, pod := range listPods() {
			pod.Status.Phase = corev1.PodRunning
			pod.Status.Conditions = []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			}
			Expect(k8sClient.Status().Update(ctx, &pod)).To(Succeed())
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = newTestClock()
		crawlName = types.NamespacedName{Name: CrawlJobName(crawlID), Namespace: jobNamespace}
	})

	Context("running a crawl through its full lifecycle", func() {
		BeforeEach(func() {
			k8sClient = newFakeClient(newCrawl(2))
			reconciler = newCrawlReconciler(k8sClient, clock)
		})

		It("materializes, scales down and finalizes", func() {
			By("creating two replicas on the first pass")
			reconcile()
			Expect(listPods()).To(HaveLen(2))
			Expect(listPVCs()).To(HaveLen(2))

			crawl := getCrawl()
			Expect(crawl.Finalizers).To(ContainElement("crawljob.btrix.cloud"))
			Expect(crawl.Status.Phase).To(Equal(btrixv1alpha1.JobPhasePending))
			Expect(crawl.Status.Scale).To(Equal(int32(2)), "status counts what the pass left behind")

			By("repeating the pass without duplicating resources")
			reconcile()
			Expect(listPods()).To(HaveLen(2))
			Expect(listPVCs()).To(HaveLen(2))

			By("moving to Running once a replica reports ready")
			markPodsReady()
			reconcile()
			crawl = getCrawl()
			Expect(crawl.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseRunning))
			Expect(crawl.Status.ReadyReplicas).To(Equal(int32(2)))

			By("entering Finishing when scale drops to zero")
			crawl.Spec.Scale = 0
			Expect(k8sClient.Update(ctx, crawl)).To(Succeed())
			result := reconcile()
			crawl = getCrawl()
			Expect(crawl.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinishing))
			Expect(crawl.Status.Stopping).To(BeTrue())
			Expect(crawl.Status.FinishedAt).NotTo(BeNil())
			Expect(listPods()).To(BeEmpty())
			Expect(result.RequeueAfter).To(BeNumerically(">", 0))

			By("lingering through the TTL")
			clock.Advance(10 * time.Second)
			reconcile()
			Expect(getCrawl().Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinishing))

			By("finalizing once the TTL elapses")
			clock.Advance(25 * time.Second)
			reconcile()
			crawl = getCrawl()
			Expect(crawl.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinalized))
			Expect(listPods()).To(BeEmpty())
			Expect(listPVCs()).To(BeEmpty())

			By("staying terminal on further passes")
			reconcile()
			Expect(getCrawl().Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinalized))
		})

		It("scales down highest ordinals first", func() {
			reconcile()
			Expect(listPods()).To(HaveLen(2))

			crawl := getCrawl()
			crawl.Spec.Scale = 1
			Expect(k8sClient.Update(ctx, crawl)).To(Succeed())
			reconcile()

			pods := listPods()
			Expect(pods).To(HaveLen(1))
			Expect(pods[0].Name).To(Equal("crawl-abc-0"))
			Expect(listPVCs()).To(HaveLen(1))
		})

		It("heals a manually deleted replica", func() {
			reconcile()
			pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
				Name: "crawl-abc-0", Namespace: crawlerNamespace,
			}}
			Expect(k8sClient.Delete(ctx, pod)).To(Succeed())

			reconcile()
			names := []string{}
			for _, p := range listPods() {
				names = append(names, p.Name)
			}
			Expect(names).To(ConsistOf("crawl-abc-0", "crawl-abc-1"))
		})

		It("tears everything down on job deletion", func() {
			reconcile()
			Expect(listPods()).To(HaveLen(2))

			Expect(k8sClient.Delete(ctx, getCrawl())).To(Succeed())
			reconcile()

			Expect(listPods()).To(BeEmpty())
			Expect(listPVCs()).To(BeEmpty())
			err := k8sClient.Get(ctx, crawlName, &btrixv1alpha1.CrawlJob{})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("apply failures", func() {
		var gate *podCreateGate

		BeforeEach(func() {
			gate = &podCreateGate{fail: true}
			k8sClient = newFakeClientFailingPods(gate, newCrawl(1))
			reconciler = newCrawlReconciler(k8sClient, clock)
		})

		It("requeues at the replica's backoff deadline, not a fixed interval", func() {
			By("scheduling the first retry after the initial interval")
			result := reconcile()
			Expect(result.RequeueAfter).To(Equal(1 * time.Second))
			Expect(gate.attempts).To(Equal(1))
			Expect(getCrawl().Status.LastError).To(ContainSubstring("pod create rejected"))

			By("doubling the wait after the second failure")
			clock.Advance(1 * time.Second)
			result = reconcile()
			Expect(result.RequeueAfter).To(Equal(2 * time.Second))
			Expect(gate.attempts).To(Equal(2))

			By("still requeuing when the pass lands inside the backoff window")
			clock.Advance(1 * time.Second)
			result = reconcile()
			Expect(gate.attempts).To(Equal(2), "gated pass must not attempt the create")
			Expect(result.RequeueAfter).To(Equal(1*time.Second),
				"requeue covers the remaining wait so the job is never stranded")

			By("recovering once the cluster accepts the create")
			gate.fail = false
			clock.Advance(1 * time.Second)
			result = reconcile()
			Expect(gate.attempts).To(Equal(3))
			Expect(listPods()).To(HaveLen(1))
			Expect(getCrawl().Status.LastError).To(BeEmpty())
		})

		It("marks the replica degraded past the retry budget and heals on success", func() {
			reconcile()                      // failure 1, next retry +1s
			clock.Advance(1 * time.Second)   // t+1s
			reconcile()                      // failure 2, next retry +2s
			clock.Advance(2 * time.Second)   // t+3s
			reconcile()                      // failure 3, next retry +4s
			Expect(getCrawl().Status.DegradedReplicas).To(BeEmpty())

			clock.Advance(4 * time.Second) // t+7s
			result := reconcile()          // failure 4, past the budget
			Expect(getCrawl().Status.DegradedReplicas).To(Equal([]int32{0}))
			Expect(result.RequeueAfter).To(Equal(8*time.Second), "degraded replicas keep retrying")

			gate.fail = false
			clock.Advance(8 * time.Second)
			reconcile()
			Expect(listPods()).To(HaveLen(1))
			Expect(getCrawl().Status.DegradedReplicas).To(BeEmpty())
		})
	})

	Context("expiration", func() {
		It("forces a running crawl into Finishing at the deadline", func() {
			crawl := newCrawl(2)
			expire := metav1.NewTime(clock.Now().Add(time.Hour))
			crawl.Spec.ExpireTime = &expire
			k8sClient = newFakeClient(crawl)
			reconciler = newCrawlReconciler(k8sClient, clock)

			result := reconcile()
			Expect(result.RequeueAfter).To(Equal(time.Hour))
			Expect(listPods()).To(HaveLen(2))

			clock.Advance(time.Hour)
			reconcile()

			got := getCrawl()
			Expect(got.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinishing))
			Expect(got.Status.Expired).To(BeTrue())
			Expect(listPods()).To(BeEmpty())

			By("clearing expireTime on finalization")
			clock.Advance(time.Duration(btrixv1alpha1.DefaultTTLSecondsAfterFinished) * time.Second)
			reconcile()
			got = getCrawl()
			Expect(got.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinalized))
			Expect(got.Spec.ExpireTime).To(BeNil())
		})
	})

	Context("validation", func() {
		It("rejects a crawl without a config reference", func() {
			crawl := newCrawl(1)
			crawl.Spec.CID = ""
			k8sClient = newFakeClient(crawl)
			reconciler = newCrawlReconciler(k8sClient, clock)

			reconcile()
			Expect(listPods()).To(BeEmpty())
			Expect(getCrawl().Status.LastError).To(ContainSubstring("cid"))
		})

		It("rejects an unknown storage", func() {
			crawl := newCrawl(1)
			crawl.Spec.StorageName = "nonexistent"
			k8sClient = newFakeClient(crawl)
			reconciler = newCrawlReconciler(k8sClient, clock)

			reconcile()
			Expect(listPods()).To(BeEmpty())
			Expect(getCrawl().Status.LastError).To(ContainSubstring("unknown storage"))
		})
	})

	Context("completion", func() {
		It("finishes when every replica succeeds", func() {
			k8sClient = newFakeClient(newCrawl(1))
			reconciler = newCrawlReconciler(k8sClient, clock)
			reconcile()

			for _, pod := range listPods() {
				pod.Status.Phase = corev1.PodSucceeded
				Expect(k8sClient.Status().Update(ctx, &pod)).To(Succeed())
			}
			reconcile()

			got := getCrawl()
			Expect(got.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinishing))
			Expect(got.Status.FinishedAt).NotTo(BeNil())
		})

		It("finishes when every replica fails", func() {
			k8sClient = newFakeClient(newCrawl(1))
			reconciler = newCrawlReconciler(k8sClient, clock)
			reconcile()

			for _, pod := range listPods() {
				pod.Status.Phase = corev1.PodFailed
				Expect(k8sClient.Status().Update(ctx, &pod)).To(Succeed())
			}
			reconcile()

			Expect(getCrawl().Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinishing))
		})
	})
})
