package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	btrixv1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
)

var _ = Describe("ProfileJob Controller", func() {
	const browserID = "xyz"

	var (
		ctx         context.Context
		k8sClient   client.Client
		reconciler  *ProfileJobReconciler
		clock       *testClock
		profileName types.NamespacedName
	)

	newProfile := func() *btrixv1alpha1.ProfileJob {
		return &btrixv1alpha1.ProfileJob{
			ObjectMeta: metav1.ObjectMeta{
				Name:      ProfileJobName(browserID),
				Namespace: jobNamespace,
			},
			Spec: btrixv1alpha1.ProfileJobSpec{
				ID:          browserID,
				OID:         "org1",
				UserID:      "user1",
				StorageName: "default",
				StoragePath: "org1/profiles/",
				StartURL:    "https://example.com/login",
				VNCPassword: "s3cret",
			},
		}
	}

	reconcile := func() ctrl.Result {
		result, err := reconciler.Reconcile(ctx, ctrl.Request{NamespacedName: profileName})
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	getProfile := func() *btrixv1alpha1.ProfileJob {
		profile := &btrixv1alpha1.ProfileJob{}
		Expect(k8sClient.Get(ctx, profileName, profile)).To(Succeed())
		return profile
	}

	getBrowserPod := func() (*corev1.Pod, error) {
		pod := &corev1.Pod{}
		err := k8sClient.Get(ctx, types.NamespacedName{
			Name: "browser-" + browserID, Namespace: crawlerNamespace,
		}, pod)
		return pod, err
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = newTestClock()
		profileName = types.NamespacedName{Name: ProfileJobName(browserID), Namespace: jobNamespace}
		k8sClient = newFakeClient(newProfile())
		reconciler = newProfileReconciler(k8sClient, clock)
	})

	It("creates exactly one browser pod and its claim", func() {
		reconcile()

		pod, err := getBrowserPod()
		Expect(err).NotTo(HaveOccurred())
		Expect(pod.Labels).To(HaveKeyWithValue("browser", browserID))
		Expect(pod.Labels).To(HaveKeyWithValue("role", "job"))

		pvc := &corev1.PersistentVolumeClaim{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{
			Name: "browser-data-" + browserID, Namespace: crawlerNamespace,
		}, pvc)).To(Succeed())

		Expect(getProfile().Finalizers).To(ContainElement("profilejob.btrix.cloud"))

		By("staying put on a repeated pass")
		reconcile()
		_, err = getBrowserPod()
		Expect(err).NotTo(HaveOccurred())
	})

	It("reports ready once the browser pod is up", func() {
		reconcile()
		Expect(getProfile().Status.Ready).To(BeFalse())

		pod, err := getBrowserPod()
		Expect(err).NotTo(HaveOccurred())
		pod.Status.Phase = corev1.PodRunning
		pod.Status.Conditions = []corev1.PodCondition{
			{Type: corev1.PodReady, Status: corev1.ConditionTrue},
		}
		Expect(k8sClient.Status().Update(ctx, pod)).To(Succeed())

		reconcile()
		got := getProfile()
		Expect(got.Status.Ready).To(BeTrue())
		Expect(got.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseRunning))
	})

	It("expires a session and finalizes after the TTL", func() {
		profile := getProfile()
		expire := metav1.NewTime(clock.Now().Add(30 * time.Minute))
		profile.Spec.ExpireTime = &expire
		Expect(k8sClient.Update(ctx, profile)).To(Succeed())

		reconcile()
		_, err := getBrowserPod()
		Expect(err).NotTo(HaveOccurred())

		clock.Advance(30 * time.Minute)
		reconcile()
		got := getProfile()
		Expect(got.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinishing))
		Expect(got.Status.Expired).To(BeTrue())
		_, err = getBrowserPod()
		Expect(errors.IsNotFound(err)).To(BeTrue())

		clock.Advance(time.Duration(btrixv1alpha1.DefaultTTLSecondsAfterFinished) * time.Second)
		reconcile()
		got = getProfile()
		Expect(got.Status.Phase).To(Equal(btrixv1alpha1.JobPhaseFinalized))
		Expect(got.Spec.ExpireTime).To(BeNil())
	})

	It("backs off browser create failures instead of retrying flat-out", func() {
		gate := &podCreateGate{fail: true}
		k8sClient = newFakeClientFailingPods(gate, newProfile())
		reconciler = newProfileReconciler(k8sClient, clock)

		By("scheduling the first retry after the initial interval")
		result := reconcile()
		Expect(result.RequeueAfter).To(Equal(1 * time.Second))
		Expect(gate.attempts).To(Equal(1))
		Expect(getProfile().Status.LastError).To(ContainSubstring("pod create rejected"))

		By("doubling the wait after the second failure")
		clock.Advance(1 * time.Second)
		result = reconcile()
		Expect(result.RequeueAfter).To(Equal(2 * time.Second))
		Expect(gate.attempts).To(Equal(2))

		By("covering the remaining wait when a pass lands inside the window")
		clock.Advance(1 * time.Second)
		result = reconcile()
		Expect(gate.attempts).To(Equal(2), "gated pass must not attempt the create")
		Expect(result.RequeueAfter).To(Equal(1 * time.Second))

		By("recovering once the create succeeds")
		gate.fail = false
		clock.Advance(1 * time.Second)
		reconcile()
		_, err := getBrowserPod()
		Expect(err).NotTo(HaveOccurred())
		Expect(getProfile().Status.LastError).To(BeEmpty())
	})

	It("rejects a session without a start url", func() {
		profile := getProfile()
		profile.Spec.StartURL = ""
		Expect(k8sClient.Update(ctx, profile)).To(Succeed())

		reconcile()
		_, err := getBrowserPod()
		Expect(errors.IsNotFound(err)).To(BeTrue())
		Expect(getProfile().Status.LastError).To(ContainSubstring("start url"))
	})

	It("tears down on deletion", func() {
		reconcile()
		Expect(k8sClient.Delete(ctx, getProfile())).To(Succeed())
		reconcile()

		_, err := getBrowserPod()
		Expect(errors.IsNotFound(err)).To(BeTrue())
		err = k8sClient.Get(ctx, profileName, &btrixv1alpha1.ProfileJob{})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})
