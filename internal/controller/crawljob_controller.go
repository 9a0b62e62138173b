package controller

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/source"

	btrixv1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
	"github.com/vnznznz/browsertrix-cloud/internal/config"
	"github.com/vnznznz/browsertrix-cloud/internal/lifecycle"
	"github.com/vnznznz/browsertrix-cloud/internal/logger"
	"github.com/vnznznz/browsertrix-cloud/internal/metrics"
	"github.com/vnznznz/browsertrix-cloud/internal/notify"
	"github.com/vnznznz/browsertrix-cloud/internal/render"
	"github.com/vnznznz/browsertrix-cloud/internal/retry"
	"github.com/vnznznz/browsertrix-cloud/internal/scale"
	"github.com/vnznznz/browsertrix-cloud/internal/storage"
)

const crawlJobFinalizer = "crawljob.btrix.cloud"

// CrawlJobName returns the object name the API tier uses for a crawl id.
// Pod events map back to the owning job through this convention.
func CrawlJobName(id string) string {
	return fmt.Sprintf("crawljob-%s", id)
}

// CrawlJobReconciler reconciles a CrawlJob object: it renders the target
// replica set, diffs it against observed pods and PVCs, gates the diff
// through lifecycle rules and applies it idempotently.
type CrawlJobReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	Renderer *render.Renderer
	Storages *storage.Registry
	Notifier *notify.Notifier
	Defaults *config.CrawlerDefaults

	// JobNamespace is where CrawlJob records live (the crawler workloads
	// run in Defaults.Namespace)
	JobNamespace string

	// Retries tracks per-replica apply failures across passes
	Retries *retry.Tracker

	// Now is the clock; overridable in tests
	Now func() time.Time

	// expiryEvents receives wake-ups from the periodic expiration sweep
	expiryEvents chan event.GenericEvent
}

// +kubebuilder:rbac:groups=btrix.cloud,resources=crawljobs,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=btrix.cloud,resources=crawljobs/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=btrix.cloud,resources=crawljobs/finalizers,verbs=update
// +kubebuilder:rbac:groups=core,resources=pods,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups=core,resources=persistentvolumeclaims,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups=core,resources=events,verbs=create;patch

// Reconcile drives one pass of the render -> plan -> diff -> gate -> apply
// pipeline for a single crawl
func (r *CrawlJobReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	crawl := &btrixv1alpha1.CrawlJob{}
	if err := r.Get(ctx, req.NamespacedName, crawl); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get CrawlJob: %w", err)
	}

	l := logger.WithJob(logger.FromContext(ctx), "CrawlJob", crawl.Spec.ID)
	ctx = logger.WithContext(ctx, l)
	l.Debug().Msg("reconciling crawl")

	// A deletion event cancels normal reconciliation and switches straight
	// to teardown
	if !crawl.DeletionTimestamp.IsZero() {
		return r.handleDeletion(ctx, crawl)
	}

	if !controllerutil.ContainsFinalizer(crawl, crawlJobFinalizer) {
		controllerutil.AddFinalizer(crawl, crawlJobFinalizer)
		if err := r.Update(ctx, crawl); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}
	}

	// Spec validation failures surface immediately on the job and create
	// nothing; a spec update triggers a fresh pass
	if err := r.validate(crawl); err != nil {
		l.Warn().Err(err).Msg("rejecting invalid crawl spec")
		r.Recorder.Event(crawl, corev1.EventTypeWarning, "InvalidSpec", err.Error())
		crawl.Status.LastError = err.Error()
		if statusErr := r.Status().Update(ctx, crawl); statusErr != nil {
			return ctrl.Result{}, fmt.Errorf("failed to update status: %w", statusErr)
		}
		metrics.RecordReconcile("crawljob", "invalid")
		return ctrl.Result{}, nil
	}

	observed, ordinals, err := r.observeReplicas(ctx, crawl.Spec.ID)
	if err != nil {
		return ctrl.Result{}, err
	}

	now := r.now()
	decision := lifecycle.Evaluate(lifecycle.Input{
		Phase:        crawl.Status.Phase,
		Expired:      crawl.Status.Expired,
		FinishedAt:   timePtr(crawl.Status.FinishedAt),
		DesiredScale: scale.Clamp(crawl.Spec.Scale),
		ExpireTime:   timePtr(crawl.Spec.ExpireTime),
		TTL:          time.Duration(crawl.TTL()) * time.Second,
		Observed:     observed,
		Now:          now,
	})

	if decision.EnteredFinishing {
		crawl.Status.FinishedAt = &metav1.Time{Time: now}
		r.Recorder.Event(crawl, corev1.EventTypeNormal, decision.FinishReason, "Crawl is finishing")
		l.Info().Str("reason", decision.FinishReason).Msg("crawl entered finishing")

		url := render.WebhookURL(r.Defaults.APIBaseURL, crawl.Spec.ID)
		if err := r.Notifier.JobDone(ctx, url, crawl.Spec.ID, string(btrixv1alpha1.JobPhaseFinishing), decision.FinishReason); err != nil {
			l.Warn().Err(err).Msg("completion webhook not delivered")
		}
	}

	if decision.Finalize {
		if err := r.deleteOwnedResources(ctx, crawl.Spec.ID); err != nil {
			return ctrl.Result{}, err
		}
		r.Retries.Forget(crawl.Spec.ID + "/")
		metrics.DeleteCrawlReplicas(crawl.Spec.ID)
		r.Recorder.Event(crawl, corev1.EventTypeNormal, "Finalized", "All crawl resources removed")

		// Clearing expireTime is the one desired-state mutation the
		// controller makes; the job record itself is deleted by its owner
		if crawl.Spec.ExpireTime != nil {
			crawl.Spec.ExpireTime = nil
			if err := r.Update(ctx, crawl); err != nil {
				return ctrl.Result{}, fmt.Errorf("failed to clear expireTime: %w", err)
			}
		}

		crawl.Status.Phase = btrixv1alpha1.JobPhaseFinalized
		crawl.Status.Expired = decision.Expired
		crawl.Status.Stopping = false
		crawl.Status.Scale = 0
		crawl.Status.ReadyReplicas = 0
		crawl.Status.ObservedGeneration = crawl.Generation
		if err := r.Status().Update(ctx, crawl); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to update status: %w", err)
		}
		metrics.RecordReconcile("crawljob", "finalized")
		l.Info().Msg("crawl finalized")
		return ctrl.Result{}, nil
	}

	diff := scale.Compute(decision.TargetScale, ordinals)
	applyErrs, retryAfter := r.apply(ctx, crawl, diff, now)

	// Re-observe after the apply so status reflects what the pass left in
	// the cluster, not what it found
	if !diff.Empty() {
		observed, _, err = r.observeReplicas(ctx, crawl.Spec.ID)
		if err != nil {
			return ctrl.Result{}, err
		}
	}

	crawl.Status.Phase = decision.Phase
	crawl.Status.Expired = decision.Expired
	crawl.Status.Stopping = decision.Phase == btrixv1alpha1.JobPhaseFinishing
	crawl.Status.Scale = int32(observed.Total)
	crawl.Status.ReadyReplicas = int32(observed.Ready)
	crawl.Status.CompletedReplicas = int32(observed.Completed)
	crawl.Status.FailedReplicas = int32(observed.Failed)
	crawl.Status.DegradedReplicas = r.degradedOrdinals(crawl.Spec.ID, decision.TargetScale)
	crawl.Status.ObservedGeneration = crawl.Generation
	if len(applyErrs) > 0 {
		crawl.Status.LastError = applyErrs[0].Error()
	} else {
		crawl.Status.LastError = ""
	}
	if err := r.Status().Update(ctx, crawl); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to update status: %w", err)
	}

	metrics.UpdateCrawlReplicas(crawl.Spec.ID, observed.Total, observed.Ready)

	// Transient cluster errors retry with backoff, never surfaced as job
	// failure: requeue at the earliest per-replica retry deadline
	result := ctrl.Result{RequeueAfter: decision.RequeueAfter}
	if retryAfter > 0 && (result.RequeueAfter == 0 || retryAfter < result.RequeueAfter) {
		result.RequeueAfter = retryAfter
	}
	if len(applyErrs) > 0 || retryAfter > 0 {
		metrics.RecordReconcile("crawljob", "retry")
	} else {
		metrics.RecordReconcile("crawljob", "success")
	}
	return result, nil
}

// handleDeletion tears down all owned resources and releases the finalizer
func (r *CrawlJobReconciler) handleDeletion(ctx context.Context, crawl *btrixv1alpha1.CrawlJob) (ctrl.Result, error) {
	l := logger.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(crawl, crawlJobFinalizer) {
		return ctrl.Result{}, nil
	}

	if err := r.deleteOwnedResources(ctx, crawl.Spec.ID); err != nil {
		return ctrl.Result{}, err
	}
	r.Retries.Forget(crawl.Spec.ID + "/")
	metrics.DeleteCrawlReplicas(crawl.Spec.ID)

	controllerutil.RemoveFinalizer(crawl, crawlJobFinalizer)
	if err := r.Update(ctx, crawl); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to remove finalizer: %w", err)
	}

	l.Info().Msg("crawl torn down")
	return ctrl.Result{}, nil
}

func (r *CrawlJobReconciler) validate(crawl *btrixv1alpha1.CrawlJob) error {
	spec := crawl.Spec
	switch {
	case spec.ID == "":
		return fmt.Errorf("crawl id is required")
	case spec.CID == "":
		return fmt.Errorf("crawl config reference (cid) is required")
	case spec.OID == "":
		return fmt.Errorf("organization reference (oid) is required")
	case spec.UserID == "":
		return fmt.Errorf("user reference (userid) is required")
	case spec.Scale < 0:
		return fmt.Errorf("scale must not be negative")
	}
	if spec.StorageName != "" {
		if _, err := r.Storages.Resolve(spec.StorageName); err != nil {
			return fmt.Errorf("invalid storage reference: %w", err)
		}
	}
	return nil
}

// observeReplicas lists the crawl's pods and summarizes their state. The
// returned ordinals are what the scaling diff runs against.
func (r *CrawlJobReconciler) observeReplicas(ctx context.Context, id string) (lifecycle.Observed, []int, error) {
	var pods corev1.PodList
	err := r.List(ctx, &pods,
		client.InNamespace(r.Defaults.Namespace),
		client.MatchingLabels{render.CrawlLabel: id, render.RoleLabel: render.RoleCrawler})
	if err != nil {
		return lifecycle.Observed{}, nil, fmt.Errorf("failed to list crawler pods: %w", err)
	}

	var observed lifecycle.Observed
	var ordinals []int
	for i := range pods.Items {
		pod := &pods.Items[i]
		ord := render.Ordinal(pod.Name)
		if ord < 0 {
			continue
		}
		ordinals = append(ordinals, ord)
		observed.Total++
		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			observed.Completed++
		case corev1.PodFailed:
			observed.Failed++
		default:
			if isPodReady(pod) {
				observed.Ready++
			}
		}
	}
	return observed, ordinals, nil
}

// apply executes the gated diff. A failed replica never blocks the others;
// failures are recorded for backoff and retried on a later pass. The
// returned delay is the earliest pending retry among failed and
// backoff-gated replicas, so the job is requeued at its own deadline even
// when no other event arrives.
func (r *CrawlJobReconciler) apply(ctx context.Context, crawl *btrixv1alpha1.CrawlJob, diff scale.Diff, now time.Time) ([]error, time.Duration) {
	l := logger.FromContext(ctx)
	var errs []error
	var retryAfter time.Duration

	foldDelay := func(delay time.Duration) {
		if delay > 0 && (retryAfter == 0 || delay < retryAfter) {
			retryAfter = delay
		}
	}

	for _, ord := range diff.ToCreate {
		key := replicaKey(crawl.Spec.ID, ord)
		if !r.Retries.Allowed(key, now) {
			foldDelay(r.Retries.NextRetry(key, now))
			continue
		}
		if err := r.createReplica(ctx, crawl, ord); err != nil {
			delay := r.Retries.RecordFailure(key, now)
			foldDelay(delay)
			metrics.RecordReplicaOperation("create", "error")
			l.Error().Err(err).
				Int("ordinal", ord).
				Float64("retryInSec", delay.Seconds()).
				Msg("failed to create replica")
			errs = append(errs, err)
			continue
		}
		r.Retries.RecordSuccess(key)
		metrics.RecordReplicaOperation("create", "success")
		metrics.RecordScalingEvent("up")
		r.Recorder.Eventf(crawl, corev1.EventTypeNormal, "ReplicaCreated", "Created crawler replica %d", ord)
	}

	for _, ord := range diff.ToDelete {
		key := replicaKey(crawl.Spec.ID, ord)
		if !r.Retries.Allowed(key, now) {
			foldDelay(r.Retries.NextRetry(key, now))
			continue
		}
		if err := r.deleteReplica(ctx, crawl.Spec.ID, ord); err != nil {
			delay := r.Retries.RecordFailure(key, now)
			foldDelay(delay)
			metrics.RecordReplicaOperation("delete", "error")
			l.Error().Err(err).
				Int("ordinal", ord).
				Float64("retryInSec", delay.Seconds()).
				Msg("failed to delete replica")
			errs = append(errs, err)
			continue
		}
		r.Retries.RecordSuccess(key)
		metrics.RecordReplicaOperation("delete", "success")
		metrics.RecordScalingEvent("down")
		r.Recorder.Eventf(crawl, corev1.EventTypeNormal, "ReplicaDeleted", "Deleted crawler replica %d", ord)
	}

	return errs, retryAfter
}

// createReplica creates the PVC then the pod for one ordinal. Both creates
// tolerate already-exists so a partially applied replica heals on re-entry.
func (r *CrawlJobReconciler) createReplica(ctx context.Context, crawl *btrixv1alpha1.CrawlJob, ordinal int) error {
	pvc := r.Renderer.CrawlerPVC(crawl, ordinal)
	if err := r.Create(ctx, pvc); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create PVC for ordinal %d: %w", ordinal, err)
	}

	pod := r.Renderer.CrawlerPod(crawl, ordinal)
	if err := r.Create(ctx, pod); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create pod for ordinal %d: %w", ordinal, err)
	}
	return nil
}

// deleteReplica removes the pod and its PVC. The PVC goes too: a replica
// removed by scale-down gives up its ordinal's storage.
func (r *CrawlJobReconciler) deleteReplica(ctx context.Context, id string, ordinal int) error {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:      render.CrawlPodName(id, ordinal),
		Namespace: r.Defaults.Namespace,
	}}
	if err := r.Delete(ctx, pod); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod for ordinal %d: %w", ordinal, err)
	}

	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{
		Name:      render.CrawlPVCName(id, ordinal),
		Namespace: r.Defaults.Namespace,
	}}
	if err := r.Delete(ctx, pvc); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete PVC for ordinal %d: %w", ordinal, err)
	}
	return nil
}

// deleteOwnedResources removes every pod and PVC labeled for the crawl
func (r *CrawlJobReconciler) deleteOwnedResources(ctx context.Context, id string) error {
	selector := client.MatchingLabels{render.CrawlLabel: id, render.RoleLabel: render.RoleCrawler}
	ns := client.InNamespace(r.Defaults.Namespace)

	if err := r.DeleteAllOf(ctx, &corev1.Pod{}, ns, selector); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete crawler pods: %w", err)
	}
	if err := r.DeleteAllOf(ctx, &corev1.PersistentVolumeClaim{}, ns, selector); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete crawler PVCs: %w", err)
	}
	return nil
}

// degradedOrdinals reports replicas that failed past the retry budget.
// They stay in status until scale-down or deletion removes them.
func (r *CrawlJobReconciler) degradedOrdinals(id string, targetScale int) []int32 {
	var degraded []int32
	for ord := 0; ord < targetScale; ord++ {
		if r.Retries.Degraded(replicaKey(id, ord)) {
			degraded = append(degraded, int32(ord))
		}
	}
	return degraded
}

func (r *CrawlJobReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func replicaKey(id string, ordinal int) string {
	return fmt.Sprintf("%s/%d", id, ordinal)
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func timePtr(t *metav1.Time) *time.Time {
	if t == nil {
		return nil
	}
	return &t.Time
}

// SetupWithManager sets up the controller with the Manager. Pod changes in
// the crawler namespace map back to their job through the crawl label;
// expiry wake-ups arrive from the periodic sweep.
func (r *CrawlJobReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.expiryEvents = make(chan event.GenericEvent)
	if r.Retries == nil {
		r.Retries = retry.NewTracker(retry.DefaultRetryConfig)
	}

	mapPodToCrawl := func(ctx context.Context, obj client.Object) []ctrl.Request {
		id, ok := obj.GetLabels()[render.CrawlLabel]
		if !ok {
			return nil
		}
		return []ctrl.Request{{
			NamespacedName: types.NamespacedName{
				Namespace: r.JobNamespace,
				Name:      CrawlJobName(id),
			},
		}}
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&btrixv1alpha1.CrawlJob{}).
		Watches(&corev1.Pod{}, handler.EnqueueRequestsFromMapFunc(mapPodToCrawl)).
		WatchesRawSource(source.Channel(r.expiryEvents, &handler.EnqueueRequestForObject{})).
		Complete(r)
}

// ExpiryEvents exposes the sweep channel for the expiration sweeper
func (r *CrawlJobReconciler) ExpiryEvents() chan<- event.GenericEvent {
	return r.expiryEvents
}
