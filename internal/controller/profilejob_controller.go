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
	"github.com/vnznznz/browsertrix-cloud/internal/storage"
)

const profileJobFinalizer = "profilejob.btrix.cloud"

// ProfileJobName returns the object name the API tier uses for a browser
// session id
func ProfileJobName(id string) string {
	return fmt.Sprintf("profilejob-%s", id)
}

// ProfileJobReconciler reconciles a ProfileJob: the single-replica
// specialization for interactive browser-profile capture. There is no
// scaling diff beyond create-once/delete-once; expiration behaves exactly
// as for crawls.
type ProfileJobReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	Renderer *render.Renderer
	Storages *storage.Registry
	Notifier *notify.Notifier
	Defaults *config.CrawlerDefaults

	JobNamespace string

	// Retries tracks browser apply failures across passes
	Retries *retry.Tracker

	Now func() time.Time

	expiryEvents chan event.GenericEvent
}

// +kubebuilder:rbac:groups=btrix.cloud,resources=profilejobs,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=btrix.cloud,resources=profilejobs/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=btrix.cloud,resources=profilejobs/finalizers,verbs=update
// +kubebuilder:rbac:groups=core,resources=pods,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups=core,resources=persistentvolumeclaims,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups=core,resources=events,verbs=create;patch

// Reconcile handles ProfileJob resources
func (r *ProfileJobReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	profile := &btrixv1alpha1.ProfileJob{}
	if err := r.Get(ctx, req.NamespacedName, profile); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get ProfileJob: %w", err)
	}

	l := logger.WithJob(logger.FromContext(ctx), "ProfileJob", profile.Spec.ID)
	ctx = logger.WithContext(ctx, l)
	l.Debug().Msg("reconciling profile session")

	if !profile.DeletionTimestamp.IsZero() {
		return r.handleDeletion(ctx, profile)
	}

	if !controllerutil.ContainsFinalizer(profile, profileJobFinalizer) {
		controllerutil.AddFinalizer(profile, profileJobFinalizer)
		if err := r.Update(ctx, profile); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}
	}

	if err := r.validate(profile); err != nil {
		l.Warn().Err(err).Msg("rejecting invalid profile spec")
		r.Recorder.Event(profile, corev1.EventTypeWarning, "InvalidSpec", err.Error())
		profile.Status.LastError = err.Error()
		if statusErr := r.Status().Update(ctx, profile); statusErr != nil {
			return ctrl.Result{}, fmt.Errorf("failed to update status: %w", statusErr)
		}
		metrics.RecordReconcile("profilejob", "invalid")
		return ctrl.Result{}, nil
	}

	observed, err := r.observeBrowser(ctx, profile.Spec.ID)
	if err != nil {
		return ctrl.Result{}, err
	}

	now := r.now()
	decision := lifecycle.Evaluate(lifecycle.Input{
		Phase:        profile.Status.Phase,
		Expired:      profile.Status.Expired,
		FinishedAt:   timePtr(profile.Status.FinishedAt),
		DesiredScale: 1,
		ExpireTime:   timePtr(profile.Spec.ExpireTime),
		TTL:          time.Duration(btrixv1alpha1.DefaultTTLSecondsAfterFinished) * time.Second,
		Observed:     observed,
		Now:          now,
	})

	if decision.EnteredFinishing {
		profile.Status.FinishedAt = &metav1.Time{Time: now}
		r.Recorder.Event(profile, corev1.EventTypeNormal, decision.FinishReason, "Profile session is finishing")

		url := render.WebhookURL(r.Defaults.APIBaseURL, profile.Spec.ID)
		if err := r.Notifier.JobDone(ctx, url, profile.Spec.ID, string(btrixv1alpha1.JobPhaseFinishing), decision.FinishReason); err != nil {
			l.Warn().Err(err).Msg("completion webhook not delivered")
		}
	}

	if decision.Finalize {
		if err := r.deleteBrowser(ctx, profile.Spec.ID); err != nil {
			return ctrl.Result{}, err
		}
		r.Retries.Forget(profile.Spec.ID)
		r.Recorder.Event(profile, corev1.EventTypeNormal, "Finalized", "Profile session resources removed")

		if profile.Spec.ExpireTime != nil {
			profile.Spec.ExpireTime = nil
			if err := r.Update(ctx, profile); err != nil {
				return ctrl.Result{}, fmt.Errorf("failed to clear expireTime: %w", err)
			}
		}

		profile.Status.Phase = btrixv1alpha1.JobPhaseFinalized
		profile.Status.Expired = decision.Expired
		profile.Status.Ready = false
		profile.Status.ObservedGeneration = profile.Generation
		if err := r.Status().Update(ctx, profile); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to update status: %w", err)
		}
		metrics.RecordReconcile("profilejob", "finalized")
		return ctrl.Result{}, nil
	}

	// Create-once / delete-once instead of a full scaling diff; failures
	// back off across passes like crawl replicas do
	key := profile.Spec.ID
	var applyErr error
	var retryAfter time.Duration
	applied := false
	if decision.TargetScale > 0 && observed.Total == 0 {
		if r.Retries.Allowed(key, now) {
			applied = true
			applyErr = r.createBrowser(ctx, profile)
		}
	} else if decision.TargetScale == 0 && observed.Total > 0 {
		if r.Retries.Allowed(key, now) {
			applied = true
			applyErr = r.deleteBrowser(ctx, profile.Spec.ID)
		}
	}
	if applied {
		if applyErr != nil {
			retryAfter = r.Retries.RecordFailure(key, now)
			l.Error().Err(applyErr).
				Float64("retryInSec", retryAfter.Seconds()).
				Msg("failed to apply browser resources")
			r.Recorder.Event(profile, corev1.EventTypeWarning, "ApplyFailed", applyErr.Error())
		} else {
			r.Retries.RecordSuccess(key)
		}
		observed, err = r.observeBrowser(ctx, profile.Spec.ID)
		if err != nil {
			return ctrl.Result{}, err
		}
	} else {
		retryAfter = r.Retries.NextRetry(key, now)
	}

	profile.Status.Phase = decision.Phase
	profile.Status.Expired = decision.Expired
	profile.Status.Ready = observed.Ready > 0
	profile.Status.ObservedGeneration = profile.Generation
	if applyErr != nil {
		profile.Status.LastError = applyErr.Error()
	} else {
		profile.Status.LastError = ""
	}
	if err := r.Status().Update(ctx, profile); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to update status: %w", err)
	}

	result := ctrl.Result{RequeueAfter: decision.RequeueAfter}
	if retryAfter > 0 && (result.RequeueAfter == 0 || retryAfter < result.RequeueAfter) {
		result.RequeueAfter = retryAfter
	}
	if applyErr != nil || retryAfter > 0 {
		metrics.RecordReconcile("profilejob", "retry")
	} else {
		metrics.RecordReconcile("profilejob", "success")
	}
	return result, nil
}

func (r *ProfileJobReconciler) handleDeletion(ctx context.Context, profile *btrixv1alpha1.ProfileJob) (ctrl.Result, error) {
	l := logger.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(profile, profileJobFinalizer) {
		return ctrl.Result{}, nil
	}

	if err := r.deleteBrowser(ctx, profile.Spec.ID); err != nil {
		return ctrl.Result{}, err
	}
	r.Retries.Forget(profile.Spec.ID)

	controllerutil.RemoveFinalizer(profile, profileJobFinalizer)
	if err := r.Update(ctx, profile); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to remove finalizer: %w", err)
	}

	l.Info().Msg("profile session torn down")
	return ctrl.Result{}, nil
}

func (r *ProfileJobReconciler) validate(profile *btrixv1alpha1.ProfileJob) error {
	spec := profile.Spec
	switch {
	case spec.ID == "":
		return fmt.Errorf("browser session id is required")
	case spec.OID == "":
		return fmt.Errorf("organization reference (oid) is required")
	case spec.UserID == "":
		return fmt.Errorf("user reference (userid) is required")
	case spec.StartURL == "":
		return fmt.Errorf("start url is required")
	case spec.StorageName == "":
		return fmt.Errorf("storage name is required")
	}
	if _, err := r.Storages.Resolve(spec.StorageName); err != nil {
		return fmt.Errorf("invalid storage reference: %w", err)
	}
	return nil
}

func (r *ProfileJobReconciler) observeBrowser(ctx context.Context, id string) (lifecycle.Observed, error) {
	var pods corev1.PodList
	err := r.List(ctx, &pods,
		client.InNamespace(r.Defaults.Namespace),
		client.MatchingLabels{render.BrowserLabel: id, render.RoleLabel: render.RoleJob})
	if err != nil {
		return lifecycle.Observed{}, fmt.Errorf("failed to list browser pods: %w", err)
	}

	var observed lifecycle.Observed
	for i := range pods.Items {
		pod := &pods.Items[i]
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
	return observed, nil
}

func (r *ProfileJobReconciler) createBrowser(ctx context.Context, profile *btrixv1alpha1.ProfileJob) error {
	pvc := r.Renderer.BrowserPVC(profile)
	if err := r.Create(ctx, pvc); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create browser PVC: %w", err)
	}

	pod := r.Renderer.BrowserPod(profile)
	if err := r.Create(ctx, pod); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create browser pod: %w", err)
	}

	metrics.RecordReplicaOperation("create", "success")
	r.Recorder.Event(profile, corev1.EventTypeNormal, "BrowserCreated", "Created profile browser pod")
	return nil
}

func (r *ProfileJobReconciler) deleteBrowser(ctx context.Context, id string) error {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:      render.BrowserPodName(id),
		Namespace: r.Defaults.Namespace,
	}}
	if err := r.Delete(ctx, pod); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete browser pod: %w", err)
	}

	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{
		Name:      render.BrowserPVCName(id),
		Namespace: r.Defaults.Namespace,
	}}
	if err := r.Delete(ctx, pvc); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete browser PVC: %w", err)
	}
	return nil
}

func (r *ProfileJobReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// SetupWithManager sets up the controller with the Manager
func (r *ProfileJobReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.expiryEvents = make(chan event.GenericEvent)
	if r.Retries == nil {
		r.Retries = retry.NewTracker(retry.DefaultRetryConfig)
	}

	mapPodToProfile := func(ctx context.Context, obj client.Object) []ctrl.Request {
		id, ok := obj.GetLabels()[render.BrowserLabel]
		if !ok {
			return nil
		}
		return []ctrl.Request{{
			NamespacedName: types.NamespacedName{
				Namespace: r.JobNamespace,
				Name:      ProfileJobName(id),
			},
		}}
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&btrixv1alpha1.ProfileJob{}).
		Watches(&corev1.Pod{}, handler.EnqueueRequestsFromMapFunc(mapPodToProfile)).
		WatchesRawSource(source.Channel(r.expiryEvents, &handler.EnqueueRequestForObject{})).
		Complete(r)
}

// ExpiryEvents exposes the sweep channel for the expiration sweeper
func (r *ProfileJobReconciler) ExpiryEvents() chan<- event.GenericEvent {
	return r.expiryEvents
}
