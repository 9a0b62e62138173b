package controller

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"

	btrixv1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
	"github.com/vnznznz/browsertrix-cloud/internal/logger"
	"github.com/vnznznz/browsertrix-cloud/internal/metrics"
)

// DefaultSweepInterval is how often the sweeper re-checks deadlines.
// Reconcilers already self-schedule via RequeueAfter; the sweep is the
// backstop that catches jobs whose requeue was lost (controller restart,
// clock skew).
const DefaultSweepInterval = 30 * time.Second

// ExpirationSweeper periodically scans jobs whose expireTime has passed
// and nudges the owning reconciler through its event channel.
type ExpirationSweeper struct {
	Client       client.Client
	JobNamespace string
	Interval     time.Duration

	Now func() time.Time

	CrawlEvents   chan<- event.GenericEvent
	ProfileEvents chan<- event.GenericEvent
}

// Start runs the sweep loop until the manager context is cancelled
func (s *ExpirationSweeper) Start(ctx context.Context) error {
	interval := s.Interval
	if interval == 0 {
		interval = DefaultSweepInterval
	}

	l := logger.FromContext(ctx)
	l.Info().Dur("interval", interval).Msg("starting expiration sweeper")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("stopping expiration sweeper")
			return nil
		case <-ticker.C:
			s.sweepCrawls(ctx)
			s.sweepProfiles(ctx)
		}
	}
}

func (s *ExpirationSweeper) sweepCrawls(ctx context.Context) {
	l := logger.FromContext(ctx)

	var crawls btrixv1alpha1.CrawlJobList
	if err := s.Client.List(ctx, &crawls, client.InNamespace(s.JobNamespace)); err != nil {
		l.Error().Err(err).Msg("expiration sweep failed to list crawl jobs")
		return
	}

	now := s.now()
	expired := 0
	for i := range crawls.Items {
		crawl := &crawls.Items[i]
		if !expiryDue(crawl.Spec.ExpireTime, crawl.Status.Phase, now) {
			continue
		}
		l.Debug().Str("crawl", crawl.Spec.ID).Msg("sweeping expired crawl")
		select {
		case s.CrawlEvents <- event.GenericEvent{Object: crawl}:
			expired++
		case <-ctx.Done():
			return
		}
	}
	metrics.RecordExpirationSweep("crawljob", expired)
}

func (s *ExpirationSweeper) sweepProfiles(ctx context.Context) {
	l := logger.FromContext(ctx)

	var profiles btrixv1alpha1.ProfileJobList
	if err := s.Client.List(ctx, &profiles, client.InNamespace(s.JobNamespace)); err != nil {
		l.Error().Err(err).Msg("expiration sweep failed to list profile jobs")
		return
	}

	now := s.now()
	expired := 0
	for i := range profiles.Items {
		profile := &profiles.Items[i]
		if !expiryDue(profile.Spec.ExpireTime, profile.Status.Phase, now) {
			continue
		}
		l.Debug().Str("browser", profile.Spec.ID).Msg("sweeping expired profile session")
		select {
		case s.ProfileEvents <- event.GenericEvent{Object: profile}:
			expired++
		case <-ctx.Done():
			return
		}
	}
	metrics.RecordExpirationSweep("profilejob", expired)
}

func expiryDue(expireTime *metav1.Time, phase btrixv1alpha1.JobPhase, now time.Time) bool {
	if expireTime == nil {
		return false
	}
	if phase == btrixv1alpha1.JobPhaseFinalized {
		return false
	}
	return !now.Before(expireTime.Time)
}

func (s *ExpirationSweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
