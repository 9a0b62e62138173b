// Package lifecycle implements the per-job state machine:
//
//	Pending -> Running -> Finishing -> Finalized
//
// with an orthogonal Expired flag settable from any non-Finalized state.
// A finished job lingers in Finishing for its TTL so logs and status stay
// inspectable; an expired job is forced into Finishing immediately to free
// cluster capacity.
package lifecycle

import (
	"time"

	v1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
)

// Observed summarizes the replica set a reconciliation pass found
type Observed struct {
	Total     int
	Ready     int
	Completed int
	Failed    int
}

// Input carries everything Evaluate needs; it reads no cluster state itself
type Input struct {
	Phase        v1alpha1.JobPhase
	Expired      bool
	FinishedAt   *time.Time
	DesiredScale int
	ExpireTime   *time.Time
	TTL          time.Duration
	Observed     Observed
	Now          time.Time
}

// Reasons a job enters Finishing
const (
	ReasonStopped   = "Stopped"
	ReasonCompleted = "Completed"
	ReasonExpired   = "Expired"
	ReasonAllFailed = "AllFailed"
)

// Decision is the gate applied to the scaling diff plus the phase update
// written back to status
type Decision struct {
	Phase   v1alpha1.JobPhase
	Expired bool

	// TargetScale is the replica count the diff should aim for after
	// lifecycle gating (0 while Finishing or Finalized)
	TargetScale int

	// EnteredFinishing is set on the pass that transitions into Finishing;
	// the controller records FinishedAt and fires the completion webhook.
	EnteredFinishing bool
	FinishReason     string

	// Finalize is set once the TTL has elapsed past FinishedAt; all owned
	// resources are deleted and the job record is left for its owner.
	Finalize bool

	// RequeueAfter is the delay until the next time-driven check
	// (expiry or TTL deadline); zero when no deadline is pending.
	RequeueAfter time.Duration
}

// Evaluate advances the state machine one step from the given inputs
func Evaluate(in Input) Decision {
	d := Decision{
		Phase:       in.Phase,
		Expired:     in.Expired,
		TargetScale: in.DesiredScale,
	}
	if d.Phase == "" {
		d.Phase = v1alpha1.JobPhasePending
	}

	if d.Phase == v1alpha1.JobPhaseFinalized {
		d.TargetScale = 0
		return d
	}

	// Hard deadline check; expiration is forced termination, not an error
	if !d.Expired && in.ExpireTime != nil && !in.Now.Before(*in.ExpireTime) {
		d.Expired = true
	}

	if d.Phase != v1alpha1.JobPhaseFinishing {
		switch {
		case d.Expired:
			d.enterFinishing(ReasonExpired)
		case in.DesiredScale == 0:
			d.enterFinishing(ReasonStopped)
		case in.Observed.Total > 0 && in.Observed.Completed == in.Observed.Total:
			d.enterFinishing(ReasonCompleted)
		case in.Observed.Total > 0 && in.Observed.Failed == in.Observed.Total &&
			in.Observed.Total >= in.DesiredScale:
			d.enterFinishing(ReasonAllFailed)
		case in.Observed.Ready > 0 && d.Phase == v1alpha1.JobPhasePending:
			d.Phase = v1alpha1.JobPhaseRunning
		}
	}

	if d.Phase == v1alpha1.JobPhaseFinishing {
		d.TargetScale = 0

		finishedAt := in.Now
		if in.FinishedAt != nil {
			finishedAt = *in.FinishedAt
		}
		deadline := finishedAt.Add(in.TTL)
		if !in.Now.Before(deadline) {
			d.Phase = v1alpha1.JobPhaseFinalized
			d.Finalize = true
		} else {
			d.RequeueAfter = deadline.Sub(in.Now)
		}
		return d
	}

	// Not finishing: schedule a wake-up for the expiry deadline, if any
	if in.ExpireTime != nil && in.Now.Before(*in.ExpireTime) {
		d.RequeueAfter = in.ExpireTime.Sub(in.Now)
	}
	return d
}

func (d *Decision) enterFinishing(reason string) {
	d.Phase = v1alpha1.JobPhaseFinishing
	d.EnteredFinishing = true
	d.FinishReason = reason
}
