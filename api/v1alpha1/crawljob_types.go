/*
Copyright 2023 The browsertrix-cloud Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// MaxCrawlScale is the upper bound on parallel crawler replicas per crawl
	MaxCrawlScale = 3

	// DefaultTTLSecondsAfterFinished is the grace period before a finished
	// crawl's resources are removed
	DefaultTTLSecondsAfterFinished = 30
)

// CrawlJobSpec defines the desired state of one crawl. The identity fields
// (id, cid, oid, userid) are set at creation by the API tier and never
// mutated; scale and expireTime may change on later updates.
type CrawlJobSpec struct {
	// ID is the opaque unique crawl id
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	ID string `json:"id"`

	// CID references the crawl config driving this crawl
	// +kubebuilder:validation:Required
	CID string `json:"cid"`

	// OID references the owning organization
	// +kubebuilder:validation:Required
	OID string `json:"oid"`

	// UserID references the user that started the crawl
	// +kubebuilder:validation:Required
	UserID string `json:"userid"`

	// Scale is the desired number of crawler replicas. 0 stops the crawl.
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=3
	Scale int32 `json:"scale"`

	// MaxCrawlSize is the crawl size limit in bytes, passed through to the
	// crawler. 0 means unlimited.
	// +optional
	MaxCrawlSize int64 `json:"maxCrawlSize,omitempty"`

	// Manual records whether the crawl was started by hand rather than on a
	// schedule. Carried for the API tier's bookkeeping; the operator never
	// acts on it.
	// +optional
	Manual bool `json:"manual,omitempty"`

	// StorageName selects the named storage whose credentials the crawler
	// replicas receive.
	// +optional
	StorageName string `json:"storageName,omitempty"`

	// StoragePath is the prefix within the storage where crawl output lands
	// +optional
	StoragePath string `json:"storagePath,omitempty"`

	// ProfileFilename, when set, is the browser profile the crawler loads
	// +optional
	ProfileFilename string `json:"profileFilename,omitempty"`

	// ExpireTime is a hard absolute deadline; once passed the crawl is
	// forced to stop regardless of in-flight work.
	// +optional
	ExpireTime *metav1.Time `json:"expireTime,omitempty"`

	// TTLSecondsAfterFinished is how long a finished crawl's resources are
	// kept for inspection before finalization.
	// +kubebuilder:default=30
	// +optional
	TTLSecondsAfterFinished *int32 `json:"ttlSecondsAfterFinished,omitempty"`
}

// JobPhase represents the lifecycle phase of a crawl or profile job
// +kubebuilder:validation:Enum=Pending;Running;Finishing;Finalized
type JobPhase string

const (
	// JobPhasePending means no replica has become ready yet
	JobPhasePending JobPhase = "Pending"
	// JobPhaseRunning means at least one replica has reported ready
	JobPhaseRunning JobPhase = "Running"
	// JobPhaseFinishing means the job is stopping and waiting out its TTL
	JobPhaseFinishing JobPhase = "Finishing"
	// JobPhaseFinalized means all owned resources have been removed
	JobPhaseFinalized JobPhase = "Finalized"
)

// CrawlJobStatus defines the observed state of a CrawlJob
type CrawlJobStatus struct {
	// Phase is the current lifecycle phase
	// +optional
	Phase JobPhase `json:"phase,omitempty"`

	// Scale is the number of replicas currently present in the cluster
	// +optional
	Scale int32 `json:"scale,omitempty"`

	// ReadyReplicas is the number of replicas reporting ready
	// +optional
	ReadyReplicas int32 `json:"readyReplicas,omitempty"`

	// CompletedReplicas is the number of replicas that exited successfully
	// +optional
	CompletedReplicas int32 `json:"completedReplicas,omitempty"`

	// FailedReplicas is the number of replicas whose process exited with
	// failure
	// +optional
	FailedReplicas int32 `json:"failedReplicas,omitempty"`

	// DegradedReplicas lists ordinals whose resources kept failing to apply
	// past the retry budget; they are left in place for inspection.
	// +optional
	DegradedReplicas []int32 `json:"degradedReplicas,omitempty"`

	// Expired is set once wall-clock time passes spec.expireTime
	// +optional
	Expired bool `json:"expired,omitempty"`

	// Stopping is set while the crawl is in its Finishing grace window
	// +optional
	Stopping bool `json:"stopping,omitempty"`

	// FinishedAt records when the crawl entered Finishing; the TTL counts
	// from this instant.
	// +optional
	FinishedAt *metav1.Time `json:"finishedAt,omitempty"`

	// LastError holds the most recent reconciliation error, if any
	// +optional
	LastError string `json:"lastError,omitempty"`

	// Conditions represent the latest available observations of the crawl
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// ObservedGeneration is the last generation that was acted on
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// TTL returns the effective TTL-after-finished for the crawl
func (c *CrawlJob) TTL() int32 {
	if c.Spec.TTLSecondsAfterFinished != nil {
		return *c.Spec.TTLSecondsAfterFinished
	}
	return DefaultTTLSecondsAfterFinished
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Scale",type="integer",JSONPath=".spec.scale"
// +kubebuilder:printcolumn:name="Ready",type="integer",JSONPath=".status.readyReplicas"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// CrawlJob is the Schema for the crawljobs API
type CrawlJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CrawlJobSpec   `json:"spec,omitempty"`
	Status CrawlJobStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// CrawlJobList contains a list of CrawlJob
type CrawlJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CrawlJob `json:"items"`
}

func init() {
	SchemeBuilder.Register(&CrawlJob{}, &CrawlJobList{})
}
