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

// ProfileJobSpec defines the desired state of one interactive
// browser-profile capture session. Always single-replica.
type ProfileJobSpec struct {
	// ID is the opaque unique browser session id
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	ID string `json:"id"`

	// OID references the owning organization
	// +kubebuilder:validation:Required
	OID string `json:"oid"`

	// UserID references the user that launched the session
	// +kubebuilder:validation:Required
	UserID string `json:"userid"`

	// StorageName selects the named storage the captured profile is saved to
	// +kubebuilder:validation:Required
	StorageName string `json:"storageName"`

	// StoragePath is the prefix within the storage for the saved profile
	// +optional
	StoragePath string `json:"storagePath,omitempty"`

	// StartURL is the page the interactive browser opens first
	// +kubebuilder:validation:Required
	StartURL string `json:"startUrl"`

	// ProfileFilename is the filename the captured profile is written as
	// +optional
	ProfileFilename string `json:"profileFilename,omitempty"`

	// VNCPassword protects the interactive VNC session
	// +optional
	VNCPassword string `json:"vncPassword,omitempty"`

	// BaseProfile, when set, names an existing profile whose storage path
	// seeds the new browser session.
	// +optional
	BaseProfile string `json:"baseProfile,omitempty"`

	// ExpireTime is a hard absolute deadline for the session
	// +optional
	ExpireTime *metav1.Time `json:"expireTime,omitempty"`
}

// ProfileJobStatus defines the observed state of a ProfileJob
type ProfileJobStatus struct {
	// Phase is the current lifecycle phase
	// +optional
	Phase JobPhase `json:"phase,omitempty"`

	// Ready indicates the browser pod is up and accepting connections
	// +optional
	Ready bool `json:"ready,omitempty"`

	// Expired is set once wall-clock time passes spec.expireTime
	// +optional
	Expired bool `json:"expired,omitempty"`

	// FinishedAt records when the session entered Finishing
	// +optional
	FinishedAt *metav1.Time `json:"finishedAt,omitempty"`

	// LastError holds the most recent reconciliation error, if any
	// +optional
	LastError string `json:"lastError,omitempty"`

	// Conditions represent the latest available observations of the session
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// ObservedGeneration is the last generation that was acted on
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Ready",type="boolean",JSONPath=".status.ready"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// ProfileJob is the Schema for the profilejobs API
type ProfileJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ProfileJobSpec   `json:"spec,omitempty"`
	Status ProfileJobStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ProfileJobList contains a list of ProfileJob
type ProfileJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ProfileJob `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ProfileJob{}, &ProfileJobList{})
}
