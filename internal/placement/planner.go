// Package placement computes scheduling preferences for crawler replicas.
// All rules are soft: a replica still schedules somewhere when no matching
// node exists.
package placement

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// NodeTypeLabel is the node label carrying the crawler node type
	NodeTypeLabel = "nodeType"

	// ZoneTopologyKey groups replicas of the same job into one zone
	ZoneTopologyKey = "topology.kubernetes.io/zone"

	// nodeTypeWeight is the soft preference for crawler-typed nodes
	nodeTypeWeight = 1

	// colocationWeight favors intra-job locality over node-type matching
	colocationWeight = 2

	// notReadyGraceSeconds bounds how long a replica rides out a node flap
	// before eviction. Fixed, not job-configurable.
	notReadyGraceSeconds = 300
)

// Affinity returns the affinity rules for one replica of the given job.
// jobLabel/jobID select sibling replicas for colocation; nodeType is the
// preferred node label value.
func Affinity(jobLabel, jobID, nodeType string) *corev1.Affinity {
	affinity := &corev1.Affinity{}

	if nodeType != "" {
		affinity.NodeAffinity = &corev1.NodeAffinity{
			PreferredDuringSchedulingIgnoredDuringExecution: []corev1.PreferredSchedulingTerm{
				{
					Weight: nodeTypeWeight,
					Preference: corev1.NodeSelectorTerm{
						MatchExpressions: []corev1.NodeSelectorRequirement{
							{
								Key:      NodeTypeLabel,
								Operator: corev1.NodeSelectorOpIn,
								Values:   []string{nodeType},
							},
						},
					},
				},
			},
		}
	}

	affinity.PodAffinity = &corev1.PodAffinity{
		PreferredDuringSchedulingIgnoredDuringExecution: []corev1.WeightedPodAffinityTerm{
			{
				Weight: colocationWeight,
				PodAffinityTerm: corev1.PodAffinityTerm{
					LabelSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{jobLabel: jobID},
					},
					TopologyKey: ZoneTopologyKey,
				},
			},
		},
	}

	return affinity
}

// Tolerations returns the toleration set for crawler replicas: the dedicated
// crawling node taint, plus bounded grace for transient node conditions.
func Tolerations(nodeType string) []corev1.Toleration {
	grace := int64(notReadyGraceSeconds)
	tolerations := []corev1.Toleration{
		{
			Key:               corev1.TaintNodeNotReady,
			Operator:          corev1.TolerationOpExists,
			Effect:            corev1.TaintEffectNoExecute,
			TolerationSeconds: &grace,
		},
		{
			Key:               corev1.TaintNodeUnreachable,
			Operator:          corev1.TolerationOpExists,
			Effect:            corev1.TaintEffectNoExecute,
			TolerationSeconds: &grace,
		},
	}
	if nodeType != "" {
		tolerations = append([]corev1.Toleration{
			{
				Key:      NodeTypeLabel,
				Operator: corev1.TolerationOpEqual,
				Value:    nodeType,
				Effect:   corev1.TaintEffectNoSchedule,
			},
		}, tolerations...)
	}
	return tolerations
}
