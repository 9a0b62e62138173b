// Package render turns a job's desired-state record plus cluster defaults
// into concrete Pod and PVC specifications. Pure and deterministic:
// identical inputs always yield identical specs, so re-applying an
// unchanged job is a no-op.
package render

import (
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	v1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
	"github.com/vnznznz/browsertrix-cloud/internal/config"
	"github.com/vnznznz/browsertrix-cloud/internal/placement"
)

const (
	crawlDataMount   = "/crawls"
	crawlConfigMount = "/tmp/crawl-config"
	crawlConfigFile  = "crawl-config.json"
	profileFSGroup   = int64(1000)
)

// Renderer renders workload resources from immutable cluster defaults
type Renderer struct {
	defaults *config.CrawlerDefaults
}

// New creates a Renderer bound to the given defaults
func New(defaults *config.CrawlerDefaults) *Renderer {
	return &Renderer{defaults: defaults}
}

// CrawlerPod renders the pod spec for one replica of a crawl
func (r *Renderer) CrawlerPod(crawl *v1alpha1.CrawlJob, ordinal int) *corev1.Pod {
	d := r.defaults
	id := crawl.Spec.ID

	container := corev1.Container{
		Name:            "crawler",
		Image:           d.Image,
		ImagePullPolicy: corev1.PullPolicy(d.PullPolicy),
		Args:            r.crawlerArgs(crawl),
		Env:             r.crawlerEnv(crawl),
		EnvFrom:         r.storageEnvFrom(crawl.Spec.StorageName),
		Resources:       r.resources(),
		VolumeMounts: []corev1.VolumeMount{
			{Name: "crawl-data", MountPath: crawlDataMount},
			{Name: "crawl-config", MountPath: crawlConfigMount, ReadOnly: true},
		},
	}

	// Liveness probing is opt-in via cluster defaults
	if d.LivenessPort != 0 {
		container.LivenessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: "/healthz",
					Port: intstr.FromInt32(d.LivenessPort),
				},
			},
			InitialDelaySeconds: 15,
			PeriodSeconds:       120,
		}
	}

	grace := d.TerminationGracePeriodSeconds
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      CrawlPodName(id, ordinal),
			Namespace: d.Namespace,
			Labels: map[string]string{
				CrawlLabel: id,
				RoleLabel:  RoleCrawler,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyOnFailure,
			TerminationGracePeriodSeconds: &grace,
			Affinity:                      placement.Affinity(CrawlLabel, id, d.NodeType),
			Tolerations:                   placement.Tolerations(d.NodeType),
			Containers:                    []corev1.Container{container},
			Volumes: []corev1.Volume{
				{
					Name: "crawl-data",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: CrawlPVCName(id, ordinal),
						},
					},
				},
				{
					Name: "crawl-config",
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{
								Name: CrawlConfigMapName(crawl.Spec.CID),
							},
						},
					},
				},
			},
		},
	}

	if crawl.Spec.ProfileFilename != "" {
		fsGroup := profileFSGroup
		pod.Spec.SecurityContext = &corev1.PodSecurityContext{FSGroup: &fsGroup}
	}

	return pod
}

// CrawlerPVC renders the storage claim for one replica. Exclusive
// single-writer access; reused across pod restarts of the same ordinal.
func (r *Renderer) CrawlerPVC(crawl *v1alpha1.CrawlJob, ordinal int) *corev1.PersistentVolumeClaim {
	return r.pvc(
		CrawlPVCName(crawl.Spec.ID, ordinal),
		map[string]string{CrawlLabel: crawl.Spec.ID, RoleLabel: RoleCrawler},
	)
}

// BrowserPod renders the pod for an interactive profile capture session
func (r *Renderer) BrowserPod(profile *v1alpha1.ProfileJob) *corev1.Pod {
	d := r.defaults
	id := profile.Spec.ID

	env := []corev1.EnvVar{
		{Name: "BROWSER_ID", Value: id},
		{Name: "START_URL", Value: profile.Spec.StartURL},
		{Name: "STORE_PATH", Value: profile.Spec.StoragePath},
		{Name: "VNC_PASS", Value: profile.Spec.VNCPassword},
	}
	if profile.Spec.ProfileFilename != "" {
		env = append(env, corev1.EnvVar{Name: "PROFILE_FILENAME", Value: profile.Spec.ProfileFilename})
	}
	if profile.Spec.BaseProfile != "" {
		// Seed the new session from the named base profile's stored tarball
		env = append(env, corev1.EnvVar{Name: "BASE_PROFILE", Value: profile.Spec.BaseProfile})
	}
	env = append(env, r.socksEnv()...)

	grace := d.TerminationGracePeriodSeconds
	fsGroup := profileFSGroup
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      BrowserPodName(id),
			Namespace: d.Namespace,
			Labels: map[string]string{
				BrowserLabel: id,
				RoleLabel:    RoleJob,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyOnFailure,
			TerminationGracePeriodSeconds: &grace,
			Affinity:                      placement.Affinity(BrowserLabel, id, d.NodeType),
			Tolerations:                   placement.Tolerations(d.NodeType),
			SecurityContext:               &corev1.PodSecurityContext{FSGroup: &fsGroup},
			Containers: []corev1.Container{
				{
					Name:            "browser",
					Image:           d.BrowserImage(),
					ImagePullPolicy: corev1.PullPolicy(d.PullPolicy),
					Args:            []string{"create-login-profile", "--interactive"},
					Env:             env,
					EnvFrom:         r.storageEnvFrom(profile.Spec.StorageName),
					Resources:       r.resources(),
					VolumeMounts: []corev1.VolumeMount{
						{Name: "browser-data", MountPath: crawlDataMount},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "browser-data",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: BrowserPVCName(id),
						},
					},
				},
			},
		},
	}
}

// BrowserPVC renders the storage claim for a profile session
func (r *Renderer) BrowserPVC(profile *v1alpha1.ProfileJob) *corev1.PersistentVolumeClaim {
	return r.pvc(
		BrowserPVCName(profile.Spec.ID),
		map[string]string{BrowserLabel: profile.Spec.ID, RoleLabel: RoleJob},
	)
}

func (r *Renderer) crawlerArgs(crawl *v1alpha1.CrawlJob) []string {
	args := []string{"crawl", "--config", crawlConfigMount + "/" + crawlConfigFile}
	if crawl.Spec.ProfileFilename != "" {
		args = append(args, "--profile", "@profiles/"+crawl.Spec.ProfileFilename)
	}
	return args
}

func (r *Renderer) crawlerEnv(crawl *v1alpha1.CrawlJob) []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: "CRAWL_ID", Value: crawl.Spec.ID},
		{Name: "STORE_PATH", Value: crawl.Spec.StoragePath},
		{Name: "WEBHOOK_URL", Value: WebhookURL(r.defaults.APIBaseURL, crawl.Spec.ID)},
	}
	if crawl.Spec.MaxCrawlSize > 0 {
		// Advisory limit enforced by the crawler itself, not the operator
		env = append(env, corev1.EnvVar{
			Name:  "MAX_CRAWL_SIZE",
			Value: strconv.FormatInt(crawl.Spec.MaxCrawlSize, 10),
		})
	}
	return append(env, r.socksEnv()...)
}

// socksEnv renders the optional egress proxy entries: the host alone when
// no port is configured, host and port when both are.
func (r *Renderer) socksEnv() []corev1.EnvVar {
	d := r.defaults
	if d.SocksProxyHost == "" {
		return nil
	}
	env := []corev1.EnvVar{
		{Name: "SOCKS_HOST", Value: d.SocksProxyHost},
	}
	if d.SocksProxyPort != "" {
		env = append(env, corev1.EnvVar{Name: "SOCKS_PORT", Value: d.SocksProxyPort})
	}
	return env
}

func (r *Renderer) storageEnvFrom(storageName string) []corev1.EnvFromSource {
	if storageName == "" {
		return nil
	}
	return []corev1.EnvFromSource{
		{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{
					Name: StorageSecretName(storageName),
				},
			},
		},
	}
}

func (r *Renderer) resources() corev1.ResourceRequirements {
	d := r.defaults
	reqs := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(d.RequestsCPU),
			corev1.ResourceMemory: resource.MustParse(d.RequestsMemory),
		},
	}
	if d.LimitsCPU != "" && d.LimitsMemory != "" {
		reqs.Limits = corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(d.LimitsCPU),
			corev1.ResourceMemory: resource.MustParse(d.LimitsMemory),
		}
	}
	return reqs
}

func (r *Renderer) pvc(name string, labels map[string]string) *corev1.PersistentVolumeClaim {
	d := r.defaults
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{
				corev1.ReadWriteOnce,
			},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(d.StorageSize),
				},
			},
		},
	}
	if d.StorageClass != "" {
		storageClass := d.StorageClass
		pvc.Spec.StorageClassName = &storageClass
	}
	return pvc
}
