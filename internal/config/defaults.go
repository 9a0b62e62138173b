package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// CrawlerDefaults holds the cluster-level settings every rendered replica
// shares. Loaded once at startup and treated as immutable afterwards.
type CrawlerDefaults struct {
	// Namespace is the namespace crawler workloads run in
	Namespace string `mapstructure:"namespace"`

	// Image is the crawler container image
	Image string `mapstructure:"image"`

	// PullPolicy is the crawler image pull policy
	PullPolicy string `mapstructure:"pull_policy"`

	// NodeType is the node label value preferred for crawler placement
	NodeType string `mapstructure:"node_type"`

	// RequestsCPU / RequestsMemory are per-replica resource requests
	RequestsCPU    string `mapstructure:"requests_cpu"`
	RequestsMemory string `mapstructure:"requests_memory"`

	// LimitsCPU / LimitsMemory are per-replica resource limits
	LimitsCPU    string `mapstructure:"limits_cpu"`
	LimitsMemory string `mapstructure:"limits_memory"`

	// StorageSize is the requested size of each replica's PVC
	StorageSize string `mapstructure:"storage_size"`

	// StorageClass optionally pins PVCs to a storage class
	StorageClass string `mapstructure:"storage_class"`

	// TerminationGracePeriodSeconds is how long a crawler pod gets to
	// upload in-flight data on shutdown
	TerminationGracePeriodSeconds int64 `mapstructure:"termination_grace_seconds"`

	// LivenessPort enables the crawler liveness probe when nonzero
	LivenessPort int32 `mapstructure:"liveness_port"`

	// SocksProxyHost / SocksProxyPort configure an optional egress proxy
	SocksProxyHost string `mapstructure:"socks_proxy_host"`
	SocksProxyPort string `mapstructure:"socks_proxy_port"`

	// APIBaseURL is the API tier endpoint completion webhooks post to
	APIBaseURL string `mapstructure:"api_base_url"`

	// ProfileBrowserImage is the image for interactive profile sessions;
	// falls back to Image when empty
	ProfileBrowserImage string `mapstructure:"profile_browser_image"`
}

// Load reads crawler defaults from an optional config file and BTRIX_*
// environment variables.
func Load(configPath string) (*CrawlerDefaults, error) {
	v := viper.New()
	v.SetConfigName("crawler_defaults")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("btrix")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default registered for env-only overrides to
	// survive Unmarshal
	v.SetDefault("image", "")
	v.SetDefault("storage_class", "")
	v.SetDefault("liveness_port", 0)
	v.SetDefault("socks_proxy_host", "")
	v.SetDefault("socks_proxy_port", "")
	v.SetDefault("api_base_url", "")
	v.SetDefault("profile_browser_image", "")
	v.SetDefault("namespace", "crawlers")
	v.SetDefault("pull_policy", "IfNotPresent")
	v.SetDefault("node_type", "crawling")
	v.SetDefault("requests_cpu", "800m")
	v.SetDefault("requests_memory", "512Mi")
	v.SetDefault("limits_cpu", "1200m")
	v.SetDefault("limits_memory", "1Gi")
	v.SetDefault("storage_size", "1Gi")
	v.SetDefault("termination_grace_seconds", 600)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, env and defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read crawler defaults: %w", err)
		}
	}

	defaults := &CrawlerDefaults{}
	if err := v.Unmarshal(defaults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal crawler defaults: %w", err)
	}

	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return defaults, nil
}

// Validate checks the fields the renderer cannot do without
func (d *CrawlerDefaults) Validate() error {
	if d.Image == "" {
		return fmt.Errorf("crawler image must be set")
	}
	if d.Namespace == "" {
		return fmt.Errorf("crawler namespace must be set")
	}
	if d.StorageSize == "" {
		return fmt.Errorf("crawler storage size must be set")
	}
	return nil
}

// BrowserImage returns the image for profile browser pods
func (d *CrawlerDefaults) BrowserImage() string {
	if d.ProfileBrowserImage != "" {
		return d.ProfileBrowserImage
	}
	return d.Image
}
