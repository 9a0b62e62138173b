// Package storage resolves the named storages jobs reference via
// storageName. The registry is loaded once at startup; crawler pods get the
// matching credentials secret injected by the renderer, while the operator
// itself only verifies reachability.
package storage

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"
)

// S3Storage describes one named S3-compatible storage target
type S3Storage struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AccessKey / SecretKey are only used for startup verification; the
	// crawler pods read them from the storage secret instead.
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Registry holds all named storages known to the operator
type Registry struct {
	storages map[string]S3Storage
}

// NewRegistry builds a registry from the given storages
func NewRegistry(storages []S3Storage) *Registry {
	m := make(map[string]S3Storage, len(storages))
	for _, st := range storages {
		m[st.Name] = st
	}
	return &Registry{storages: m}
}

// Load reads the storages list from an optional config file plus
// BTRIX_STORAGES_* environment variables.
func Load(configPath string) (*Registry, error) {
	v := viper.New()
	v.SetConfigName("storages")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read storages config: %w", err)
		}
		return NewRegistry(nil), nil
	}

	var storages []S3Storage
	if err := v.UnmarshalKey("storages", &storages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal storages config: %w", err)
	}

	for _, st := range storages {
		if st.Name == "" || st.Endpoint == "" || st.Bucket == "" {
			return nil, fmt.Errorf("storage entry %q must set name, endpoint and bucket", st.Name)
		}
	}
	return NewRegistry(storages), nil
}

// Resolve looks up a named storage. An unknown name is a spec validation
// error surfaced on the job before any resource is created.
func (r *Registry) Resolve(name string) (S3Storage, error) {
	st, ok := r.storages[name]
	if !ok {
		return S3Storage{}, fmt.Errorf("unknown storage %q", name)
	}
	return st, nil
}

// Names returns the registered storage names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.storages))
	for name := range r.storages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
