package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDefaultsFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "crawler_defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return dir
}

func TestLoad(t *testing.T) {
	t.Run("file values override defaults", func(t *testing.T) {
		dir := writeDefaultsFile(t, `
image: webrecorder/browsertrix-crawler:0.9.0
namespace: custom-crawlers
requests_cpu: 400m
liveness_port: 6065
socks_proxy_host: proxy.internal
socks_proxy_port: "9050"
`)
		d, err := Load(dir)
		require.NoError(t, err)

		assert.Equal(t, "webrecorder/browsertrix-crawler:0.9.0", d.Image)
		assert.Equal(t, "custom-crawlers", d.Namespace)
		assert.Equal(t, "400m", d.RequestsCPU)
		assert.Equal(t, int32(6065), d.LivenessPort)
		assert.Equal(t, "proxy.internal", d.SocksProxyHost)
		assert.Equal(t, "9050", d.SocksProxyPort)

		// Untouched keys keep their defaults
		assert.Equal(t, "IfNotPresent", d.PullPolicy)
		assert.Equal(t, "crawling", d.NodeType)
		assert.Equal(t, "512Mi", d.RequestsMemory)
		assert.Equal(t, "1Gi", d.StorageSize)
		assert.Equal(t, int64(600), d.TerminationGracePeriodSeconds)
	})

	t.Run("missing image is rejected", func(t *testing.T) {
		dir := writeDefaultsFile(t, `namespace: crawlers`)
		_, err := Load(dir)
		assert.Error(t, err)
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("BTRIX_IMAGE", "webrecorder/browsertrix-crawler:env")
		dir := writeDefaultsFile(t, `namespace: crawlers`)
		d, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "webrecorder/browsertrix-crawler:env", d.Image)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CrawlerDefaults)
		wantErr bool
	}{
		{"valid", func(d *CrawlerDefaults) {}, false},
		{"missing image", func(d *CrawlerDefaults) { d.Image = "" }, true},
		{"missing namespace", func(d *CrawlerDefaults) { d.Namespace = "" }, true},
		{"missing storage size", func(d *CrawlerDefaults) { d.StorageSize = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &CrawlerDefaults{
				Image:       "webrecorder/browsertrix-crawler:latest",
				Namespace:   "crawlers",
				StorageSize: "1Gi",
			}
			tt.mutate(d)
			err := d.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBrowserImage(t *testing.T) {
	d := &CrawlerDefaults{Image: "crawler:latest"}
	assert.Equal(t, "crawler:latest", d.BrowserImage())

	d.ProfileBrowserImage = "crawler:profiles"
	assert.Equal(t, "crawler:profiles", d.BrowserImage())
}
