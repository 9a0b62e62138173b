package render

import (
	"fmt"
	"strconv"
	"strings"
)

// Label keys and values stamped on rendered resources. Reconciliation
// recovers replica identity after a restart purely by listing resources
// with these labels and parsing ordinals from names.
const (
	CrawlLabel   = "crawl"
	BrowserLabel = "browser"
	RoleLabel    = "role"
	RoleCrawler  = "crawler"
	RoleJob      = "job"
)

// CrawlPodName returns the deterministic pod name for one replica
func CrawlPodName(id string, ordinal int) string {
	return fmt.Sprintf("crawl-%s-%d", id, ordinal)
}

// CrawlPVCName returns the deterministic PVC name for one replica. The PVC
// outlives pod restarts of the same ordinal and is released on scale-down.
func CrawlPVCName(id string, ordinal int) string {
	return fmt.Sprintf("crawl-data-%s-%d", id, ordinal)
}

// BrowserPodName returns the pod name for a profile browser session
func BrowserPodName(id string) string {
	return fmt.Sprintf("browser-%s", id)
}

// BrowserPVCName returns the PVC name for a profile browser session
func BrowserPVCName(id string) string {
	return fmt.Sprintf("browser-data-%s", id)
}

// CrawlConfigMapName returns the name of the shared, externally provided
// crawl config object for a crawl config id. Read-only input, never owned.
func CrawlConfigMapName(cid string) string {
	return fmt.Sprintf("crawl-config-%s", cid)
}

// StorageSecretName returns the name of the credentials secret for a named
// storage
func StorageSecretName(storageName string) string {
	return fmt.Sprintf("storage-%s", storageName)
}

// Ordinal parses the replica ordinal from a resource name previously
// produced by CrawlPodName or CrawlPVCName. Returns -1 when the name does
// not carry one.
func Ordinal(name string) int {
	idx := strings.LastIndex(name, "-")
	if idx < 0 || idx == len(name)-1 {
		return -1
	}
	ord, err := strconv.Atoi(name[idx+1:])
	if err != nil || ord < 0 {
		return -1
	}
	return ord
}

// WebhookURL derives the completion webhook endpoint for a job id. Empty
// when no API base is configured, which disables delivery.
func WebhookURL(base, id string) string {
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/crawls/%s/crawls-done", strings.TrimSuffix(base, "/"), id)
}
