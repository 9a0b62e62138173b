package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

// KubernetesCheck returns a health check that verifies API server
// connectivity by retrieving the server version.
func KubernetesCheck(client kubernetes.Interface) healthz.Checker {
	return func(_ *http.Request) error {
		_, err := client.Discovery().ServerVersion()
		if err != nil {
			return fmt.Errorf("kubernetes api connectivity check failed: %w", err)
		}
		return nil
	}
}

// StorageCheck returns a health check that verifies object storage
// connectivity by listing buckets, with a 5-second timeout.
func StorageCheck(s3Client *s3.Client) healthz.Checker {
	return func(_ *http.Request) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return fmt.Errorf("storage connectivity check failed: %w", err)
		}
		return nil
	}
}
