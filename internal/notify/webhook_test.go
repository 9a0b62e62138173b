package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobDone(t *testing.T) {
	t.Run("posts the completion message", func(t *testing.T) {
		var got Message
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		err := New().JobDone(context.Background(), server.URL, "abc", "finishing", "Completed")
		require.NoError(t, err)

		assert.Equal(t, "abc", got.ID)
		assert.Equal(t, "finishing", got.State)
		assert.Equal(t, "Completed", got.Reason)
		assert.NotEmpty(t, got.DeliveryID, "each delivery carries a unique id")
	})

	t.Run("reports rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		err := New().JobDone(context.Background(), server.URL, "abc", "finishing", "")
		assert.Error(t, err)
	})

	t.Run("reports unreachable endpoint", func(t *testing.T) {
		err := New().JobDone(context.Background(), "http://127.0.0.1:1/crawls-done", "abc", "finishing", "")
		assert.Error(t, err)
	})

	t.Run("no-op without a url", func(t *testing.T) {
		assert.NoError(t, New().JobDone(context.Background(), "", "abc", "finishing", ""))
	})
}
