package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caat/taskwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*APIClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAPIClient(ClientConfig{
		BaseURL:        srv.URL + "/",
		RequestTimeout: time.Second,
		SubmitTimeout:  2 * time.Second,
	}), srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientGetTask(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/api/v1/tasks/t1":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"id": "t1", "kind": "WORD", "category": "MANUAL", "status": "RUNNING",
				"progress": 40, "fetched_count": 2, "total_count": 5, "log_messages": []string{"queued"},
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "task not found", "details": []string{r.URL.Path}})
		}
	})

	rec, err := client.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, rec.Status)
	require.NotNil(t, rec.TotalCount)
	assert.Equal(t, 40, rec.CompletionPercent())
	assert.Equal(t, domain.StringList{"queued"}, rec.LogMessages)

	_, err = client.GetTask(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTaskNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "task not found", apiErr.Message)
	assert.False(t, IsAmbiguous(err))
}

func TestClientListTasksSendsFilters(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/v1/tasks", r.URL.Path)
		assert.Equal(t, "SCHEDULED", q.Get("category"))
		assert.Equal(t, "u7", q.Get("owner"))
		assert.Equal(t, "CSV", q.Get("kind"))
		assert.Equal(t, "1", q.Get("page"))
		assert.Equal(t, "100", q.Get("size"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"content":        []map[string]interface{}{{"id": "a", "status": "PENDING"}},
			"total_elements": 101,
			"page":           1,
			"size":           100,
		})
	})

	page, err := client.ListTasks(context.Background(), domain.ListQuery{
		Category: domain.TaskCategoryScheduled, Owner: "u7", Kind: domain.TaskKindCSV, Page: 1, Size: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), page.TotalElements)
	assert.True(t, page.HasActive())
}

func TestClientCreateTimeoutIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	client := NewAPIClient(ClientConfig{BaseURL: srv.URL, RequestTimeout: 10 * time.Millisecond, SubmitTimeout: 30 * time.Millisecond})

	_, err := client.CreateTask(context.Background(), wordRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsAmbiguous(err))
	assert.False(t, errors.Is(err, ErrRejected))
}

func TestClientCreateUsesLongerTimeout(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, http.StatusCreated, map[string]string{"id": "t9", "status": "PENDING"})
	})
	client.requestTimeout = 5 * time.Millisecond
	client.submitTimeout = time.Second

	rec, err := client.CreateTask(context.Background(), wordRequest())
	require.NoError(t, err)
	assert.Equal(t, "t9", rec.ID)
}

func TestClientCreateRejected(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, domain.TaskKindPDF, body.Kind)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "owner is required", "details": []string{"task: owner is required"}})
	})

	_, err := client.CreateTask(context.Background(), SubmitRequest{Kind: domain.TaskKindPDF, Category: domain.TaskCategoryManual})

	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsAmbiguous(err))
	assert.Equal(t, "owner is required", UserMessage(err))
}

func TestClientGatewayErrorIsAmbiguous(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	})

	_, err := client.CreateTask(context.Background(), wordRequest())

	assert.True(t, IsAmbiguous(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
}

func TestClientUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client := NewAPIClient(ClientConfig{BaseURL: url, RequestTimeout: time.Second})

	_, err := client.GetTask(context.Background(), "t1")

	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "Cannot reach the server. Check your connection and try again.", UserMessage(err))
}

func TestClientDeleteOperations(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/tasks/t1":
			writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/delete":
			var body struct {
				IDs []string `json:"ids"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []string{"a", "b", "c"}, body.IDs)
			writeJSON(w, http.StatusOK, map[string]int{"deleted": 2})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/purge":
			var body struct {
				Category    string `json:"category"`
				ConfirmText string `json:"confirm_text"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "SCHEDULED", body.Category)
			assert.Equal(t, "DELETE SCHEDULED", body.ConfirmText)
			writeJSON(w, http.StatusOK, map[string]int{"deleted": 7})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/t1/cancel":
			writeJSON(w, http.StatusOK, map[string]string{"id": "t1", "status": "CANCELLED"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "route not found"})
		}
	})
	ctx := context.Background()

	require.NoError(t, client.DeleteTask(ctx, "t1"))

	n, err := client.DeleteTasks(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = client.DeleteTasksByCategory(ctx, domain.TaskCategoryScheduled, "DELETE SCHEDULED")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	rec, err := client.CancelTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, rec.Status)
}

func TestClientDownloadArtifact(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/tasks/done/download":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("col_a,col_b\n1,2\n"))
		default:
			writeJSON(w, http.StatusConflict, map[string]string{"error": "task is not completed"})
		}
	})

	var buf bytes.Buffer
	n, err := client.DownloadArtifact(context.Background(), "done", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, "col_a,col_b\n1,2\n", buf.String())

	_, err = client.DownloadArtifact(context.Background(), "busy", &buf)
	assert.ErrorIs(t, err, ErrNotDownloadable)
}
