package runtime_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"memgrid/pkg/errors"
	"memgrid/pkg/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/tags", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b","size":4661224676},{"name":"phi3:mini","size":2176178913}]}`))
	}))
	defer ts.Close()

	client := runtime.NewClient(ts.URL)

	list, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "llama3:8b", list[0].Name)
	assert.EqualValues(t, 4661224676, list[0].Size)
}

func TestListModelsRuntimeDown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ts.Close()

	client := runtime.NewClient(ts.URL)

	_, err := client.ListModels(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.KindOf(err))
}

func TestPullStreamsProgress(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/pull", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3:8b", req["name"])
		assert.Equal(t, true, req["stream"])

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte("{\"status\":\"downloading\"}\n{\"status\":\"success\"}\n"))
	}))
	defer ts.Close()

	client := runtime.NewClient(ts.URL)

	stream, err := client.Pull(context.Background(), "llama3:8b")
	require.NoError(t, err)
	defer stream.Close()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"success"`)
}

func TestDeleteModel(t *testing.T) {
	var deleted string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/delete", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		deleted = req["name"]
	}))
	defer ts.Close()

	client := runtime.NewClient(ts.URL)

	require.NoError(t, client.DeleteModel(context.Background(), "phi3:mini"))
	assert.Equal(t, "phi3:mini", deleted)
}
