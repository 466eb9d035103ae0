package assets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPService_FetchAsset_Succeeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets/host-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(assetResponse{
			AssetID:     "host-1",
			Type:        "host",
			Environment: "production",
			Attributes:  map[string]string{"region": "us-east-1"},
			Version:     "3",
		})
	}))
	defer server.Close()

	svc := NewHTTPService(server.URL, 2*time.Second)
	ac, err := svc.FetchAsset(context.Background(), "host-1")
	require.NoError(t, err)
	assert.Equal(t, "host-1", ac.AssetID)
	assert.Equal(t, "production", ac.Environment)
	assert.Equal(t, "us-east-1", ac.Attributes["region"])
	assert.False(t, ac.FetchedAt.IsZero())
}

func TestHTTPService_FetchAsset_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	svc := NewHTTPService(server.URL, 2*time.Second)
	_, err := svc.FetchAsset(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHTTPService_FetchAsset_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("asset backend down"))
	}))
	defer server.Close()

	svc := NewHTTPService(server.URL, 2*time.Second)
	_, err := svc.FetchAsset(context.Background(), "host-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPService_SearchAssets_SendsFilterAsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets", r.URL.Path)
		assert.Equal(t, "production", r.URL.Query().Get("environment"))
		assert.Equal(t, "host", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(searchResponse{Assets: []assetResponse{
			{AssetID: "host-1", Type: "host", Environment: "production"},
			{AssetID: "host-2", Type: "host", Environment: "production"},
		}})
	}))
	defer server.Close()

	svc := NewHTTPService(server.URL, 2*time.Second)
	results, err := svc.SearchAssets(context.Background(), Filter{Type: "host", Environment: "production"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "host-1", results[0].AssetID)
}
