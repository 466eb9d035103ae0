package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	sharederrors "github.com/opsconductor/opsconductor/pkg/shared/errors"
	sharedhttp "github.com/opsconductor/opsconductor/pkg/shared/http"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// HTTPService implements Service against the Asset service egress contract
// in spec §6: GET /assets/{id} for a single lookup, GET /assets?... for a
// filtered search.
type HTTPService struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPService builds an HTTPService against the Asset service at baseURL.
func NewHTTPService(baseURL string, timeout time.Duration) *HTTPService {
	return &HTTPService{
		baseURL:    baseURL,
		httpClient: sharedhttp.NewClient(sharedhttp.AssetClientConfig(timeout)),
	}
}

type assetResponse struct {
	AssetID     string            `json:"asset_id"`
	Type        string            `json:"type"`
	Environment string            `json:"environment"`
	Attributes  map[string]string `json:"attributes"`
	Version     string            `json:"version"`
}

func (r assetResponse) toAssetContext() types.AssetContext {
	return types.AssetContext{
		AssetID:     r.AssetID,
		Type:        r.Type,
		Environment: r.Environment,
		Attributes:  r.Attributes,
		Version:     r.Version,
		FetchedAt:   time.Now(),
	}
}

// FetchAsset retrieves a single asset by id.
func (s *HTTPService) FetchAsset(ctx context.Context, assetID string) (types.AssetContext, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/assets/"+url.PathEscape(assetID), nil)
	if err != nil {
		return types.AssetContext{}, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return types.AssetContext{}, sharederrors.NetworkError("fetch asset "+assetID, s.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.AssetContext{}, fmt.Errorf("assets: asset %s not found", assetID)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return types.AssetContext{}, fmt.Errorf("asset service returned %d: %s", resp.StatusCode, string(raw))
	}

	var out assetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.AssetContext{}, fmt.Errorf("assets: decode response for %s: %w", assetID, err)
	}
	return out.toAssetContext(), nil
}

type searchResponse struct {
	Assets []assetResponse `json:"assets"`
}

// SearchAssets retrieves every asset matching filter.
func (s *HTTPService) SearchAssets(ctx context.Context, filter Filter) ([]types.AssetContext, error) {
	q := url.Values{}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	if filter.Environment != "" {
		q.Set("environment", filter.Environment)
	}
	if filter.Query != "" {
		q.Set("q", filter.Query)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/assets?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, sharederrors.NetworkError("search assets", s.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("asset service returned %d: %s", resp.StatusCode, string(raw))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("assets: decode search response: %w", err)
	}

	results := make([]types.AssetContext, len(out.Assets))
	for i, a := range out.Assets {
		results[i] = a.toAssetContext()
	}
	return results, nil
}
