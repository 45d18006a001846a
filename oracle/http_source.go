package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPSource fetches valuations from an external appraisal endpoint. The
// endpoint is expected to answer GET <base>?asset=<id> with a JSON body of the
// form {"value":"1250000000000000000","asOf":"RFC3339","confidence":0.92}.
type HTTPSource struct {
	name     string
	endpoint string
	client   *http.Client
}

type httpQuotePayload struct {
	Value      string    `json:"value"`
	AsOf       time.Time `json:"asOf"`
	Confidence float64   `json:"confidence"`
}

// NewHTTPSource constructs an HTTP source. A zero timeout defaults to 10s.
func NewHTTPSource(name, endpoint string, timeout time.Duration) (*HTTPSource, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle source endpoint required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("oracle source endpoint invalid: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if name == "" {
		name = "http"
	}
	return &HTTPSource{
		name:     name,
		endpoint: trimmed,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, assetID uint64) (Quote, error) {
	target, err := url.Parse(s.endpoint)
	if err != nil {
		return Quote{}, err
	}
	query := target.Query()
	query.Set("asset", strconv.FormatUint(assetID, 10))
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle source %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Quote{}, fmt.Errorf("oracle source %s: status %d", s.name, resp.StatusCode)
	}

	var payload httpQuotePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("oracle source %s: decode: %w", s.name, err)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(payload.Value), 10)
	if !ok || value.Sign() <= 0 {
		return Quote{}, fmt.Errorf("oracle source %s: invalid value %q", s.name, payload.Value)
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return Quote{
		AssetID:    assetID,
		Value:      value,
		AsOf:       asOf,
		Confidence: payload.Confidence,
	}, nil
}
