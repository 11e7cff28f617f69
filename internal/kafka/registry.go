package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hamba/avro/v2"
)

// HTTPRegistryClient implements SchemaRegistryClient using the Confluent HTTP API.
type HTTPRegistryClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRegistryClient(baseURL string) *HTTPRegistryClient {
	return &HTTPRegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetSchemaID registers schema under subject, which is idempotent, and
// returns its id.
func (c *HTTPRegistryClient) GetSchemaID(ctx context.Context, subject string, schema avro.Schema) (int, error) {
	reqBody, err := json.Marshal(struct {
		Schema string `json:"schema"`
	}{Schema: schema.String()})
	if err != nil {
		return 0, fmt.Errorf("encoding schema: %w", err)
	}

	endpoint := fmt.Sprintf("%s/subjects/%s/versions", c.baseURL, url.PathEscape(subject))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("registry error (status %d): %s", resp.StatusCode, string(body))
	}

	var registerResp struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&registerResp); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}

	return registerResp.ID, nil
}
