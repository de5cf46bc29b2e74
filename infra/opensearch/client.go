package opensearch

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/paygate-io/paygate/infra/config"
	"github.com/paygate-io/paygate/infra/logger"
)

// Client wraps the OpenSearch client for the provider-call analytics sink.
type Client struct {
	client *opensearch.Client
	config *config.AppConfig
}

// NewClient creates an OpenSearch client from the app config.
func NewClient(cfg *config.AppConfig) (*Client, error) {
	osCfg := opensearch.Config{
		Addresses: []string{cfg.OpenSearchURL},
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // self-signed certs in dev clusters
			},
		},
		MaxRetries:    3,
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			return time.Duration(i) * 100 * time.Millisecond
		},
	}

	if cfg.OpenSearchUser != "" && cfg.OpenSearchPass != "" {
		osCfg.Username = cfg.OpenSearchUser
		osCfg.Password = cfg.OpenSearchPass
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Client{client: client, config: cfg}, nil
}

// GetClient returns the underlying OpenSearch client.
func (c *Client) GetClient() *opensearch.Client {
	return c.client
}

// IsEnabled reports whether call logging is switched on.
func (c *Client) IsEnabled() bool {
	return c.config.EnableCallLogging
}

// CallIndexName returns the index holding one provider's call logs.
func (c *Client) CallIndexName(provider string) string {
	return c.config.CallLogIndexPrefix + "-" + provider
}

// EnsureIndices creates the call-log index for each provider if missing.
// Failures are logged and skipped; the sink degrades to dropping records
// for an index that could not be created.
func (c *Client) EnsureIndices(providers []string) {
	for _, provider := range providers {
		indexName := c.CallIndexName(provider)

		exists, err := c.indexExists(indexName)
		if err != nil {
			logger.Warn("Failed to check call-log index", logger.LogContext{
				Provider: provider,
				Fields:   map[string]any{"index": indexName, "error": err.Error()},
			})
			continue
		}
		if exists {
			continue
		}

		if err := c.createCallIndex(indexName); err != nil {
			logger.Warn("Failed to create call-log index", logger.LogContext{
				Provider: provider,
				Fields:   map[string]any{"index": indexName, "error": err.Error()},
			})
			continue
		}
		logger.Info("Created call-log index", logger.LogContext{
			Provider: provider,
			Fields:   map[string]any{"index": indexName},
		})
	}
}

func (c *Client) indexExists(indexName string) (bool, error) {
	req := opensearchapi.IndicesExistsRequest{
		Index: []string{indexName},
	}

	res, err := req.Do(nil, c.client)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	return res.StatusCode == 200, nil
}

func (c *Client) createCallIndex(indexName string) error {
	mapping := `{
		"mappings": {
			"properties": {
				"timestamp": {
					"type": "date",
					"format": "strict_date_optional_time||epoch_millis"
				},
				"provider": {
					"type": "keyword"
				},
				"operation": {
					"type": "keyword"
				},
				"duration_ms": {
					"type": "long"
				},
				"success": {
					"type": "boolean"
				},
				"error": {
					"type": "object",
					"properties": {
						"kind": {
							"type": "keyword"
						},
						"code": {
							"type": "keyword"
						},
						"message": {
							"type": "text"
						}
					}
				},
				"request": {
					"type": "text"
				},
				"response": {
					"type": "text"
				}
			}
		},
		"settings": {
			"number_of_shards": 1,
			"number_of_replicas": 0
		}
	}`

	req := opensearchapi.IndicesCreateRequest{
		Index: indexName,
		Body:  strings.NewReader(mapping),
	}

	res, err := req.Do(nil, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index creation error: %s", res.String())
	}

	return nil
}
