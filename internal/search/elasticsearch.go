package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ReadySet1/destino-sf-sub000/config"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultSearchSize = 50

// ElasticClient keeps a searchable history of dispatch outcomes
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client. A disabled config
// yields a client whose writes are dropped and whose searches return nothing.
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return &ElasticClient{config: cfg}, nil
	}

	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// Enabled reports whether records are shipped to Elasticsearch
func (c *ElasticClient) Enabled() bool {
	return c != nil && c.client != nil
}

func (c *ElasticClient) indexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

// IndexDispatch stores one dispatch record. Each attempt gets its own document.
func (c *ElasticClient) IndexDispatch(ctx context.Context, record models.DispatchRecord) error {
	if !c.Enabled() {
		return nil
	}

	doc, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dispatch record")
	}

	req := esapi.IndexRequest{
		Index:      c.indexName(),
		DocumentID: fmt.Sprintf("%s-%d", record.EventID, record.Attempts),
		Body:       bytes.NewReader(doc),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("index", res)
	}

	log.Debug().
		Str("event_id", record.EventID).
		Str("outcome", record.Outcome).
		Msg("Dispatch record indexed")
	return nil
}

// SearchDispatches returns the indexed history of one event, newest first
func (c *ElasticClient) SearchDispatches(ctx context.Context, eventID string, size int) ([]models.DispatchRecord, error) {
	if !c.Enabled() {
		return []models.DispatchRecord{}, nil
	}
	if size <= 0 {
		size = defaultSearchSize
	}

	query := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"event_id": eventID,
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"@timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexName()},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError("search", res)
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source models.DispatchRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	records := make([]models.DispatchRecord, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		records = append(records, hit.Source)
	}
	return records, nil
}

func responseError(op string, res *esapi.Response) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error (%s): %v", op, res.Status(), e)
}
