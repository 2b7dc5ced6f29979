// Package audit indexes payment workflow transitions in Elasticsearch so
// support staff can trace a charge by its reference id.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/payment"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// IndexMapping keeps identifiers as keywords so term lookups match exactly.
const IndexMapping = `{
  "mappings": {
    "properties": {
      "referenceId":   { "type": "keyword" },
      "paymentId":     { "type": "long" },
      "userId":        { "type": "keyword" },
      "packageId":     { "type": "long" },
      "state":         { "type": "keyword" },
      "attempt":       { "type": "integer" },
      "gatewayStatus": { "type": "keyword" },
      "errorCode":     { "type": "keyword" },
      "message":       { "type": "text" },
      "source":        { "type": "keyword" },
      "timestamp":     { "type": "date" }
    }
  }
}`

type Recorder struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewRecorder(client *elasticsearch.Client, index string, log logger.Logger) *Recorder {
	return &Recorder{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "audit"}),
	}
}

// Record indexes one event. The document is not refreshed synchronously.
func (r *Recorder) Record(ctx context.Context, ev payment.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index: r.index,
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return fmt.Errorf("index payment event: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index payment event: %s", res.String())
	}
	return nil
}

// History returns the recorded events of one charge, oldest first.
func (r *Recorder) History(ctx context.Context, referenceID string) ([]payment.Event, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"referenceId": referenceID},
		},
		"sort": []interface{}{
			map[string]interface{}{"timestamp": map[string]interface{}{"order": "asc"}},
		},
		"size": 200,
	}
	body, _ := json.Marshal(query)
	req := esapi.SearchRequest{
		Index: []string{r.index},
		Body:  strings.NewReader(string(body)),
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search payment events: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source payment.Event `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	events := make([]payment.Event, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		events = append(events, h.Source)
	}
	return events, nil
}
