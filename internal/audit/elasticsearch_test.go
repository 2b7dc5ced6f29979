package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/payment"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeES struct {
	mu       sync.Mutex
	indexed  []map[string]interface{}
	searches []string
	fail     bool
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/":
		_, _ = w.Write([]byte(`{"version":{"number":"8.11.0"},"tagline":"You Know, for Search"}`))
	case f.fail:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"unavailable"}`))
	case strings.HasSuffix(r.URL.Path, "/_doc"):
		var doc map[string]interface{}
		_ = json.Unmarshal(body, &doc)
		f.indexed = append(f.indexed, doc)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created","_id":"1"}`))
	case strings.HasSuffix(r.URL.Path, "/_search"):
		f.searches = append(f.searches, string(body))
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_source":{"referenceId":"R1","userId":"u","packageId":2,"state":"GATEWAY_INITIATED","source":"workflow","timestamp":"2024-09-02T10:00:00Z"}},
			{"_source":{"referenceId":"R1","userId":"u","packageId":2,"state":"FULFILLED","source":"workflow","timestamp":"2024-09-02T10:00:03Z"}}
		]}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestRecorder(t *testing.T) (*Recorder, *fakeES) {
	t.Helper()
	fake := &fakeES{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewRecorder(client, "skyfi-payment-events", logger.NewTestLogger(t)), fake
}

func TestRecorder_Record(t *testing.T) {
	r, fake := newTestRecorder(t)

	err := r.Record(context.Background(), payment.Event{
		ReferenceID: "R1",
		PaymentID:   7,
		UserID:      "user-1",
		PackageID:   2,
		State:       payment.StateFulfilled,
		Source:      "workflow",
		Timestamp:   time.Date(2024, 9, 2, 10, 0, 3, 0, time.UTC),
	})
	require.NoError(t, err)

	require.Len(t, fake.indexed, 1)
	assert.Equal(t, "R1", fake.indexed[0]["referenceId"])
	assert.Equal(t, "FULFILLED", fake.indexed[0]["state"])
	assert.Equal(t, float64(7), fake.indexed[0]["paymentId"])
}

func TestRecorder_RecordError(t *testing.T) {
	r, fake := newTestRecorder(t)
	fake.fail = true

	err := r.Record(context.Background(), payment.Event{ReferenceID: "R1", State: payment.StateFailed})
	assert.Error(t, err)
}

func TestRecorder_History(t *testing.T) {
	r, fake := newTestRecorder(t)

	events, err := r.History(context.Background(), "R1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, payment.StateGatewayInitiated, events[0].State)
	assert.Equal(t, payment.StateFulfilled, events[1].State)

	require.Len(t, fake.searches, 1)
	assert.Contains(t, fake.searches[0], `"referenceId":"R1"`)
}
