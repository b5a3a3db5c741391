package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCounters(t *testing.T) {
	m := New()

	m.AttachmentOpened()
	m.AttachmentOpened()
	m.AttachmentClosed()
	m.TransactionEnded("commit")
	m.TransactionEnded("commit")
	m.TransactionEnded("rollback")
	m.EventsDelivered(map[string]int{"insert_1": 2, "insert_3": 1})
	m.ServiceJob("backup", nil)
	m.ServiceJob("backup", errors.New("boom"))
	m.BlobTransferred("write", 70000)

	body := scrape(t, m)
	assert.Contains(t, body, "fbdriver_attachments 1")
	assert.Contains(t, body, `fbdriver_transactions_total{outcome="commit"} 2`)
	assert.Contains(t, body, `fbdriver_transactions_total{outcome="rollback"} 1`)
	assert.Contains(t, body, `fbdriver_events_delivered_total{event="insert_1"} 2`)
	assert.Contains(t, body, `fbdriver_service_jobs_total{action="backup",result="error"} 1`)
	assert.Contains(t, body, `fbdriver_blob_bytes_total{direction="write"} 70000`)
}

func TestHandler(t *testing.T) {
	m := New()
	m.StatementExecuted("SELECT")
	m.Error("")

	body := scrape(t, m)
	assert.Contains(t, body, `fbdriver_statements_executed_total{type="SELECT"} 1`)
	assert.Contains(t, body, `fbdriver_errors_total{sqlstate="none"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
