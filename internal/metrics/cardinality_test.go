package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizePathLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"/metrics", "/*"},
		{"/health", "/*"},
		{"/42", "/*"},
		{"/42?ignored=1", "/*"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := sanitizePathLabel(tt.path)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Distinct file keys in the path must not explode label cardinality.
	m.RecordHTTPRequest(context.Background(), "GET", "/1", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/2", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/3", http.StatusOK, time.Millisecond, 100)

	count := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/*", "OK"))
	assert.Equal(t, 3.0, count)
}

func TestRecordDriveOperation_DisableDriveLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{EnableDriveLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordDriveOperation(context.Background(), "createFile", "drive-1", time.Millisecond)
	m.RecordDriveOperation(context.Background(), "createFile", "drive-2", time.Millisecond)

	count := testutil.ToFloat64(m.driveOperationsTotal.WithLabelValues("createFile", "*"))
	assert.Equal(t, 2.0, count)
}

func TestRecordDriveError_DisableDriveLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{EnableDriveLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordDriveError(context.Background(), "getFile", "drive-1", "RemoteStatus")
	m.RecordDriveError(context.Background(), "getFile", "drive-2", "RemoteStatus")

	count := testutil.ToFloat64(m.driveOperationErrors.WithLabelValues("getFile", "*", "RemoteStatus"))
	assert.Equal(t, 2.0, count)
}
