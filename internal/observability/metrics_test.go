package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCommitAndIntent(t *testing.T) {
	before := testutil.ToFloat64(commits.WithLabelValues("committed"))
	RecordCommit(12, time.Millisecond, 5, 2)
	assert.Equal(t, before+1, testutil.ToFloat64(commits.WithLabelValues("committed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(committedTick))
	assert.Equal(t, 3.0, testutil.ToFloat64(labels.WithLabelValues("false")))

	RecordIntent("claim-label", "E_CONFLICT")
	assert.GreaterOrEqual(t, testutil.ToFloat64(intents.WithLabelValues("claim-label", "E_CONFLICT")), 1.0)
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordAbort(time.Millisecond)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "labelcenter_commit_total"))
}
