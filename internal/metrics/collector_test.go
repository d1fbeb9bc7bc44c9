package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/uiregress/pkg/models"
)

func TestRunFinishedLabels(t *testing.T) {
	c := New()

	c.RunFinished(&models.AggregateResult{Success: true}, nil, time.Second)
	c.RunFinished(&models.AggregateResult{Success: false}, nil, time.Second)
	c.RunFinished(nil, errors.New("display"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("error")))
}

func TestViewerGauge(t *testing.T) {
	c := New()

	c.ViewerAttached()
	c.ViewerAttached()
	c.ViewerDetached(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.viewers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.viewersDropped))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SessionStarted()
	c.FrameProduced()
	c.EngineFinished(models.RunOutcome{Engine: models.EngineGecko})
	c.ViewerDetached(false)
}

func TestHandlerServesMetrics(t *testing.T) {
	c := New()
	c.SessionStarted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uiregress_display_sessions_active 1")
}
