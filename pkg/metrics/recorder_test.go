package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/detectors/online"
)

var _ online.Observer = (*Recorder)(nil)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()

	for _i := 0; _i < 5; _i++ {
		r.ObserveEvent(false)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(r.trained))

	r.ObserveTraining(online.TrainingInitial, 5, 20*time.Millisecond)
	r.ObserveEvent(true)
	r.ObserveScore(0.42, false)
	r.ObserveEvent(true)
	r.ObserveScore(0.91, true)

	assert.Equal(t, 5.0, testutil.ToFloat64(r.eventsTotal.WithLabelValues("buffering")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.eventsTotal.WithLabelValues("scoring")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.anomaliesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.trained))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.trainingWindow))
	assert.Equal(t, uint64(2), histogramCount(t, r, "flowguard_anomaly_score"))
}

func histogramCount(t *testing.T, r *Recorder, name string) uint64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestRecorderTrainingKinds(t *testing.T) {
	r := NewRecorder()
	r.ObserveTraining(online.TrainingInitial, 256, time.Millisecond)
	r.ObserveTraining(online.TrainingRetrain, 256, time.Millisecond)
	r.ObserveTraining(online.TrainingRetrain, 128, time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(r.trainingDuration))
	assert.Equal(t, 128.0, testutil.ToFloat64(r.trainingWindow))
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.ObserveEvent(false)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `flowguard_events_total{phase="buffering"} 1`))
}
