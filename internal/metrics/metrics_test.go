package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cruciblehq/berth/internal/build"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ build.Observer = (*Metrics)(nil)

func TestStageDone(t *testing.T) {
	m := New()

	m.StageDone(build.StageBase, false, time.Second, nil)
	m.StageDone(build.StageWorkdir, true, time.Millisecond, nil)
	m.StageDone(build.StageWorkdir, true, time.Millisecond, nil)
	m.StageDone(build.StagePackages, false, time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageCache.WithLabelValues("base", "miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageCache.WithLabelValues("workdir", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageFailures.WithLabelValues("system-packages")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.stageCache.WithLabelValues("system-packages", "miss")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.stageDuration))
}

func TestBuildDone(t *testing.T) {
	m := New()

	done := m.Track()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))
	m.BuildDone(time.Minute, nil)
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active))

	m.BuildDone(time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.builds.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.builds.WithLabelValues("failure")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.BuildDone(time.Second, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `berth_builds_total{result="success"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
