package telemetry

import (
	"testing"
	"time"

	"github.com/maxpert/marmot-restore/cfg"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enableTelemetry(t *testing.T) {
	t.Helper()
	original := *cfg.Config
	cfg.Config.Prometheus.Enabled = true
	cfg.Config.HostID = "h1"
	InitializeTelemetry()
	InitMetrics()

	t.Cleanup(func() {
		*cfg.Config = original
		registry = nil
		InitMetrics()
	})
}

func gather(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestNoopWhenDisabled(t *testing.T) {
	assert.Nil(t, GetMetricsHandler())

	// Nothing registered, nothing panics
	timer := NewStageTimer()
	timer.Enter(1, "finding-tables")
	TasksCompletedTotal.Inc()
	RestoreFailuresTotal.With("not_found").Inc()
}

func TestStageTimer(t *testing.T) {
	enableTelemetry(t)

	now := time.Unix(1000, 0)
	timer := NewStageTimer()
	timer.now = func() time.Time { return now }
	assert.Equal(t, time.Duration(0), timer.Elapsed())

	timer.Enter(1, "finding-tables")
	now = now.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, timer.Elapsed())
	timer.Enter(2, "checking-access")

	families := gather(t)

	stage := families["marmot_restore_stage"]
	require.NotNil(t, stage)
	assert.Equal(t, 2.0, stage.GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, "h1", labelValue(stage.GetMetric()[0], "host_id"))

	transitions := families["marmot_restore_stage_transitions_total"]
	require.NotNil(t, transitions)
	assert.Len(t, transitions.GetMetric(), 2)

	durations := families["marmot_restore_stage_duration_seconds"]
	require.NotNil(t, durations)
	require.Len(t, durations.GetMetric(), 1)
	m := durations.GetMetric()[0]
	assert.Equal(t, "finding-tables", labelValue(m, "stage"))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.Equal(t, 3.0, m.GetHistogram().GetSampleSum())

	assert.NotNil(t, GetMetricsHandler())
}

func TestMetricsCollector(t *testing.T) {
	enableTelemetry(t)

	collector := NewMetricsCollector(CollectorSources{
		Progress: func() ProgressSnapshot {
			return ProgressSnapshot{Databases: 2, Tables: 5, TablesCreated: 4, TablesRestored: 3}
		},
		Locks: func() int { return 5 },
	}, time.Hour)
	collector.Start()
	collector.Stop()
	collector.Stop()

	families := gather(t)

	locks := families["marmot_restore_table_locks_held"]
	require.NotNil(t, locks)
	assert.Equal(t, 5.0, locks.GetMetric()[0].GetGauge().GetValue())

	objects := families["marmot_restore_objects"]
	require.NotNil(t, objects)
	values := make(map[string]float64)
	for _, m := range objects.GetMetric() {
		values[labelValue(m, "type")+"/"+labelValue(m, "state")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"database/found": 2,
		"table/found":    5,
		"table/created":  4,
		"table/restored": 3,
	}, values)
}
