package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const cpuBody = `{"status":"success","data":{"resultType":"vector","result":[
	{"metric":{"instance":"agent-a:9100"},"value":[1700000000.0,"20.5"]},
	{"metric":{"instance":"agent-b:9100"},"value":[1700000000.0,"80"]}
]}}`

const memBody = `{"status":"success","data":{"resultType":"vector","result":[
	{"metric":{"instance":"agent-a:9100"},"value":[1700000000.0,"2147483648"]}
]}}`

func fakePrometheus(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		q := r.URL.Query().Get("query")
		switch {
		case strings.Contains(q, "node_cpu_seconds_total"):
			_, _ = w.Write([]byte(cpuBody))
		case strings.Contains(q, "node_memory"):
			_, _ = w.Write([]byte(memBody))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAllNodesMetricsKeysByHost(t *testing.T) {
	svc := NewMonitoringService(fakePrometheus(t).URL, zap.NewNop())

	metrics, err := svc.GetAllNodesMetrics(t.Context())
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.InDelta(t, 20.5, metrics["agent-a"].CPUUsage, 0.001)
	assert.InDelta(t, 2048, metrics["agent-a"].MemUsage, 0.001)
	assert.InDelta(t, 80, metrics["agent-b"].CPUUsage, 0.001)
	assert.Zero(t, metrics["agent-b"].MemUsage)
}

func TestGetNodeMetrics(t *testing.T) {
	svc := NewMonitoringService(fakePrometheus(t).URL, zap.NewNop())

	cpu, mem, err := svc.GetNodeMetrics(t.Context(), "agent-a:9100")
	require.NoError(t, err)
	assert.Greater(t, cpu, 0.0)
	assert.Greater(t, mem, 0.0)
}

func TestPrometheusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	}))
	defer srv.Close()
	svc := NewMonitoringService(srv.URL, zap.NewNop())

	_, err := svc.GetAllNodesMetrics(t.Context())
	assert.ErrorContains(t, err, "parse error")

	_, _, err = svc.GetNodeMetrics(t.Context(), "x")
	assert.Error(t, err)
}

func TestSampleValue(t *testing.T) {
	for name, tc := range map[string]struct {
		in   interface{}
		want float64
		ok   bool
	}{
		"pair with string": {[]interface{}{1.0, "3.5"}, 3.5, true},
		"pair with number": {[]interface{}{1.0, 4.0}, 4, true},
		"bare number":      {2.0, 2, true},
		"bare string":      {"7", 7, true},
		"short pair":       {[]interface{}{1.0}, 0, false},
		"object":           {map[string]any{}, 0, false},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := sampleValue(tc.in)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
