// Package prometheus provides agent host load metrics read from a Prometheus server.
package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
)

const (
	cpuByInstance = `100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[1m])) * 100)`
	memByInstance = `node_memory_MemTotal_bytes - node_memory_MemAvailable_bytes`
)

type monitoringService struct {
	prometheusURL string
	client        *http.Client
	log           *zap.Logger
}

func NewMonitoringService(promURL string, log *zap.Logger) port.MonitoringService {
	return &monitoringService{
		prometheusURL: promURL,
		client:        &http.Client{Timeout: 5 * time.Second},
		log:           log,
	}
}

// Prometheus API response structure
type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  interface{}       `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

// GetNodeMetrics returns CPU usage (percent) and used memory (MB) of one exporter instance
func (s *monitoringService) GetNodeMetrics(ctx context.Context, instance string) (float64, float64, error) {
	cpuQuery := fmt.Sprintf(`100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle",instance="%s"}[1m])) * 100)`, instance)
	cpu, err := s.queryVector(ctx, cpuQuery)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu query: %w", err)
	}
	if len(cpu) == 0 {
		return 0, 0, fmt.Errorf("no cpu data for instance %s", instance)
	}

	memQuery := fmt.Sprintf(`node_memory_MemTotal_bytes{instance="%s"} - node_memory_MemAvailable_bytes{instance="%s"}`, instance, instance)
	mem, err := s.queryVector(ctx, memQuery)
	if err != nil {
		return 0, 0, fmt.Errorf("memory query: %w", err)
	}

	var cpuUsage, memUsage float64
	for _, v := range cpu {
		cpuUsage = v
	}
	for _, v := range mem {
		memUsage = v
	}
	return cpuUsage, memUsage / 1024 / 1024, nil // Convert bytes to MB
}

// GetAllNodesMetrics returns the load of every exporter in two queries, keyed by host name
func (s *monitoringService) GetAllNodesMetrics(ctx context.Context) (map[string]domain.AgentMetrics, error) {
	cpu, err := s.queryVector(ctx, cpuByInstance)
	if err != nil {
		return nil, fmt.Errorf("cpu query: %w", err)
	}
	mem, err := s.queryVector(ctx, memByInstance)
	if err != nil {
		s.log.Warn("Memory query failed, ranking on cpu only", zap.Error(err))
		mem = map[string]float64{}
	}

	out := make(map[string]domain.AgentMetrics, len(cpu))
	for instance, c := range cpu {
		out[hostOf(instance)] = domain.AgentMetrics{
			CPUUsage: c,
			MemUsage: mem[instance] / 1024 / 1024,
		}
	}
	return out, nil
}

// hostOf strips the exporter port off an instance label
func hostOf(instance string) string {
	if host, _, err := net.SplitHostPort(instance); err == nil {
		return host
	}
	return instance
}

// queryVector runs an instant query and returns its samples keyed by instance label
func (s *monitoringService) queryVector(ctx context.Context, query string) (map[string]float64, error) {
	// URL-encode query
	escapedQuery := url.QueryEscape(query)
	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", s.prometheusURL, escapedQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}

	var result prometheusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("JSON decode failed: %w", err)
	}

	// Check for Prometheus error response
	if result.Status != "success" {
		return nil, fmt.Errorf("prometheus error: %s (%s)", result.Error, result.ErrorType)
	}

	out := make(map[string]float64, len(result.Data.Result))
	for _, r := range result.Data.Result {
		v, err := sampleValue(r.Value)
		if err != nil {
			s.log.Debug("Skipping unparsable sample", zap.String("instance", r.Metric["instance"]), zap.Error(err))
			continue
		}
		out[r.Metric["instance"]] = v
	}
	return out, nil
}

// sampleValue handles both the standard [timestamp, "value"] pair and bare numbers
func sampleValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case []interface{}:
		if len(v) < 2 {
			return 0, fmt.Errorf("unexpected value array length: %d", len(v))
		}
		switch valRaw := v[1].(type) {
		case string:
			return strconv.ParseFloat(valRaw, 64)
		case float64:
			return valRaw, nil
		default:
			return 0, fmt.Errorf("unexpected value type in array: %T", valRaw)
		}
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unexpected value format: %T (%v)", value, value)
	}
}
