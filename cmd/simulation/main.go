package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/spf13/cobra"
)

var (
	apiAddr           string
	scriptIDs         []string
	backends          []string
	params            map[string]string
	simulationTime    time.Duration
	injectionInterval time.Duration
	maxBatch          int
)

var apiClient = &http.Client{Timeout: 10 * time.Second}

var rootCmd = &cobra.Command{
	Use:   "simulation",
	Short: "Submit a stream of jobs through the API and follow their progress",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&apiAddr, "api", "http://localhost:8080", "API server address")
	f.StringSliceVar(&scriptIDs, "script", nil, "script ids to submit (default: every registered script)")
	f.StringSliceVar(&backends, "backend", []string{"server", "agent"}, "backends to spread jobs over")
	f.StringToStringVar(&params, "param", nil, "job parameters, key=value")
	f.DurationVar(&simulationTime, "duration", 5*time.Minute, "how long to inject jobs")
	f.DurationVar(&injectionInterval, "interval", 5*time.Second, "time between batches")
	f.IntVar(&maxBatch, "batch", 5, "largest batch size")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(scriptIDs) == 0 {
		var scripts []domain.Manifest
		if err := apiCall(ctx, http.MethodGet, "/api/scripts", nil, &scripts); err != nil {
			return fmt.Errorf("API unreachable (ensure the scheduler is running): %w", err)
		}
		for _, s := range scripts {
			scriptIDs = append(scriptIDs, s.ID)
		}
	}
	if len(scriptIDs) == 0 {
		return fmt.Errorf("no scripts registered")
	}

	fmt.Printf("🚀 Starting %s traffic simulation against %s...\n", simulationTime, apiAddr)

	jobParams := map[string]any{}
	for k, v := range params {
		jobParams[k] = v
	}

	submitted := map[string]domain.JobStatus{}
	endTime := time.Now().Add(simulationTime)
	inject := time.NewTicker(injectionInterval)
	defer inject.Stop()
	watch := time.NewTicker(2 * time.Second)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			report(submitted)
			return nil

		case <-inject.C:
			if time.Now().After(endTime) {
				fmt.Println("\n✅ Injection complete, waiting for running jobs.")
				inject.Stop()
				continue
			}
			batchSize := rand.Intn(maxBatch) + 1
			fmt.Printf("\n[Generator] Injecting %d new jobs...\n", batchSize)
			for i := 0; i < batchSize; i++ {
				body := map[string]any{
					"script_id":  scriptIDs[rand.Intn(len(scriptIDs))],
					"backend":    backends[rand.Intn(len(backends))],
					"parameters": jobParams,
				}
				var job domain.Job
				if err := apiCall(ctx, http.MethodPost, "/api/jobs", body, &job); err != nil {
					fmt.Printf("   ⚠️  submit failed: %v\n", err)
					continue
				}
				submitted[job.ID] = job.Status
			}

		case <-watch.C:
			if pollStatuses(ctx, submitted) && time.Now().After(endTime) {
				report(submitted)
				return nil
			}
		}
	}
}

// pollStatuses prints every status change and reports whether all jobs are terminal
func pollStatuses(ctx context.Context, submitted map[string]domain.JobStatus) bool {
	done := true
	for id, last := range submitted {
		if last.Terminal() {
			continue
		}
		var job domain.Job
		if err := apiCall(ctx, http.MethodGet, "/api/jobs/"+id, nil, &job); err != nil {
			fmt.Printf("   ⚠️  lookup of %s failed: %v\n", id, err)
			done = false
			continue
		}
		if job.Status != last {
			where := string(job.Backend)
			if job.AgentID != "" {
				where += " " + job.AgentID
			}
			fmt.Printf("   👀 %s %s -> %s (%s)\n", id, last, job.Status, where)
			submitted[id] = job.Status
		}
		if !job.Status.Terminal() {
			done = false
		}
	}
	return done
}

func report(submitted map[string]domain.JobStatus) {
	counts := map[domain.JobStatus]int{}
	for _, s := range submitted {
		counts[s]++
	}
	fmt.Printf("\n📊 %d jobs: %d succeeded, %d failed, %d running, %d pending\n", len(submitted),
		counts[domain.JobStatusSucceeded], counts[domain.JobStatusFailed],
		counts[domain.JobStatusRunning], counts[domain.JobStatusPending])
}

func apiCall(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(apiAddr, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "simulation")

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
