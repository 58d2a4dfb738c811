package service

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"runtime"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fixed bundle entry names; the script source entry is named after the script file
const (
	BundleManifestEntry    = "manifest.json"
	BundleParametersEntry  = "parameters.json"
	BundleMetadataEntry    = "job-metadata.json"
	BundleLogsEntry        = "logs.txt"
	BundleEnvironmentEntry = "environment.json"
)

type jobMetadata struct {
	ID          string           `json:"id"`
	ScriptID    string           `json:"script_id"`
	Status      domain.JobStatus `json:"status"`
	Backend     domain.Backend   `json:"backend"`
	AgentID     string           `json:"agent_id,omitempty"`
	ExitCode    *int             `json:"exit_code"`
	Error       string           `json:"error,omitempty"`
	UserID      string           `json:"user_id"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// BundleBuilder packages a finished job into a reproduction archive
type BundleBuilder struct {
	jobs    port.JobRepository
	scripts port.ScriptRegistry
	store   port.BundleStore
	log     *zap.Logger
	now     func() time.Time
}

func NewBundleBuilder(jobs port.JobRepository, scripts port.ScriptRegistry, store port.BundleStore, log *zap.Logger) *BundleBuilder {
	return &BundleBuilder{
		jobs:    jobs,
		scripts: scripts,
		store:   store,
		log:     log,
		now:     time.Now,
	}
}

// Build writes the bundle of jobID and returns its handle once the archive is committed
func (b *BundleBuilder) Build(ctx context.Context, jobID string) (*domain.BundleHandle, error) {
	job, err := b.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("bundle job %s: %w", jobID, err)
	}
	manifest, err := b.scripts.Get(ctx, job.ScriptID)
	if err != nil {
		return nil, fmt.Errorf("bundle job %s: script %s: %w", jobID, job.ScriptID, err)
	}
	source, err := b.scripts.GetContent(ctx, manifest.Path)
	if err != nil {
		return nil, fmt.Errorf("bundle job %s: script source: %w", jobID, err)
	}

	entries, err := bundleEntries(job, manifest, source)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	bundleID := uuid.NewString()
	name := fmt.Sprintf("repro-%s-%d.zip", job.ID, now.UnixNano())

	w, err := b.store.Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", name, err)
	}

	zw := zip.NewWriter(w)
	if err := zw.SetComment("setup-factory bundle " + bundleID); err != nil {
		return nil, b.abort(w, err)
	}
	for _, e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: now})
		if err != nil {
			return nil, b.abort(w, err)
		}
		if _, err := fw.Write(e.body); err != nil {
			return nil, b.abort(w, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, b.abort(w, err)
	}

	handle, err := w.Commit()
	if err != nil {
		return nil, fmt.Errorf("commit bundle %s: %w", name, err)
	}
	handle.ID = bundleID
	handle.CreatedAt = now
	b.log.Info("Created reproduction bundle",
		zap.String("job_id", job.ID),
		zap.String("bundle", handle.Name),
		zap.Int64("size", handle.Size))
	return handle, nil
}

// Open streams a committed bundle back from the store
func (b *BundleBuilder) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return b.store.Open(ctx, name)
}

func (b *BundleBuilder) abort(w port.BundleWriter, cause error) error {
	if err := w.Abort(); err != nil {
		b.log.Warn("Failed to discard partial bundle", zap.Error(err))
	}
	return fmt.Errorf("write bundle: %w", cause)
}

type bundleEntry struct {
	name string
	body []byte
}

func bundleEntries(job *domain.Job, manifest *domain.Manifest, source []byte) ([]bundleEntry, error) {
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	params := job.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.MarshalIndent(jobMetadata{
		ID:          job.ID,
		ScriptID:    job.ScriptID,
		Status:      job.Status,
		Backend:     job.Backend,
		AgentID:     job.AgentID,
		ExitCode:    job.ExitCode,
		Error:       job.Error,
		UserID:      job.UserID,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	envJSON, err := json.MarshalIndent(environmentSnapshot(job), "", "  ")
	if err != nil {
		return nil, err
	}

	return []bundleEntry{
		{BundleManifestEntry, manifestJSON},
		{BundleParametersEntry, paramsJSON},
		{scriptEntryName(manifest), source},
		{BundleMetadataEntry, metaJSON},
		{BundleLogsEntry, []byte(job.Logs)},
		{BundleEnvironmentEntry, envJSON},
	}, nil
}

// environmentSnapshot describes where and when the job ran.
// It depends only on the job so repeated builds carry identical content.
func environmentSnapshot(job *domain.Job) map[string]any {
	snapshot := map[string]any{
		"backend":    job.Backend,
		"created_at": job.CreatedAt,
		"bundler": map[string]any{
			"os":      runtime.GOOS,
			"arch":    runtime.GOARCH,
			"runtime": runtime.Version(),
		},
	}
	if job.StartedAt != nil {
		snapshot["started_at"] = *job.StartedAt
	}
	if job.CompletedAt != nil {
		snapshot["completed_at"] = *job.CompletedAt
	}
	if job.AgentID != "" {
		snapshot["agent_id"] = job.AgentID
	}
	if len(job.Environment) > 0 {
		snapshot["execution"] = job.Environment
	}
	if len(job.Artifacts) > 0 {
		snapshot["artifacts"] = job.Artifacts
	}
	return snapshot
}

func scriptEntryName(m *domain.Manifest) string {
	base := path.Base(m.Path)
	if base == "." || base == "/" || base == "" {
		base = m.ID
	}
	switch base {
	case BundleManifestEntry, BundleParametersEntry, BundleMetadataEntry, BundleLogsEntry, BundleEnvironmentEntry:
		return "script-" + base
	}
	return base
}
