package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Snapshot records where a job ran
func Snapshot(ctx context.Context, envVars []string, now time.Time) map[string]any {
	hostname, _ := os.Hostname()
	env := map[string]any{}
	for _, name := range envVars {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	snapshot := map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339),
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"hostname":  hostname,
		"runtime":   runtime.Version(),
		"env_vars":  env,
	}
	if v := toolVersion(ctx, "pwsh", "-NoProfile", "-Command", "$PSVersionTable.PSVersion.ToString()"); v != "" {
		snapshot["powershell_version"] = v
	}
	if v := toolVersion(ctx, pythonBinary(), "--version"); v != "" {
		snapshot["python_version"] = v
	}
	return snapshot
}

func toolVersion(ctx context.Context, name string, args ...string) string {
	if _, err := exec.LookPath(name); err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Artifacts describes the captured paths of a job relative to root.
// Missing files are listed as missing rather than failing the job.
func Artifacts(root string, paths []string) map[string]any {
	if len(paths) == 0 {
		return nil
	}
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(p) {
			full = filepath.Join(root, filepath.FromSlash(p))
		}
		info, err := os.Stat(full)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			out[p] = map[string]any{"missing": true}
			continue
		case err != nil:
			out[p] = map[string]any{"error": err.Error()}
			continue
		case info.IsDir():
			out[p] = map[string]any{"directory": true, "modified": info.ModTime().UTC()}
			continue
		}
		sum, err := fileSHA256(full)
		if err != nil {
			out[p] = map[string]any{"error": err.Error()}
			continue
		}
		out[p] = map[string]any{
			"size":     info.Size(),
			"sha256":   sum,
			"modified": info.ModTime().UTC(),
		}
	}
	return out
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
