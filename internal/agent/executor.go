package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// ErrTimeout is returned when a script outlives the job timeout
var ErrTimeout = errors.New("job execution timed out")

// Result is the outcome of one local script run
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs scripts from the local scripts checkout
type Executor struct {
	root    string
	timeout time.Duration
}

func NewExecutor(root string, timeout time.Duration) *Executor {
	return &Executor{root: root, timeout: timeout}
}

// Command returns the argv for scriptPath. The interpreter follows the file extension;
// parameters are passed as -name value pairs in name order.
func Command(scriptPath string, parameters map[string]any) []string {
	var argv []string
	switch strings.ToLower(filepath.Ext(scriptPath)) {
	case ".py":
		argv = []string{pythonBinary(), scriptPath}
	case ".ps1":
		argv = []string{"pwsh", "-NoProfile", "-File", scriptPath}
	case ".sh":
		argv = []string{"sh", scriptPath}
	default:
		argv = []string{scriptPath}
	}

	names := make([]string, 0, len(parameters))
	for k := range parameters {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		argv = append(argv, "-"+k, fmt.Sprint(parameters[k]))
	}
	return argv
}

func pythonBinary() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Run executes scriptPath relative to the scripts root. A non-zero exit is a Result, not an error.
func (e *Executor) Run(ctx context.Context, scriptPath string, parameters map[string]any) (*Result, error) {
	if filepath.IsAbs(scriptPath) || strings.HasPrefix(filepath.Clean(filepath.FromSlash(scriptPath)), "..") {
		return nil, fmt.Errorf("script path %q escapes the scripts checkout", scriptPath)
	}
	argv := Command(filepath.FromSlash(scriptPath), parameters)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.root
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, ErrTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return res, nil
}
