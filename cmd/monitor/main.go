package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
)

// LogEntry matches the Zap JSON structure
type LogEntry struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	Logger    string `json:"logger"`
	JobID     string `json:"job_id"`
	ScriptID  string `json:"script_id"`
	Backend   string `json:"backend"`
	Status    string `json:"status"`
	AgentID   string `json:"agent_id"`
	Node      string `json:"node"`
	Container string `json:"container"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

var services []string

var rootCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follow job lifecycle events",
	Long: `Reads the JSON logs of the scheduler and dispatch nodes and prints one line per job event.
Logs come from stdin unless --service names docker services to follow.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringSliceVar(&services, "service", nil, "docker services to follow (docker service logs -f)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(colorRed + err.Error() + colorReset)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	fmt.Println(colorCyan + "🚀 Job Activity Monitor Starting..." + colorReset)
	out := cmd.OutOrStdout()

	if len(services) == 0 {
		fmt.Println(colorGray + "Reading logs from stdin..." + colorReset)
		follow(cmd.InOrStdin(), out)
		return nil
	}

	fmt.Println(colorGray + "Listening for job events from " + strings.Join(services, ", ") + "..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	dockerCmd := exec.CommandContext(cmd.Context(), "docker", append([]string{"service", "logs", "-f"}, services...)...)
	stdout, err := dockerCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := dockerCmd.Start(); err != nil {
		return fmt.Errorf("starting docker logs command: %w", err)
	}
	follow(stdout, out)
	if err := dockerCmd.Wait(); err != nil {
		return fmt.Errorf("docker command exited: %w", err)
	}
	return nil
}

func follow(in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		source, entry, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if line := prettify(source, entry); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

// parseLine accepts bare zap JSON or the docker "service.instance.id | {JSON}" form
func parseLine(line string) (string, LogEntry, bool) {
	source := ""
	payload := strings.TrimSpace(line)
	if !strings.HasPrefix(payload, "{") {
		parts := strings.SplitN(line, "|", 2)
		if len(parts) < 2 {
			return "", LogEntry{}, false
		}
		source = strings.TrimSpace(parts[0])
		payload = strings.TrimSpace(parts[1])
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		// Not a JSON log or different format, ignore
		return "", LogEntry{}, false
	}
	return source, entry, true
}

func prettify(source string, entry LogEntry) string {
	who := entry.Node
	if who == "" {
		who = entry.Logger
	}
	if who == "" {
		who = source
	}
	if who == "" {
		who = "scheduler"
	}
	label := colorPurple + who + colorReset
	job := entry.JobID

	switch entry.Msg {
	case "Job submitted":
		return fmt.Sprintf("[%s] 📥 "+colorYellow+"Submitted:"+colorReset+" %s (%s on %s)", label, job, entry.ScriptID, entry.Backend)
	case "Claimed job for server run":
		return fmt.Sprintf("[%s] ⚙️  "+colorBlue+"Now Running:"+colorReset+"  %s in %s", label, job, entry.Container)
	case "Job assigned to agent", "Handed job to agent":
		return fmt.Sprintf("[%s] 🤝 "+colorBlue+"Assigned:"+colorReset+" %s -> agent %s", label, job, entry.AgentID)
	case "Agent picked up job":
		return fmt.Sprintf("[%s] ⚙️  "+colorBlue+"Now Running:"+colorReset+"  %s on agent %s", label, job, entry.AgentID)
	case "Server job succeeded":
		return fmt.Sprintf("[%s] ✅ "+colorGreen+"Job Finished:"+colorReset+" %s", label, job)
	case "Agent reported job result":
		if entry.Status == "succeeded" {
			return fmt.Sprintf("[%s] ✅ "+colorGreen+"Job Finished:"+colorReset+" %s (agent %s)", label, job, entry.AgentID)
		}
		return fmt.Sprintf("[%s] ❌ "+colorRed+"Job Failed:"+colorReset+" %s (agent %s)", label, job, entry.AgentID)
	case "Dispatch failed, retrying":
		return fmt.Sprintf("[%s] 🔁 "+colorYellow+"Retrying:"+colorReset+" %s attempt %d", label, job, entry.Attempt)
	case "Agent registered":
		return fmt.Sprintf("[%s] 🖥  "+colorCyan+"Agent online:"+colorReset+" %s", label, entry.AgentID)
	case "Agent heartbeat":
		// Skip heartbeats to keep it clean
		return ""
	}
	if strings.EqualFold(entry.Level, "error") || entry.Msg == "Job ended in terminal failure" {
		msg := entry.Msg
		if entry.Error != "" {
			msg += ": " + entry.Error
		}
		if job != "" {
			msg = job + " " + msg
		}
		return fmt.Sprintf("[%s] ❌ "+colorRed+"ERROR:"+colorReset+" %s", label, msg)
	}
	return ""
}
