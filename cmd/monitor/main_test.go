package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	source, entry, ok := parseLine(`sf_node.1.abc | {"level":"INFO","msg":"Job submitted","job_id":"j1"}`)
	require.True(t, ok)
	assert.Equal(t, "sf_node.1.abc", source)
	assert.Equal(t, "j1", entry.JobID)

	_, entry, ok = parseLine(`{"level":"ERROR","msg":"Sweep failed"}`)
	require.True(t, ok)
	assert.Equal(t, "Sweep failed", entry.Msg)

	_, _, ok = parseLine("plain text line")
	assert.False(t, ok)
}

func TestFollowPrintsJobEvents(t *testing.T) {
	in := strings.Join([]string{
		`{"level":"INFO","msg":"Job submitted","job_id":"j1","script_id":"hello","backend":"server"}`,
		`{"level":"DEBUG","msg":"Agent heartbeat","agent_id":"a1"}`,
		`{"level":"INFO","msg":"Agent reported job result","job_id":"j2","agent_id":"a1","status":"failed"}`,
		`{"level":"ERROR","msg":"Failed to settle delivery","job_id":"j3","error":"channel closed"}`,
		`garbage`,
	}, "\n")

	var out bytes.Buffer
	follow(strings.NewReader(in), &out)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "j1 (hello on server)")
	assert.Contains(t, lines[1], "Job Failed")
	assert.Contains(t, lines[2], "channel closed")
}
