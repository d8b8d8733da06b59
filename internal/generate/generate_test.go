package generate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobagent/jobagent/internal/job"
)

func sampleJob() job.Job {
	j := job.Job{
		ID:    "42",
		State: job.StateTaken,
		Title: "Translate README",
		Tags:  []string{"DO", "X"},
		Details: job.Details{
			ContentHash:    "QmDesc",
			DeliveryMethod: "ipfs",
		},
	}
	j.Amount.SetInt64(150)
	return j
}

func TestPlaceholder_Golden(t *testing.T) {
	t.Parallel()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	out, err := Placeholder{}.Generate(context.Background(), sampleJob())
	require.NoError(t, err)
	g.Assert(t, "placeholder", out)

	out, err = Placeholder{}.Generate(context.Background(), job.Job{ID: "7"})
	require.NoError(t, err)
	g.Assert(t, "placeholder_untitled", out)
}

// writeScript writes an executable generator stand-in to a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gen.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCommand_ReturnsResult(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","content":[{"type":"text","text":"part one "}]}'
echo '{"type":"assistant","content":[{"type":"text","text":"part two"}]}'
echo '{"type":"result","result":"final deliverable"}'
`)
	var chunks []string
	c := Command{Path: script, Model: "small", OnChunk: func(s string) { chunks = append(chunks, s) }}

	out, err := c.Generate(context.Background(), sampleJob())
	require.NoError(t, err)
	assert.Equal(t, "final deliverable", string(out))
	assert.Equal(t, []string{"part one ", "part two"}, chunks)
}

func TestCommand_PassesPromptAndModel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	script := writeScript(t, `for a in "$@"; do echo "$a" >> `+argsFile+`; done
echo '{"type":"result","result":"ok"}'
`)

	_, err := Command{Path: script, Model: "small"}.Generate(context.Background(), sampleJob())
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := string(raw)
	assert.Contains(t, args, "stream-json")
	assert.Contains(t, args, "small")
	assert.Contains(t, args, "Translate README")
	assert.Contains(t, args, "Job: 42")
}

func TestCommand_DoesNotLeakAgentEnv(t *testing.T) {
	t.Setenv("JOBAGENT_SENDER_ADDRESS", "0xsecret")
	script := writeScript(t, `printf '{"type":"result","result":"%s"}\n' "${JOBAGENT_SENDER_ADDRESS:-unset}"
`)

	out, err := Command{Path: script}.Generate(context.Background(), sampleJob())
	require.NoError(t, err)
	assert.Equal(t, "unset", string(out))
}

func TestCommand_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"non-zero exit", `echo '{"type":"result","result":"auth failed"}'
exit 1
`, "auth failed"},
		{"no result line", `echo '{"type":"assistant","content":[{"type":"text","text":"x"}]}'
`, "no result"},
		{"stderr detail", `echo boom >&2
exit 3
`, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Command{Path: writeScript(t, tt.body)}.Generate(context.Background(), sampleJob())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCommand_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Command{Path: writeScript(t, "sleep 5\n")}.Generate(ctx, sampleJob())
	require.Error(t, err)
}

func TestCommand_LargeOutput(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString(`echo '{"type":"assistant","content":[{"type":"text","text":"chunk"}]}'` + "\n")
	}
	sb.WriteString(`echo '{"type":"result","result":"done"}'` + "\n")

	n := 0
	out, err := Command{Path: writeScript(t, sb.String()), OnChunk: func(string) { n++ }}.Generate(context.Background(), sampleJob())
	require.NoError(t, err)
	assert.Equal(t, "done", string(out))
	assert.Equal(t, 100, n)
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line     string
		text     string
		result   string
		isResult bool
		ok       bool
	}{
		{`{"type":"assistant","content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}]}`, "ab", "", false, true},
		{`{"type":"result","result":""}`, "", "", true, true},
		{`{"type":"result","result":5}`, "", "", false, false},
		{`{"type":"user"}`, "", "", false, false},
		{`not json`, "", "", false, false},
	}
	for _, tt := range tests {
		text, result, isResult, ok := parseLine([]byte(tt.line))
		assert.Equal(t, tt.text, text, tt.line)
		assert.Equal(t, tt.result, result, tt.line)
		assert.Equal(t, tt.isResult, isResult, tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
	}
}
