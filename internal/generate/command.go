package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jobagent/jobagent/internal/job"
)

// Command runs an external generator CLI that prints stream-json
// ("assistant" chunks followed by a final "result" line) on stdout.
type Command struct {
	Path  string
	Model string
	// OnChunk, if set, receives streamed assistant text.
	OnChunk func(text string)
}

// Generate runs the CLI with a prompt describing j and returns the final
// result text.
func (c Command) Generate(ctx context.Context, j job.Job) ([]byte, error) {
	args := []string{"--print", "--output-format", "stream-json"}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	args = append(args, Prompt(j))

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start generator: %w", err)
	}

	var (
		finalResult string
		gotResult   bool
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		text, result, isResult, ok := parseLine(line)
		if !ok {
			continue
		}
		if isResult {
			finalResult, gotResult = result, true
		}
		if text != "" && c.OnChunk != nil {
			c.OnChunk(text)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The CLI often reports failures on stdout as the result line.
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = finalResult
		}
		return nil, fmt.Errorf("generator exited: %w: %s", err, detail)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read generator output: %w", scanErr)
	}
	if !gotResult {
		return nil, errors.New("generator produced no result")
	}
	return []byte(finalResult), nil
}

// Prompt describes j for a generator.
func Prompt(j job.Job) string {
	var b strings.Builder
	b.WriteString("Produce the deliverable for the following marketplace job.\n\n")
	writeHeader(&b, j)
	return b.String()
}

// filteredEnv drops the agent's own JOBAGENT_ settings from the
// generator's environment.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "JOBAGENT_") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// parseLine extracts assistant text or the final result from one
// stream-json line.
func parseLine(line []byte) (text, result string, isResult, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", "", false, false
	}
	var msgType string
	if err := json.Unmarshal(raw["type"], &msgType); err != nil {
		return "", "", false, false
	}

	switch msgType {
	case "assistant":
		return extractAssistantText(raw["content"]), "", false, true
	case "result":
		if err := json.Unmarshal(raw["result"], &result); err != nil {
			return "", "", false, false
		}
		return "", result, true, true
	}
	return "", "", false, false
}

func extractAssistantText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
