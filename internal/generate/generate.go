// Package generate produces the deliverable for a taken job.
package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jobagent/jobagent/internal/job"
)

// Generator produces deliverable content for j.
type Generator interface {
	Generate(ctx context.Context, j job.Job) ([]byte, error)
}

// PlaceholderText is the body used when no generator is configured.
const PlaceholderText = "This is placeholder AI-generated content."

// Placeholder returns a fixed deliverable describing the job.
type Placeholder struct{}

func (Placeholder) Generate(_ context.Context, j job.Job) ([]byte, error) {
	var b strings.Builder
	writeHeader(&b, j)
	b.WriteString("\n")
	b.WriteString(PlaceholderText)
	b.WriteString("\n")
	return []byte(b.String()), nil
}

func writeHeader(b *strings.Builder, j job.Job) {
	title := j.Title
	if title == "" {
		title = "Untitled job"
	}
	fmt.Fprintf(b, "# %s\n\n", title)
	fmt.Fprintf(b, "Job: %s\n", j.ID)
	if len(j.Tags) > 0 {
		fmt.Fprintf(b, "Tags: %s\n", strings.Join(j.Tags, ", "))
	}
	fmt.Fprintf(b, "Amount: %s\n", j.Amount.String())
	if j.Details.ContentHash != "" {
		fmt.Fprintf(b, "Description: %s\n", j.Details.ContentHash)
	}
	if j.Details.DeliveryMethod != "" {
		fmt.Fprintf(b, "Delivery: %s\n", j.Details.DeliveryMethod)
	}
}
