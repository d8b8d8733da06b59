// Package index queries the marketplace event index for job-creation
// events.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jobagent/jobagent/internal/job"
	"github.com/jobagent/jobagent/internal/transport"
)

// Gateway returns job-creation events with timestamp strictly greater
// than cursor, ascending, at most limit of them. An empty result is not
// an error.
type Gateway interface {
	JobsCreatedAfter(ctx context.Context, cursor int64, limit int) ([]job.Event, error)
}

// jobCreatedType is the index's event type discriminator for JobCreated.
const jobCreatedType = 0

const jobCreatedQuery = `query($fromTimestamp: Int!, $first: Int!, $type: Int!) {
  jobEvents(
    filter: {type_: {equalTo: $type}, timestamp_: {gt: $fromTimestamp}},
    orderBy: timestamp_ASC,
    first: $first
  ) {
    jobId
    timestamp_
    details {
      ... on JobCreatedEvent {
        title
        tags
        amount
        token
        maxTime
        contentHash
        multipleApplicants
        deliveryMethod
        arbitrator
        whitelistWorkers
      }
    }
  }
}`

// Client is a Gateway over a GraphQL HTTP endpoint.
type Client struct {
	url  string
	http *transport.Client
}

// NewClient returns a Client posting queries to url.
func NewClient(url string, http *transport.Client) *Client {
	return &Client{url: url, http: http}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		JobEvents []json.RawMessage `json:"jobEvents"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// QueryError carries errors reported in a GraphQL response body.
type QueryError struct {
	Messages []string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("index query failed: %v", e.Messages)
}

func (c *Client) JobsCreatedAfter(ctx context.Context, cursor int64, limit int) ([]job.Event, error) {
	if limit <= 0 {
		return nil, errors.New("index: limit must be > 0")
	}
	req := graphQLRequest{
		Query: jobCreatedQuery,
		Variables: map[string]any{
			"fromTimestamp": cursor,
			"first":         limit,
			"type":          jobCreatedType,
		},
	}
	var resp graphQLResponse
	if err := c.http.PostJSON(ctx, c.url, req, &resp); err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return nil, &QueryError{Messages: msgs}
	}

	events := make([]job.Event, 0, len(resp.Data.JobEvents))
	for i, raw := range resp.Data.JobEvents {
		ev, err := Decode(raw)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Index = i
			}
			return nil, err
		}
		events = append(events, ev)
	}
	// The query asks for ascending order; enforce it so cursor
	// arithmetic never depends on the server honoring orderBy.
	sort.SliceStable(events, func(a, b int) bool {
		return events[a].Timestamp < events[b].Timestamp
	})
	return events, nil
}
