package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowlytics/platform/pkg/common/config"
)

// PrimaryItem is one element of a primary resource page. The first page of
// each nested collection rides along embedded; collections with more pages
// additionally carry a continuation cursor.
type PrimaryItem struct {
	ExternalID    string
	UpdatedAt     time.Time
	Fields        map[string]interface{}
	Embedded      map[string][]map[string]interface{}
	NestedCursors map[string]string
}

// PrimaryPage is one page of the top-level paginated collection. An empty
// NextCursor means the resource is exhausted.
type PrimaryPage struct {
	Items      []PrimaryItem
	NextCursor string
}

// NestedPage is one page of a nested sub-collection fetched independently.
type NestedPage struct {
	Items      []map[string]interface{}
	NextCursor string
}

// RateLimitError signals a recoverable provider throttle, never a timeout.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// RetryAfter reports whether err is a provider rate limit and, if so, how
// long to back off before retrying the identical request.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Client fetches pages from an external issue-tracking or source-control
// API. Implementations must honour per-call timeouts independent of any
// broker redelivery timeout.
type Client interface {
	FetchPrimaryPage(ctx context.Context, integ *config.Integration, step *config.StepSpec, cursor string, since time.Time) (*PrimaryPage, error)
	FetchNestedPage(ctx context.Context, integ *config.Integration, step *config.StepSpec, parentExternalID, nestedType, cursor string) (*NestedPage, error)
}
