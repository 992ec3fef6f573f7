package transform

import (
	"fmt"
	"time"

	"github.com/flowlytics/platform/pkg/domain"
)

func normalizeProject(tenantID int, externalID string, fields map[string]interface{}) (*domain.Project, error) {
	name := stringField(fields, "name")
	if name == "" {
		return nil, &MalformedPayloadError{Reason: "project has no name"}
	}
	return &domain.Project{
		TenantID:          tenantID,
		ExternalID:        externalID,
		Key:               stringField(fields, "key"),
		Name:              name,
		ExternalUpdatedAt: timeField(fields, "updated_at"),
	}, nil
}

func normalizeTicket(tenantID int, externalID string, fields map[string]interface{}) (*domain.Ticket, error) {
	title := stringField(fields, "title")
	if title == "" {
		title = stringField(fields, "summary")
	}
	if title == "" {
		return nil, &MalformedPayloadError{Reason: "ticket has no title"}
	}
	return &domain.Ticket{
		TenantID:          tenantID,
		ExternalID:        externalID,
		ProjectKey:        stringField(fields, "project_key"),
		Title:             title,
		Status:            stringField(fields, "status"),
		Assignee:          stringField(fields, "assignee"),
		Priority:          stringField(fields, "priority"),
		ExternalUpdatedAt: timeField(fields, "updated_at"),
	}, nil
}

func normalizeComments(tenantID int, parentExternalID string, items []map[string]interface{}) ([]domain.Comment, error) {
	comments := make([]domain.Comment, 0, len(items))
	for i, item := range items {
		id := stringField(item, "id")
		if id == "" {
			return nil, &MalformedPayloadError{Reason: fmt.Sprintf("comment %d has no id", i)}
		}
		comments = append(comments, domain.Comment{
			TenantID:         tenantID,
			ExternalID:       id,
			ParentExternalID: parentExternalID,
			Author:           stringField(item, "author"),
			Body:             stringField(item, "body"),
			PostedAt:         timeField(item, "posted_at"),
		})
	}
	return comments, nil
}

func normalizeWorklogs(tenantID int, parentExternalID string, items []map[string]interface{}) ([]domain.Worklog, error) {
	worklogs := make([]domain.Worklog, 0, len(items))
	for i, item := range items {
		id := stringField(item, "id")
		if id == "" {
			return nil, &MalformedPayloadError{Reason: fmt.Sprintf("worklog %d has no id", i)}
		}
		worklogs = append(worklogs, domain.Worklog{
			TenantID:         tenantID,
			ExternalID:       id,
			ParentExternalID: parentExternalID,
			Author:           stringField(item, "author"),
			SecondsSpent:     intField(item, "seconds_spent"),
			StartedAt:        timeField(item, "started_at"),
		})
	}
	return worklogs, nil
}

// itemSlice copes with the two shapes nested items take: typed slices when
// built in-process, []interface{} after a JSON round trip through the store.
func itemSlice(raw interface{}) []map[string]interface{} {
	switch v := raw.(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		items := make([]map[string]interface{}, 0, len(v))
		for _, entry := range v {
			if m, ok := entry.(map[string]interface{}); ok {
				items = append(items, m)
			}
		}
		return items
	default:
		return nil
	}
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func intField(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func timeField(fields map[string]interface{}, key string) time.Time {
	switch v := fields[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
