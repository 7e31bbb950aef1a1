package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TicketingToolset is an in-memory stand-in for Jira/ServiceNow/GitHub
// ticketing. Tickets persist for the life of the process so query_tickets
// sees what create_ticket produced within a run.
type TicketingToolset struct {
	mu      sync.Mutex
	tickets map[string]map[string]any
	Now     func() time.Time
}

func NewTicketingToolset() *TicketingToolset {
	return &TicketingToolset{
		tickets: make(map[string]map[string]any),
		Now:     time.Now,
	}
}

func (t *TicketingToolset) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "create_ticket":
		return t.create(params), nil
	case "update_ticket":
		return t.update(params)
	case "query_tickets":
		return t.query(params), nil
	default:
		return nil, &ErrUnknownMethod{Toolset: "ticketing", Method: method}
	}
}

func (t *TicketingToolset) create(params map[string]any) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	system := stringParam(params, "system", "jira")
	ticketID := fmt.Sprintf("%s-%s", strings.ToUpper(system), strings.ToUpper(uuid.New().String()[:8]))
	ticket := map[string]any{
		"ticket_id":  ticketID,
		"ticket_url": fmt.Sprintf("https://%s.example.com/browse/%s", system, ticketID),
		"system":     system,
		"title":      stringParam(params, "title", ""),
		"priority":   stringParam(params, "priority", "medium"),
		"assignee":   stringParam(params, "assignee", ""),
		"due_date":   stringParam(params, "due_date", ""),
		"labels":     stringsParam(params, "labels"),
		"status":     "open",
		"created_at": t.Now().UTC().Format(time.RFC3339),
	}
	t.tickets[ticketID] = ticket
	return ticket
}

func (t *TicketingToolset) update(params map[string]any) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ticketID := stringParam(params, "ticket_id", "")
	ticket, ok := t.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s not found", ticketID)
	}
	if status := stringParam(params, "status", ""); status != "" {
		ticket["status"] = status
	}
	if assignee := stringParam(params, "assignee", ""); assignee != "" {
		ticket["assignee"] = assignee
	}
	ticket["updated_at"] = t.Now().UTC().Format(time.RFC3339)
	return ticket, nil
}

func (t *TicketingToolset) query(params map[string]any) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	system := stringParam(params, "system", "")
	status := stringParam(params, "status", "")
	var out []map[string]any
	for _, ticket := range t.tickets {
		if system != "" && ticket["system"] != system {
			continue
		}
		if status != "" && ticket["status"] != status {
			continue
		}
		out = append(out, ticket)
	}
	return map[string]any{
		"tickets":     out,
		"total_count": len(out),
	}
}
