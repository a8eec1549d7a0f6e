// Package demo registers the built-in calendar and mail domain modules. Both
// run against in-memory stores, which is enough to exercise every pipeline
// path (reads, a gated write, a high-risk write, and a long-running job)
// without external services.
package demo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/capability"
	"conductor/pkg/proto"
)

// Event is one calendar entry in the in-memory store.
type Event struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Attendee string `json:"attendee"`
	Time     string `json:"time"`
	Date     string `json:"date"`
}

// Message is one mail item in the in-memory store.
type Message struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Store holds the demo data. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	events   []Event
	messages []Message
}

// NewStore creates a store seeded with a few messages so searches and
// summaries have something to show.
func NewStore() *Store {
	return &Store{
		messages: []Message{
			{ID: "msg-1", From: "ana@example.com", Subject: "Invoice March", Body: "Attached is the March invoice."},
			{ID: "msg-2", From: "billing@vendor.com", Subject: "Invoice overdue", Body: "Your invoice #4411 is overdue."},
			{ID: "msg-3", From: "team@example.com", Subject: "Weekly notes", Body: "Notes from this week's sync."},
		},
	}
}

// Events returns a copy of the stored events.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// RegisterAll registers every demo capability on the registry.
func RegisterAll(reg *capability.Registry, store *Store) error {
	caps := []*capability.Capability{
		findSlots(store),
		createEvent(store),
		searchMail(store),
		getMessage(store),
		sendMail(store),
		exportMailbox(store),
	}
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func findSlots(store *Store) *capability.Capability {
	return &capability.Capability{
		ID:     "calendar.find_slots",
		Domain: "calendar",
		Kind:   proto.CapabilityRead,
		InputSchema: capability.Schema{
			"attendee": {Type: "string"},
			"date":     {Type: "string"},
		},
		OutputSchema: capability.Schema{
			"items": {Type: "array"},
		},
		RiskLevel:  proto.RiskLow,
		Idempotent: true,
		Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
			date, _ := params["date"].(string)
			if date == "" {
				date = "today"
			}
			taken := map[string]bool{}
			store.mu.Lock()
			for _, ev := range store.events {
				if ev.Date == date {
					taken[ev.Time] = true
				}
			}
			store.mu.Unlock()

			var items []any
			for _, slot := range []string{"9am", "11am", "1pm", "3pm", "4pm"} {
				if !taken[slot] {
					items = append(items, map[string]any{"label": slot + " " + date, "time": slot, "date": date})
				}
			}
			return map[string]any{"items": items}, nil
		},
	}
}

func createEvent(store *Store) *capability.Capability {
	return &capability.Capability{
		ID:     "calendar.create_event",
		Domain: "calendar",
		Kind:   proto.CapabilityWrite,
		InputSchema: capability.Schema{
			"attendee": {Type: "string", Required: true},
			"time":     {Type: "string", Required: true},
			"date":     {Type: "string"},
			"title":    {Type: "string"},
		},
		OutputSchema: capability.Schema{
			"event_id": {Type: "string"},
		},
		SideEffects: []string{"calendar.event.created"},
		RiskLevel:   proto.RiskMedium,
		Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
			ev := Event{
				ID:       "evt-" + uuid.New().String(),
				Attendee: params["attendee"].(string),
				Time:     params["time"].(string),
			}
			if v, ok := params["date"].(string); ok {
				ev.Date = v
			}
			if v, ok := params["title"].(string); ok {
				ev.Title = v
			}
			if ev.Title == "" {
				ev.Title = "Meeting with " + ev.Attendee
			}
			store.mu.Lock()
			store.events = append(store.events, ev)
			store.mu.Unlock()
			return map[string]any{"event_id": ev.ID}, nil
		},
	}
}

func searchMail(store *Store) *capability.Capability {
	return &capability.Capability{
		ID:     "mail.search",
		Domain: "mail",
		Kind:   proto.CapabilityRead,
		InputSchema: capability.Schema{
			"query": {Type: "string"},
		},
		OutputSchema: capability.Schema{
			"items": {Type: "array"},
			"count": {Type: "number"},
		},
		RiskLevel:  proto.RiskLow,
		Idempotent: true,
		Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
			query, _ := params["query"].(string)
			query = strings.ToLower(query)

			store.mu.Lock()
			var matched []Message
			for _, m := range store.messages {
				if query == "" ||
					strings.Contains(strings.ToLower(m.Subject), query) ||
					strings.Contains(strings.ToLower(m.Body), query) {
					matched = append(matched, m)
				}
			}
			store.mu.Unlock()

			sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
			items := make([]any, 0, len(matched))
			for _, m := range matched {
				items = append(items, map[string]any{"id": m.ID, "label": m.Subject, "from": m.From})
			}
			return map[string]any{"items": items, "count": len(items)}, nil
		},
	}
}

func getMessage(store *Store) *capability.Capability {
	return &capability.Capability{
		ID:     "mail.get_message",
		Domain: "mail",
		Kind:   proto.CapabilityRead,
		InputSchema: capability.Schema{
			"id": {Type: "string", Required: true},
		},
		OutputSchema: capability.Schema{
			"entity": {Type: "object"},
		},
		RiskLevel:  proto.RiskLow,
		Idempotent: true,
		Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
			id := params["id"].(string)
			store.mu.Lock()
			defer store.mu.Unlock()
			for _, m := range store.messages {
				if m.ID == id {
					return map[string]any{"entity": map[string]any{
						"from":    m.From,
						"subject": m.Subject,
						"body":    m.Body,
					}}, nil
				}
			}
			return nil, fmt.Errorf("message %s not found", id)
		},
	}
}

func sendMail(store *Store) *capability.Capability {
	return &capability.Capability{
		ID:     "mail.send",
		Domain: "mail",
		Kind:   proto.CapabilityWrite,
		InputSchema: capability.Schema{
			"to":      {Type: "string", Required: true},
			"subject": {Type: "string"},
			"body":    {Type: "string", Required: true},
		},
		OutputSchema: capability.Schema{
			"message_id": {Type: "string"},
		},
		SideEffects: []string{"mail.message.sent"},
		// Outbound mail is irreversible and visible to third parties.
		RiskLevel: proto.RiskHigh,
		Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
			id := "msg-" + uuid.New().String()
			subject, _ := params["subject"].(string)
			store.mu.Lock()
			store.messages = append(store.messages, Message{
				ID:      id,
				From:    "me@example.com",
				Subject: subject,
				Body:    params["body"].(string),
			})
			store.mu.Unlock()
			return map[string]any{"message_id": id}, nil
		},
	}
}

func exportMailbox(store *Store) *capability.Capability {
	return &capability.Capability{
		ID:     "mail.export",
		Domain: "mail",
		Kind:   proto.CapabilityJob,
		InputSchema: capability.Schema{
			"format": {Type: "string"},
		},
		OutputSchema: capability.Schema{
			"archive": {Type: "string"},
			"count":   {Type: "number"},
		},
		RiskLevel: proto.RiskLow,
		JobHandler: func(ctx context.Context, params map[string]any, progress capability.ProgressFunc) (map[string]any, error) {
			format, _ := params["format"].(string)
			if format == "" {
				format = "mbox"
			}
			store.mu.Lock()
			count := len(store.messages)
			store.mu.Unlock()

			for i := 1; i <= count; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
				progress(i*100/count, fmt.Sprintf("exporting message %d/%d", i, count))
			}
			return map[string]any{
				"archive": fmt.Sprintf("export-%s.%s", time.Now().UTC().Format("20060102"), format),
				"count":   count,
			}, nil
		},
	}
}
