package workload_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/apiforge/internal/pattern"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/workload"
)

const petstore = `{
  "name": "petstore",
  "base_url": "https://pets.example.test",
  "endpoints": [
    {"method": "get", "path": "/pets"},
    {"method": "POST", "path": "/pets", "request_body": {"type": "object", "properties": {"name": {"type": "string"}}}},
    {"method": "DELETE", "path": "/pets/{id}"},
    {"method": "PATCH", "path": "/pets/{id}", "responses": 2},
    {"method": "GET", "path": "/pets/{id}", "priority": "deferred"}
  ]
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	w, err := workload.Load(writeFile(t, "petstore.json", petstore))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if w.Name != "petstore" || len(w.Endpoints) != 5 {
		t.Fatalf("workload = %s with %d endpoints", w.Name, len(w.Endpoints))
	}
	if w.Endpoints[0].Method != "GET" {
		t.Fatalf("method not normalized: %q", w.Endpoints[0].Method)
	}
	if w.Endpoints[3].Responses != 2 {
		t.Fatalf("responses = %d", w.Endpoints[3].Responses)
	}
}

func TestLoad_YAML(t *testing.T) {
	body := `
name: inventory
endpoints:
  - method: GET
    path: /items
  - method: PUT
    path: /items/{id}
    security: [oauth2]
`
	w, err := workload.Load(writeFile(t, "inventory.yaml", body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(w.Endpoints) != 2 || w.Endpoints[1].Security[0] != "oauth2" {
		t.Fatalf("endpoints = %+v", w.Endpoints)
	}
}

func TestParse_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing endpoints", `{"name": "x"}`},
		{"missing path", `{"endpoints": [{"method": "GET"}]}`},
		{"bad method", `{"endpoints": [{"method": "G E T", "path": "/a"}]}`},
		{"bad priority", `{"endpoints": [{"method": "GET", "path": "/a", "priority": "urgent"}]}`},
		{"negative responses", `{"endpoints": [{"method": "GET", "path": "/a", "responses": -1}]}`},
		{"empty list", `{"endpoints": []}`},
		{"not json", `endpoints: [`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := workload.Parse([]byte(tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		ep   pattern.Endpoint
		want persistence.Priority
	}{
		{pattern.Endpoint{Method: "DELETE"}, persistence.PriorityCritical},
		{pattern.Endpoint{Method: "POST"}, persistence.PriorityHigh},
		{pattern.Endpoint{Method: "put"}, persistence.PriorityHigh},
		{pattern.Endpoint{Method: "GET"}, persistence.PriorityNormal},
		{pattern.Endpoint{Method: "HEAD"}, persistence.PriorityNormal},
		{pattern.Endpoint{Method: "OPTIONS"}, persistence.PriorityLow},
		{pattern.Endpoint{Method: "GET", Priority: "critical"}, persistence.PriorityCritical},
	}
	for _, tc := range tests {
		got, err := workload.PriorityFor(tc.ep)
		if err != nil {
			t.Fatalf("%s: %v", tc.ep.Method, err)
		}
		if got != tc.want {
			t.Errorf("PriorityFor(%s %q) = %s, want %s", tc.ep.Method, tc.ep.Priority, got, tc.want)
		}
	}
}

func TestEnumerate(t *testing.T) {
	w, err := workload.Parse([]byte(petstore))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tasks, err := workload.Enumerate(w, "sess-1", workload.EnumerateOptions{MaxRetries: 4, RetryBaseDelay: time.Second})
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(tasks) != 5 {
		t.Fatalf("tasks = %d, want 5", len(tasks))
	}
	wantPrio := []persistence.Priority{
		persistence.PriorityNormal,
		persistence.PriorityHigh,
		persistence.PriorityCritical,
		persistence.PriorityLow,
		persistence.PriorityDeferred,
	}
	seen := make(map[string]bool)
	for i, nt := range tasks {
		if nt.Priority != wantPrio[i] {
			t.Errorf("task %d priority = %s, want %s", i, nt.Priority, wantPrio[i])
		}
		if nt.SessionID != "sess-1" || nt.Name != workload.TaskName || nt.MaxRetries != 4 || nt.RetryBaseDelay != time.Second {
			t.Errorf("task %d = %+v", i, nt)
		}
		if seen[nt.ID] {
			t.Fatalf("duplicate id %s", nt.ID)
		}
		seen[nt.ID] = true

		p, err := workload.DecodePayload(nt.Payload)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.BaseURL != "https://pets.example.test" || p.Endpoint.Key() != w.Endpoints[i].Key() {
			t.Errorf("payload %d = %+v", i, p)
		}
	}

	again, err := workload.Enumerate(w, "sess-1", workload.EnumerateOptions{})
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if again[0].ID != tasks[0].ID {
		t.Fatal("task ids should be stable per session and endpoint")
	}
	other, _ := workload.Enumerate(w, "sess-2", workload.EnumerateOptions{})
	if other[0].ID == tasks[0].ID {
		t.Fatal("task ids should differ across sessions")
	}
}

func TestEnumerate_DuplicateRejectedByStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "q.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	w, err := workload.Parse([]byte(petstore))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tasks, err := workload.Enumerate(w, "sess-1", workload.EnumerateOptions{})
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	ctx := context.Background()
	if _, err := store.EnqueueBatch(ctx, tasks); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err = store.Enqueue(ctx, tasks[0])
	if !errors.Is(err, persistence.ErrDuplicateTask) {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	if _, err := workload.DecodePayload("{"); err == nil || !strings.Contains(err.Error(), "decode endpoint payload") {
		t.Fatalf("err = %v", err)
	}
}
