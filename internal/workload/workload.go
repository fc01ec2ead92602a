// Package workload loads endpoint batches from disk and turns them into
// queue tasks.
package workload

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/apiforge/internal/pattern"
	"github.com/basket/apiforge/internal/persistence"
)

//go:embed schema.json
var schemaJSON []byte

// TaskName is the registry name carried by every enumerated task.
const TaskName = "endpoint"

// ErrEmptyWorkload is returned when a file parses but lists no endpoints.
var ErrEmptyWorkload = errors.New("workload has no endpoints")

// taskNamespace seeds deterministic task IDs so re-enqueueing the same
// endpoint into the same session is rejected as a duplicate.
var taskNamespace = uuid.MustParse("8f7c0c4e-5a0b-4c2e-9a55-4f1f6b1d2e30")

// Workload is one batch of endpoints to process.
type Workload struct {
	Name      string             `json:"name,omitempty" yaml:"name"`
	BaseURL   string             `json:"base_url,omitempty" yaml:"base_url"`
	Endpoints []pattern.Endpoint `json:"endpoints" yaml:"endpoints"`
}

// Payload is the JSON document stored on each task.
type Payload struct {
	BaseURL  string           `json:"base_url,omitempty"`
	Endpoint pattern.Endpoint `json:"endpoint"`
}

// DecodePayload parses a task payload written by Enumerate.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("decode endpoint payload: %w", err)
	}
	return p, nil
}

var schema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workload.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("workload.json")
})

// Load reads a workload file. JSON and YAML (by .yaml/.yml extension) are
// accepted; both are validated against the embedded schema first.
func Load(path string) (Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workload{}, fmt.Errorf("read workload: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return Workload{}, err
		}
	}
	return Parse(data)
}

// Parse validates and decodes a JSON workload document.
func Parse(data []byte) (Workload, error) {
	s, err := schema()
	if err != nil {
		return Workload{}, err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Workload{}, fmt.Errorf("parse workload: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return Workload{}, fmt.Errorf("invalid workload: %w", err)
	}

	var w Workload
	if err := json.Unmarshal(data, &w); err != nil {
		return Workload{}, fmt.Errorf("decode workload: %w", err)
	}
	if len(w.Endpoints) == 0 {
		return Workload{}, ErrEmptyWorkload
	}
	for i := range w.Endpoints {
		w.Endpoints[i].Method = strings.ToUpper(w.Endpoints[i].Method)
	}
	return w, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workload yaml: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert workload yaml: %w", err)
	}
	return out, nil
}

// EnumerateOptions carry the retry policy stamped on every task. MaxRetries
// uses the store's encoding: zero takes the store default, negative disables
// retries (see config.Config.TaskMaxRetries).
type EnumerateOptions struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Enumerate maps each endpoint to a task for sessionID. Task IDs are derived
// from the session and endpoint key so a repeated enqueue is a duplicate.
func Enumerate(w Workload, sessionID string, opts EnumerateOptions) ([]persistence.NewTask, error) {
	out := make([]persistence.NewTask, 0, len(w.Endpoints))
	for _, ep := range w.Endpoints {
		prio, err := PriorityFor(ep)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Key(), err)
		}
		payload, err := json.Marshal(Payload{BaseURL: w.BaseURL, Endpoint: ep})
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: encode payload: %w", ep.Key(), err)
		}
		out = append(out, persistence.NewTask{
			ID:             uuid.NewSHA1(taskNamespace, []byte(sessionID+"|"+ep.Key())).String(),
			SessionID:      sessionID,
			Name:           TaskName,
			Priority:       prio,
			Payload:        string(payload),
			MaxRetries:     opts.MaxRetries,
			RetryBaseDelay: opts.RetryBaseDelay,
		})
	}
	return out, nil
}

// PriorityFor returns the endpoint's explicit priority, or a hint from its
// method: destructive calls first, writes next, reads normal, the rest low.
func PriorityFor(ep pattern.Endpoint) (persistence.Priority, error) {
	if strings.TrimSpace(ep.Priority) != "" {
		return persistence.ParsePriority(ep.Priority)
	}
	switch strings.ToUpper(ep.Method) {
	case "DELETE":
		return persistence.PriorityCritical, nil
	case "POST", "PUT":
		return persistence.PriorityHigh, nil
	case "GET", "HEAD":
		return persistence.PriorityNormal, nil
	}
	return persistence.PriorityLow, nil
}
