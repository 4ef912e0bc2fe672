package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/troupe/internal/errs"
)

// placeholder matches {{key}} with optional inner spaces.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-.:/]+)\s*\}\}`)

// memory is the shared key to JSON value store.
type memory struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

func newMemory() *memory {
	return &memory{data: make(map[string]json.RawMessage)}
}

func (m *memory) set(key string, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
}

func (m *memory) get(key string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[key]
	return raw, ok
}

// snapshot copies every entry whose key does not start with skip. An empty
// skip copies everything.
func (m *memory) snapshot(skip string) map[string]json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.data))
	for k, v := range m.data {
		if skip != "" && strings.HasPrefix(k, skip) {
			continue
		}
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// merge writes every entry of snap, leaving other keys alone.
func (m *memory) merge(snap map[string]json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range snap {
		m.data[k] = append(json.RawMessage(nil), v...)
	}
}

func (m *memory) keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup resolves a placeholder key: the exact key first, then the first
// dot-separated segment as the entry and the rest as a path into it.
func (m *memory) lookup(key string) (string, bool) {
	if raw, ok := m.get(key); ok {
		return render(gjson.ParseBytes(raw)), true
	}
	entry, path, found := strings.Cut(key, ".")
	if !found || entry == "" || path == "" {
		return "", false
	}
	raw, ok := m.get(entry)
	if !ok {
		return "", false
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return "", false
	}
	return render(res), true
}

// render inserts strings raw and other values as compact JSON.
func render(res gjson.Result) string {
	if res.Type == gjson.String {
		return res.Str
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(res.Raw)); err != nil {
		return res.Raw
	}
	return buf.String()
}

// expand substitutes every resolvable {{key}} in tmpl. Unresolved
// placeholders are left as written.
func (m *memory) expand(tmpl string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		if v, ok := m.lookup(key); ok {
			return v
		}
		return match
	})
}

// SaveToMemory stores v as JSON under key. json.RawMessage values are
// stored as given after validation.
func (o *Orchestrator) SaveToMemory(key string, v any) error {
	if key == "" {
		return fmt.Errorf("%w: memory key is required", errs.ErrConfiguration)
	}
	var raw json.RawMessage
	switch val := v.(type) {
	case json.RawMessage:
		if !json.Valid(val) {
			return fmt.Errorf("save %s: invalid JSON", key)
		}
		raw = append(json.RawMessage(nil), val...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
		raw = b
	}
	o.memory.set(key, raw)
	o.emit(Event{Type: EventMemorySaved, Key: key})
	return nil
}

// LoadFromMemory returns the JSON stored under key.
func (o *Orchestrator) LoadFromMemory(key string) (json.RawMessage, error) {
	raw, ok := o.memory.get(key)
	if !ok {
		return nil, errs.NotFoundf("memory key %q", key)
	}
	return append(json.RawMessage(nil), raw...), nil
}

// LoadInto decodes the value stored under key into dst.
func (o *Orchestrator) LoadInto(key string, dst any) error {
	raw, err := o.LoadFromMemory(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	return nil
}

// MemoryKeys returns every shared memory key, sorted.
func (o *Orchestrator) MemoryKeys() []string {
	return o.memory.keys()
}

// ExpandPrompt substitutes {{key}} placeholders from shared memory.
func (o *Orchestrator) ExpandPrompt(tmpl string) string {
	return o.memory.expand(tmpl)
}
