// ABOUTME: Per-group prompt and provider policy with process-wide defaults
// ABOUTME: Loads JSON, YAML or TOML sources and normalizes arbitrary group-keyed entries

package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultPrompt is the system prompt used for groups without their own.
const DefaultPrompt = "你是群聊助手，回答简洁，避免刷屏。"

// DefaultProvider is used for groups without a configured provider.
const DefaultProvider = "deepseek"

// Entry is the normalized policy of one group. Empty fields fall back to the
// resolver defaults.
type Entry struct {
	Prompt   string `json:"prompt,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Resolver answers prompt and provider lookups for groups.
type Resolver struct {
	DefaultPrompt   string
	DefaultProvider string

	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]Entry
	path   string
	inline bool
}

// New creates a resolver with the given defaults and no group entries.
// Blank defaults are replaced with DefaultPrompt and DefaultProvider.
func New(defaultPrompt, defaultProvider string, logger *slog.Logger) *Resolver {
	if strings.TrimSpace(defaultPrompt) == "" {
		defaultPrompt = DefaultPrompt
	}
	if strings.TrimSpace(defaultProvider) == "" {
		defaultProvider = DefaultProvider
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		DefaultPrompt:   strings.TrimSpace(defaultPrompt),
		DefaultProvider: strings.ToLower(strings.TrimSpace(defaultProvider)),
		logger:          logger.With("component", "policy"),
		groups:          make(map[string]Entry),
	}
}

// Load replaces the group entries from the inline payload, or from the file
// at path when inline is empty. The inline payload is always JSON.
//
// Problems never fail the load: a missing file, unreadable file or payload
// that is not an object leaves the resolver with no entries.
func (r *Resolver) Load(path, inline string) {
	var groups map[string]Entry
	switch {
	case strings.TrimSpace(inline) != "":
		if path != "" {
			r.logger.Info("inline group config given, ignoring file", "path", path)
		}
		data, err := decode([]byte(inline), ".json")
		if err != nil {
			r.logger.Warn("invalid inline group config", "error", err)
		}
		groups = r.normalize(data)
	case path != "":
		data, err := r.readFile(path)
		if err != nil {
			r.logger.Warn("failed to read group config", "path", path, "error", err)
		}
		groups = r.normalize(data)
	default:
		groups = make(map[string]Entry)
	}

	r.mu.Lock()
	r.groups = groups
	r.path = path
	r.inline = strings.TrimSpace(inline) != ""
	r.mu.Unlock()

	r.logger.Info("group policy loaded", "groups", len(groups))
}

// Prompt returns the configured prompt for the group or the default.
func (r *Resolver) Prompt(groupID int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.groups[strconv.FormatInt(groupID, 10)]; ok && e.Prompt != "" {
		return e.Prompt
	}
	return r.DefaultPrompt
}

// ProviderFor returns the configured provider name for the group or the default.
func (r *Resolver) ProviderFor(groupID int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.groups[strconv.FormatInt(groupID, 10)]; ok && e.Provider != "" {
		return e.Provider
	}
	return r.DefaultProvider
}

// Providers returns the sorted set of provider names referenced by any group.
func (r *Resolver) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	for _, e := range r.groups {
		if e.Provider != "" {
			set[e.Provider] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns a copy of the normalized group entries.
func (r *Resolver) Entries() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.groups))
	for k, v := range r.groups {
		out[k] = v
	}
	return out
}

// readFile loads and decodes the policy file. A missing file is not an error.
func (r *Resolver) readFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Info("group config path not found", "path", path)
			return nil, nil
		}
		return nil, err
	}
	return decode(raw, strings.ToLower(filepath.Ext(path)))
}

// decode parses a policy document by format. Unknown extensions are JSON.
func decode(raw []byte, ext string) (map[string]any, error) {
	var payload any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	case ".toml":
		var doc map[string]any
		if _, err := toml.Decode(string(raw), &doc); err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
		payload = doc
	default:
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
	}

	if payload == nil {
		return nil, nil
	}
	obj, ok := asObject(payload)
	if !ok {
		return nil, fmt.Errorf("group config must be an object, got %T", payload)
	}
	return obj, nil
}

// normalize keeps well-formed entries only. The "model" key is accepted as
// an alias for "provider"; provider names are lower-cased.
func (r *Resolver) normalize(data map[string]any) map[string]Entry {
	groups := make(map[string]Entry, len(data))
	for key, raw := range data {
		obj, ok := asObject(raw)
		if !ok {
			r.logger.Warn("skipping group config entry that is not an object", "group", key)
			continue
		}

		var e Entry
		if prompt, ok := obj["prompt"].(string); ok {
			e.Prompt = strings.TrimSpace(prompt)
		}
		providerValue, present := obj["provider"]
		if !present {
			providerValue = obj["model"]
		}
		if provider, ok := providerValue.(string); ok {
			e.Provider = strings.ToLower(strings.TrimSpace(provider))
		}

		if e == (Entry{}) {
			r.logger.Warn("skipping group config entry without prompt or provider", "group", key)
			continue
		}
		groups[strings.TrimSpace(key)] = e
	}
	return groups
}

// asObject accepts string-keyed maps and the any-keyed maps YAML produces
// for unquoted numeric keys.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}
