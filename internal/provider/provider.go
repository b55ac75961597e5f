// ABOUTME: Provider interface shared by every language-model backend
// ABOUTME: Registry maps lower-case provider names to configured clients

package provider

import (
	"context"
	"sort"
	"strings"

	"github.com/2389/coven-relay/internal/conversation"
)

// User-facing failure notices. Providers never surface raw status or
// transport detail to a group chat; they log it and return one of these.
const (
	NoticeUnavailable = "服务暂时不可用，请稍后再试。"
	NoticeNetwork     = "网络异常，稍后再试。"
	NoticeTimeout     = "模型请求超时。"
	NoticeBadResponse = "服务返回异常，请稍后再试。"
	NoticeNoChoices   = "未获取到模型回复。"
	NoticeNoContent   = "模型未返回内容。"
	NoticeUpstream    = "模型服务返回异常。"
)

// Usage is the token accounting reported by a backend, when available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Reply is the outcome of one chat call. When OK is false, Text is a short
// notice suitable for posting to the group as-is.
type Reply struct {
	OK    bool
	Text  string
	Usage Usage
}

// Provider sends a conversation to a language model.
type Provider interface {
	Name() string
	Model() string
	Chat(ctx context.Context, messages []conversation.Message) Reply
}

// Registry holds the providers configured at startup, keyed by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry containing the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its lower-cased name.
func (r *Registry) Register(p Provider) {
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing returns the subset of names that have no registered provider,
// sorted and without duplicates.
func (r *Registry) Missing(names ...string) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := r.providers[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}
