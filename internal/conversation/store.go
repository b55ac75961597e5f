// ABOUTME: Per-group conversation log with a turn cap and synchronous file persistence
// ABOUTME: The in-memory map is the source of truth; every mutation rewrites the JSON file atomically

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// DefaultMaxTurns is used when a store is created with a non-positive turn cap.
const DefaultMaxTurns = 12

// ErrPersist wraps every failure to write the state file.
var ErrPersist = errors.New("persisting conversation state")

// fileState is the on-disk layout: {"groups": {"<group_id>": [messages...]}}.
type fileState struct {
	Groups map[string][]Message `json:"groups"`
}

// Store holds the ordered message log of every group.
//
// A single mutex guards the map and each read-modify-persist sequence.
// Callers only ever receive copies of the stored slices.
type Store struct {
	path     string
	lockPath string
	maxTurns int
	logger   *slog.Logger

	mu     sync.Mutex
	groups map[int64][]Message

	// exchange slots serialize Exchange calls within one group
	slotsMu sync.Mutex
	slots   map[int64]chan struct{}
}

// New creates a store backed by the JSON file at path and loads any existing
// state from it. A missing or unreadable file yields an empty store.
func New(path string, maxTurns int, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}

	s := &Store{
		path:     path,
		lockPath: path + ".lock",
		maxTurns: maxTurns,
		logger:   logger.With("component", "conversation"),
		groups:   make(map[int64][]Message),
		slots:    make(map[int64]chan struct{}),
	}
	s.load()
	return s, nil
}

// MaxTurns returns the turn cap enforced on every group.
func (s *Store) MaxTurns() int {
	return s.maxTurns
}

// Messages returns a copy of the group's conversation with the system prompt
// ensured as the first message. An existing leading system message is kept
// as-is even when it differs from systemPrompt.
func (s *Store) Messages(groupID int64, systemPrompt string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneMessages(ensureSystem(s.groups[groupID], systemPrompt))
}

// AppendTurn records one user/assistant exchange for the group, trims the log
// to the turn cap and persists the full state before returning.
func (s *Store) AppendTurn(groupID int64, userText, assistantText, systemPrompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := cloneMessages(ensureSystem(s.groups[groupID], systemPrompt))
	if user := Clamp(userText); user != "" {
		messages = append(messages, Message{Role: RoleUser, Content: user})
	}
	if assistant := Clamp(assistantText); assistant != "" {
		messages = append(messages, Message{Role: RoleAssistant, Content: assistant})
	}
	s.groups[groupID] = trim(ensureSystem(messages, systemPrompt), s.maxTurns)

	return s.persistLocked()
}

// Reset clears the group's history down to the system prompt (if any) and
// persists the full state before returning.
func (s *Store) Reset(groupID int64, systemPrompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[groupID] = ensureSystem([]Message{}, systemPrompt)
	return s.persistLocked()
}

// Len returns the number of stored messages for the group.
func (s *Store) Len(groupID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups[groupID])
}

// Groups returns the ids of all groups with stored state, ascending.
func (s *Store) Groups() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ExchangeFunc turns a history (already ending with the new user message)
// into an assistant reply. ok=false means reply is a failure notice that
// must not be recorded.
type ExchangeFunc func(ctx context.Context, history []Message) (reply string, ok bool)

// Exchange runs fn against the group's history plus userText and records the
// turn when fn succeeds. Exchanges within one group run one at a time, so a
// concurrent message cannot overwrite another's turn; other groups are not
// blocked. The map lock is not held while fn runs.
//
// A non-nil error means the reply was produced but could not be persisted.
func (s *Store) Exchange(ctx context.Context, groupID int64, userText, systemPrompt string, fn ExchangeFunc) (string, bool, error) {
	release, err := s.acquireSlot(ctx, groupID)
	if err != nil {
		return "", false, err
	}
	defer release()

	history := s.Messages(groupID, systemPrompt)
	history = append(history, Message{Role: RoleUser, Content: Clamp(userText)})

	reply, ok := fn(ctx, history)
	if !ok {
		return reply, false, nil
	}
	if err := s.AppendTurn(groupID, userText, reply, systemPrompt); err != nil {
		return reply, true, err
	}
	return reply, true, nil
}

// acquireSlot waits for the group's exchange slot or for ctx to end.
func (s *Store) acquireSlot(ctx context.Context, groupID int64) (func(), error) {
	s.slotsMu.Lock()
	slot, ok := s.slots[groupID]
	if !ok {
		slot = make(chan struct{}, 1)
		s.slots[groupID] = slot
	}
	s.slotsMu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load reads the state file into memory. Any problem leaves the store empty.
func (s *Store) load() {
	lock, err := lockFile(s.lockPath)
	if err != nil {
		s.logger.Warn("could not lock state file for reading", "path", s.path, "error", err)
	} else {
		defer func() { _ = lock.Unlock() }()
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("could not read state file, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var raw struct {
		Groups map[string]json.RawMessage `json:"groups"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("state file is malformed, starting empty", "path", s.path, "error", err)
		return
	}

	for key, entry := range raw.Groups {
		groupID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			s.logger.Warn("skipping state entry with non-numeric group id", "group", key)
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(entry, &items); err != nil {
			s.logger.Warn("skipping state entry that is not a message list", "group", key)
			continue
		}
		messages := make([]Message, 0, len(items))
		for _, item := range items {
			var m Message
			if json.Unmarshal(item, &m) != nil || !m.Role.Valid() {
				continue
			}
			messages = append(messages, m)
		}
		s.groups[groupID] = trim(messages, s.maxTurns)
	}

	s.logger.Info("conversation state loaded", "path", s.path, "groups", len(s.groups))
}

// persistLocked writes the whole map to disk. Must be called with mu held.
func (s *Store) persistLocked() error {
	state := fileState{Groups: make(map[string][]Message, len(s.groups))}
	for id, messages := range s.groups {
		state.Groups[strconv.FormatInt(id, 10)] = messages
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding: %v", ErrPersist, err)
	}

	lock, err := lockFile(s.lockPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := atomicWriteFile(s.path, data, 0644); err != nil {
		s.logger.Error("failed to persist conversation state", "path", s.path, "error", err)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// atomicWriteFile writes data to a temp file next to path, syncs it and
// renames it over path so readers never observe a partial file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := f.Name()

	success := false
	defer func() {
		if !success {
			_ = f.Close()
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}

// ensureSystem returns messages with a system message first. When the first
// message already has the system role it is kept; otherwise prompt is
// inserted and any stray system messages are dropped. An empty prompt leaves
// messages unchanged.
func ensureSystem(messages []Message, prompt string) []Message {
	if prompt == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: prompt})
	for _, m := range messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// trim keeps the first system message (moved to the front) and the newest
// 2*maxTurns non-system messages.
func trim(messages []Message, maxTurns int) []Message {
	var system *Message
	rest := make([]Message, 0, len(messages))
	for i := range messages {
		if messages[i].Role == RoleSystem {
			if system == nil {
				system = &messages[i]
			}
			continue
		}
		rest = append(rest, messages[i])
	}

	if limit := maxTurns * 2; len(rest) > limit {
		rest = rest[len(rest)-limit:]
	}

	out := make([]Message, 0, len(rest)+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, rest...)
}

func cloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
