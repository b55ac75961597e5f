// Package conversation holds the per-group chat history sent to language models.
//
// # Overview
//
// Each group has an ordered log of messages. The log starts with at most one
// system message and keeps at most 2 × MaxTurns user/assistant messages after
// it; older messages are dropped first and the system message never is.
//
//	store, err := conversation.New("./data/state.json", 12, logger)
//	history := store.Messages(groupID, prompt)
//	err = store.AppendTurn(groupID, userText, reply, prompt)
//	err = store.Reset(groupID, prompt)
//
// # Persistence
//
// The whole map is rewritten on every AppendTurn and Reset:
//
//	{"groups": {"123456": [{"role": "system", "content": "..."}, ...]}}
//
// Writes go to a temp file in the same directory and are renamed over the
// target. A sidecar "<path>.lock" file is flocked around reads and writes so
// several processes can share one state file. A missing or malformed file
// loads as empty state.
//
// # Concurrency
//
// One mutex guards the map. Exchange additionally serializes the
// read-history / call-model / append sequence per group so two messages in
// the same group cannot overwrite each other's turn.
package conversation
