package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/tripclaw/pkg/llm"
)

// HistoryStore keeps the agent runtime's message history per resume handle
// in agent/<handle>.jsonl, one llm.Message per line.
type HistoryStore struct {
	root string
	mu   sync.Mutex
}

// NewHistoryStore creates a new file-backed HistoryStore rooted at the given directory.
func NewHistoryStore(root string) *HistoryStore {
	return &HistoryStore{root: root}
}

func (h *HistoryStore) path(handle string) string {
	return filepath.Join(h.root, "agent", filepath.Base(handle)+".jsonl")
}

// Load returns every message recorded for handle, oldest first.
func (h *HistoryStore) Load(handle string) ([]llm.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var msgs []llm.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var msg llm.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal history message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return msgs, nil
}

// Append adds messages to the history of handle.
func (h *HistoryStore) Append(handle string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	path := h.path(handle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal history message: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}
