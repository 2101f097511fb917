package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/tripclaw/internal/types"
)

// ConversationStore persists conversations at
// trips/<tripID>/conversations/<convID>/conversation.json and their
// transcripts as JSONL in transcript.jsonl next to it.
type ConversationStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionKey]*sync.Mutex
}

// NewConversationStore creates a new file-backed ConversationStore rooted at the given directory.
func NewConversationStore(root string) *ConversationStore {
	return &ConversationStore{
		root:  root,
		locks: make(map[types.SessionKey]*sync.Mutex),
	}
}

// getLock returns the per-conversation mutex, creating one if it doesn't exist.
func (s *ConversationStore) getLock(tripID types.TripID, id types.ConversationID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := types.ConversationKey(tripID, id)
	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func (s *ConversationStore) conversationsDir(tripID types.TripID) string {
	return filepath.Join(s.root, "trips", string(tripID), "conversations")
}

func (s *ConversationStore) recordPath(tripID types.TripID, id types.ConversationID) string {
	return filepath.Join(s.conversationsDir(tripID), string(id), "conversation.json")
}

func (s *ConversationStore) transcriptPath(tripID types.TripID, id types.ConversationID) string {
	return filepath.Join(s.conversationsDir(tripID), string(id), "transcript.jsonl")
}

// ResolveOrCreate returns the conversation, creating an empty one if needed.
func (s *ConversationStore) ResolveOrCreate(_ context.Context, tripID types.TripID, id types.ConversationID) (*types.Conversation, error) {
	lock := s.getLock(tripID, id)
	lock.Lock()
	defer lock.Unlock()

	var conv types.Conversation
	err := readJSON(s.recordPath(tripID, id), &conv)
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	conv = types.Conversation{
		ID:        id,
		TripID:    tripID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := writeJSON(s.recordPath(tripID, id), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Get returns the conversation with the given ID.
func (s *ConversationStore) Get(_ context.Context, tripID types.TripID, id types.ConversationID) (*types.Conversation, error) {
	lock := s.getLock(tripID, id)
	lock.Lock()
	defer lock.Unlock()

	var conv types.Conversation
	if err := readJSON(s.recordPath(tripID, id), &conv); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &conv, nil
}

// List returns all conversations of a trip, most recently updated first.
func (s *ConversationStore) List(_ context.Context, tripID types.TripID) ([]*types.Conversation, error) {
	entries, err := os.ReadDir(s.conversationsDir(tripID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.Conversation{}, nil
		}
		return nil, fmt.Errorf("read conversations dir: %w", err)
	}

	convs := make([]*types.Conversation, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var conv types.Conversation
		if err := readJSON(s.recordPath(tripID, types.ConversationID(e.Name())), &conv); err != nil {
			continue
		}
		convs = append(convs, &conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// Update persists changes to the given conversation, setting UpdatedAt to now.
func (s *ConversationStore) Update(_ context.Context, conv *types.Conversation) error {
	lock := s.getLock(conv.TripID, conv.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.recordPath(conv.TripID, conv.ID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("conversation %s: %w", conv.ID, ErrNotFound)
		}
		return fmt.Errorf("stat conversation: %w", err)
	}
	conv.UpdatedAt = time.Now()
	return writeJSON(s.recordPath(conv.TripID, conv.ID), conv)
}

// count reads the transcript and counts lines. Caller must hold the conversation lock.
func (s *ConversationStore) count(tripID types.TripID, id types.ConversationID) (int64, error) {
	f, err := os.Open(s.transcriptPath(tripID, id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return count, nil
}

// AppendEntry adds an entry to the transcript with an auto-incremented sequence number.
func (s *ConversationStore) AppendEntry(_ context.Context, tripID types.TripID, id types.ConversationID, entry *types.TranscriptEntry) error {
	lock := s.getLock(tripID, id)
	lock.Lock()
	defer lock.Unlock()

	path := s.transcriptPath(tripID, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}

	existing, err := s.count(tripID, id)
	if err != nil {
		return err
	}
	entry.Seq = existing + 1
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write transcript entry: %w", err)
	}
	return nil
}

// Transcript returns the last limit entries (all of them when limit <= 0).
func (s *ConversationStore) Transcript(_ context.Context, tripID types.TripID, id types.ConversationID, limit int) ([]*types.TranscriptEntry, error) {
	lock := s.getLock(tripID, id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.transcriptPath(tripID, id))
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.TranscriptEntry{}, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []*types.TranscriptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry types.TranscriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal transcript entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
