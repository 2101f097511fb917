package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/tripclaw/internal/types"
)

// TripStore keeps each trip under trips/<tripID>/ with a trip.json record
// and an itinerary.md document.
type TripStore struct {
	root string
	mu   sync.RWMutex
}

// NewTripStore creates a new file-backed TripStore rooted at the given directory.
func NewTripStore(root string) *TripStore {
	return &TripStore{root: root}
}

func (s *TripStore) tripDir(id types.TripID) string {
	return filepath.Join(s.root, "trips", string(id))
}

func (s *TripStore) recordPath(id types.TripID) string {
	return filepath.Join(s.tripDir(id), "trip.json")
}

func (s *TripStore) itineraryPath(id types.TripID) string {
	return filepath.Join(s.tripDir(id), "itinerary.md")
}

// Create stores a new trip, assigning an ID when empty.
func (s *TripStore) Create(_ context.Context, trip *types.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if trip.ID == "" {
		trip.ID = types.NewTripID()
	}
	if _, err := os.Stat(s.recordPath(trip.ID)); err == nil {
		return fmt.Errorf("trip already exists: %s", trip.ID)
	}
	now := time.Now()
	trip.CreatedAt = now
	trip.UpdatedAt = now
	return writeJSON(s.recordPath(trip.ID), trip)
}

// Get returns the trip with the given ID.
func (s *TripStore) Get(_ context.Context, id types.TripID) (*types.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trip types.Trip
	if err := readJSON(s.recordPath(id), &trip); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &trip, nil
}

// List returns all trips ordered by creation time.
func (s *TripStore) List(_ context.Context) ([]*types.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, "trips"))
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.Trip{}, nil
		}
		return nil, fmt.Errorf("read trips dir: %w", err)
	}

	trips := make([]*types.Trip, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var trip types.Trip
		if err := readJSON(s.recordPath(types.TripID(e.Name())), &trip); err != nil {
			continue
		}
		trips = append(trips, &trip)
	}
	sort.Slice(trips, func(i, j int) bool {
		return trips[i].CreatedAt.Before(trips[j].CreatedAt)
	})
	return trips, nil
}

// ReadItinerary returns the itinerary markdown, or "" when none was written yet.
func (s *TripStore) ReadItinerary(_ context.Context, id types.TripID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.itineraryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read itinerary: %w", err)
	}
	return string(data), nil
}

// WriteItinerary replaces the itinerary markdown atomically.
func (s *TripStore) WriteItinerary(_ context.Context, id types.TripID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := WriteFileAtomic(s.itineraryPath(id), []byte(content)); err != nil {
		return fmt.Errorf("write itinerary: %w", err)
	}
	return nil
}

// ItineraryModTime returns the itinerary file's mtime, or the zero time if absent.
func (s *TripStore) ItineraryModTime(_ context.Context, id types.TripID) (time.Time, error) {
	info, err := os.Stat(s.itineraryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("stat itinerary: %w", err)
	}
	return info.ModTime(), nil
}
