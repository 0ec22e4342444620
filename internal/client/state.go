package client

import (
	"encoding/json"
	"os"
	"sync"
)

// sessionState is the on-disk record of replay positions, keyed by project.
type sessionState struct {
	LastEventIDs map[string]uint64 `json:"last_event_ids"`
}

// stateStore persists the last acknowledged sequence so a restarted client
// resubscribes with replay instead of refetching everything. A zero path
// disables persistence.
type stateStore struct {
	mu   sync.Mutex
	path string
}

func newStateStore(path string) *stateStore {
	return &stateStore{path: path}
}

func (s *stateStore) load(projectID string) (uint64, bool) {
	if s.path == "" {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return 0, false
	}
	var st sessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, false
	}
	seq, ok := st.LastEventIDs[projectID]
	return seq, ok
}

func (s *stateStore) save(projectID string, seq uint64) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := sessionState{LastEventIDs: map[string]uint64{}}
	if raw, err := os.ReadFile(s.path); err == nil {
		json.Unmarshal(raw, &st)
		if st.LastEventIDs == nil {
			st.LastEventIDs = map[string]uint64{}
		}
	}
	st.LastEventIDs[projectID] = seq

	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
