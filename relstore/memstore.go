package relstore

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

// Relation is the in-memory record of one relation: its remote
// application, its unit participants and every participant's bag.
type Relation struct {
	ID        RelationID                   `json:"id"`
	RemoteApp string                       `json:"remote_app"`
	Units     map[string]bool              `json:"units"`
	Bags      map[string]map[string]string `json:"bags"`
}

type MemStore struct {
	mu sync.RWMutex

	Rels  map[string]*Relation `json:"relations"`
	Peers map[string]string    `json:"peers"`

	backupPath string
}

var _ Store = &MemStore{}

func NewMemStore(backupPath string) (*MemStore, error) {
	return &MemStore{
		Rels:  map[string]*Relation{},
		Peers: map[string]string{},

		backupPath: backupPath,
	}, nil
}

func RestoreMemStore(backupPath string) (*MemStore, error) {
	s, err := NewMemStore(backupPath)
	if err != nil {
		return nil, err
	}
	if backupPath == "" {
		return s, nil
	}
	if _, err := os.Stat(backupPath); err != nil {
		boplog.Zero.Info().Err(err).Msg("memstore backup file not exists. Creating new one.")
		f, err := os.Create(backupPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return s, nil
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemStore) DumpState() error {
	if s.backupPath == "" {
		return nil
	}
	s.mu.RLock()
	state, err := json.MarshalIndent(s, "", "	")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tmpPath := s.backupPath + ".tmp"
	if err := os.WriteFile(tmpPath, state, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.backupPath)
}

// ==============================================================================
//                                 RELATIONS
// ==============================================================================

func (s *MemStore) AddRelation(_ context.Context, rel RelationID, remoteApp string) error {
	boplog.Zero.Debug().Str("relation", rel.String()).Str("remote-app", remoteApp).Msg("memstore: add relation")
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.Rels[rel.String()]; ok {
		return nil
	}
	s.Rels[rel.String()] = &Relation{
		ID:        rel,
		RemoteApp: remoteApp,
		Units:     map[string]bool{},
		Bags:      map[string]map[string]string{},
	}
	return nil
}

func (s *MemStore) RemoveRelation(_ context.Context, rel RelationID) error {
	boplog.Zero.Debug().Str("relation", rel.String()).Msg("memstore: remove relation")
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.Rels, rel.String())
	return nil
}

func (s *MemStore) Relations(_ context.Context, name string) ([]RelationID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []RelationID
	for _, r := range s.Rels {
		if r.ID.Name == name {
			ids = append(ids, r.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
	return ids, nil
}

func (s *MemStore) RemoteApp(_ context.Context, rel RelationID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.Rels[rel.String()]
	if !ok {
		return "", boperror.Newf(boperror.BOP_DOES_NOT_EXIST, "relation %s not found", rel)
	}
	return r.RemoteApp, nil
}

// ==============================================================================
//                                   UNITS
// ==============================================================================

func (s *MemStore) JoinUnit(_ context.Context, rel RelationID, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.Rels[rel.String()]
	if !ok {
		return boperror.Newf(boperror.BOP_DOES_NOT_EXIST, "relation %s not found", rel)
	}
	r.Units[unit] = true
	return nil
}

func (s *MemStore) DepartUnit(_ context.Context, rel RelationID, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.Rels[rel.String()]
	if !ok {
		return nil
	}
	delete(r.Units, unit)
	delete(r.Bags, unit)
	return nil
}

func (s *MemStore) Units(_ context.Context, rel RelationID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.Rels[rel.String()]
	if !ok {
		return nil, nil
	}
	units := make([]string, 0, len(r.Units))
	for unit := range r.Units {
		units = append(units, unit)
	}
	sort.Strings(units)
	return units, nil
}

// ==============================================================================
//                                  DATABAGS
// ==============================================================================

func (s *MemStore) Get(_ context.Context, rel RelationID, participant string, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.Rels[rel.String()]
	if !ok {
		return "", false, nil
	}
	bag, ok := r.Bags[participant]
	if !ok {
		return "", false, nil
	}
	value, ok := bag[key]
	return value, ok, nil
}

func (s *MemStore) SetBag(_ context.Context, rel RelationID, participant string, kv map[string]string) error {
	boplog.Zero.Debug().Str("relation", rel.String()).Str("participant", participant).Msg("memstore: update bag")
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.Rels[rel.String()]
	if !ok {
		return boperror.Newf(boperror.BOP_DOES_NOT_EXIST, "relation %s not found", rel)
	}
	bag, ok := r.Bags[participant]
	if !ok {
		bag = map[string]string{}
		r.Bags[participant] = bag
	}
	for k, v := range kv {
		bag[k] = v
	}
	return nil
}

func (s *MemStore) DeleteKey(_ context.Context, rel RelationID, participant string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.Rels[rel.String()]
	if !ok {
		return nil
	}
	if bag, ok := r.Bags[participant]; ok {
		delete(bag, key)
	}
	return nil
}

// ==============================================================================
//                                 PEER STORE
// ==============================================================================

func (s *MemStore) PeerGet(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.Peers[key]
	return value, ok, nil
}

func (s *MemStore) PeerSet(_ context.Context, key string, value string) error {
	boplog.Zero.Debug().Str("key", key).Msg("memstore: peer set")
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Peers[key] = value
	return nil
}

func (s *MemStore) PeerDelete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.Peers, key)
	return nil
}
