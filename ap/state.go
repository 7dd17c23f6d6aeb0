package ap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// State is the processor-resident provisioning record: the components the
// processor is paired with, its boot message, the operator gate digests,
// and the receipts from the last successful boot.
type State struct {
	ComponentIDs []interfaces.ComponentID `cbor:"components"`
	BootMessage  string                   `cbor:"boot_message"`

	TokenHash []byte `cbor:"token_hash"`
	TokenSalt []byte `cbor:"token_salt"`
	PINHash   []byte `cbor:"pin_hash"`
	PINSalt   []byte `cbor:"pin_salt"`

	Receipts []interfaces.BootReceipt `cbor:"receipts,omitempty"`
}

func (s *State) clone() *State {
	c := *s
	c.ComponentIDs = slices.Clone(s.ComponentIDs)
	c.TokenHash = slices.Clone(s.TokenHash)
	c.TokenSalt = slices.Clone(s.TokenSalt)
	c.PINHash = slices.Clone(s.PINHash)
	c.PINSalt = slices.Clone(s.PINSalt)
	c.Receipts = slices.Clone(s.Receipts)
	return &c
}

func (s *State) provisioned(id interfaces.ComponentID) bool {
	return slices.Contains(s.ComponentIDs, id)
}

// StateStore persists the provisioning record across power cycles.
// Load returns (nil, nil) when nothing has been saved yet.
type StateStore interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
}

// MemStateStore keeps the record in memory, for tests and ephemeral
// emulations.
type MemStateStore struct {
	mu    sync.Mutex
	state *State
	saves int
}

var _ StateStore = (*MemStateStore)(nil)

func (m *MemStateStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	return m.state.clone(), nil
}

func (m *MemStateStore) Save(ctx context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.clone()
	m.saves++
	return nil
}

// Saves returns how many times the record has been written.
func (m *MemStateStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FileStateStore persists the record as a single CBOR file.
type FileStateStore struct {
	path string
}

var _ StateStore = (*FileStateStore)(nil)

// NewFileStateStore prepares a store at path, creating parent directories
// as needed.
func NewFileStateStore(path string) (*FileStateStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("could not create state directory: %w", err)
		}
	}
	return &FileStateStore{path: path}, nil
}

func (f *FileStateStore) Load(ctx context.Context) (*State, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read state file: %w", err)
	}
	s := new(State)
	if err := cbor.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("could not decode state file: %w", err)
	}
	return s, nil
}

func (f *FileStateStore) Save(ctx context.Context, s *State) error {
	raw, err := cbor.Marshal(s)
	if err != nil {
		return fmt.Errorf("could not encode state: %w", err)
	}
	if err := os.WriteFile(f.path, raw, 0o600); err != nil {
		return fmt.Errorf("could not write state file: %w", err)
	}
	return nil
}
