package subscription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileSlotStore keeps one record file per slot under a directory,
// standing in for the flash pages of the original slot layout. Writes go
// straight to the file; the record's tail magic covers torn writes.
type FileSlotStore struct {
	dir string
}

var _ SlotPersistence = (*FileSlotStore)(nil)

// NewFileSlotStore creates dir if needed and persists records under it.
func NewFileSlotStore(dir string) (*FileSlotStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating slot directory: %w", err)
	}
	return &FileSlotStore{dir: dir}, nil
}

func (f *FileSlotStore) path(idx int) string {
	return filepath.Join(f.dir, fmt.Sprintf("slot%d.bin", idx))
}

// ReadSlot returns nil for a slot that was never written.
func (f *FileSlotStore) ReadSlot(_ context.Context, idx int) ([]byte, error) {
	data, err := os.ReadFile(f.path(idx))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteSlot replaces the record for a slot.
func (f *FileSlotStore) WriteSlot(_ context.Context, idx int, record []byte) error {
	return os.WriteFile(f.path(idx), record, 0o600)
}
