package subscription

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
)

// MaxSubscriptions is the number of subscription slots a decoder holds.
const MaxSubscriptions = 8

// ErrSlotsFull is returned when a new channel arrives and every slot is
// occupied.
var ErrSlotsFull = errors.New("all subscription slots in use")

// Window summarizes one occupied slot.
type Window struct {
	Channel interfaces.ChannelID
	Start   interfaces.Timestamp
	End     interfaces.Timestamp
}

// SlotPersistence reads and writes raw slot records. ReadSlot returns nil
// for a slot that was never written.
type SlotPersistence interface {
	ReadSlot(ctx context.Context, idx int) ([]byte, error)
	WriteSlot(ctx context.Context, idx int, record []byte) error
}

const (
	// recordMagic marks a slot record complete. It lands after the body,
	// so a torn write never validates.
	recordMagic uint32 = 0x11aa0055

	maxEntryWire = entryHeaderSize + MaxNodes + MaxNodes*keytree.KeySize
	recordSize   = maxEntryWire + 4
)

func encodeRecord(e *Entry) ([]byte, error) {
	body, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	rec := make([]byte, recordSize)
	copy(rec, body)
	binary.LittleEndian.PutUint32(rec[maxEntryWire:], recordMagic)
	return rec, nil
}

// decodeRecord parses a slot record. ok is false when the record is
// absent or its completion magic is missing, i.e. an empty slot. A record
// whose magic is intact but whose body does not parse is corrupt.
func decodeRecord(rec []byte) (*Entry, bool, error) {
	if len(rec) != recordSize {
		return nil, false, nil
	}
	if binary.LittleEndian.Uint32(rec[maxEntryWire:]) != recordMagic {
		return nil, false, nil
	}
	nodes := int(rec[entryHeaderSize-1])
	if nodes == 0 || nodes > MaxNodes {
		return nil, false, fmt.Errorf("corrupt slot record: cover of %d nodes", nodes)
	}
	var e Entry
	if err := e.UnmarshalBinary(rec[:wireSize(nodes)]); err != nil {
		return nil, false, fmt.Errorf("corrupt slot record: %w", err)
	}
	return &e, true, nil
}

// Store holds the decoder's subscription slots. Updates hit persistence
// before memory, so a failed write leaves the store unchanged.
type Store struct {
	mu    sync.RWMutex
	slots [MaxSubscriptions]*Entry
	p     SlotPersistence
}

// NewStore creates a volatile store with no persistence.
func NewStore() *Store {
	return &Store{}
}

// LoadStore builds a store backed by p, restoring every slot whose
// record is complete.
func LoadStore(ctx context.Context, p SlotPersistence) (*Store, error) {
	s := &Store{p: p}
	for i := 0; i < MaxSubscriptions; i++ {
		rec, err := p.ReadSlot(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("reading slot %d: %w", i, err)
		}
		e, ok, err := decodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		if ok {
			s.slots[i] = e
		}
	}
	return s, nil
}

// Upsert stores e, replacing an existing subscription for the same
// channel or taking the first empty slot.
func (s *Store) Upsert(ctx context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, cur := range s.slots {
		if cur != nil && cur.Channel == e.Channel {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, cur := range s.slots {
			if cur == nil {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return ErrSlotsFull
	}

	if s.p != nil {
		rec, err := encodeRecord(e)
		if err != nil {
			return err
		}
		if err := s.p.WriteSlot(ctx, idx, rec); err != nil {
			return fmt.Errorf("persisting slot %d: %w", idx, err)
		}
	}
	s.slots[idx] = e
	return nil
}

// ForChannel returns the stored subscription for a channel.
func (s *Store) ForChannel(ch interfaces.ChannelID) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cur := range s.slots {
		if cur != nil && cur.Channel == ch {
			return cur, true
		}
	}
	return nil, false
}

// List summarizes the occupied slots in slot order.
func (s *Store) List() []Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Window
	for _, cur := range s.slots {
		if cur == nil {
			continue
		}
		out = append(out, Window{Channel: cur.Channel, Start: cur.Start, End: cur.EndTime()})
	}
	return out
}
