package ap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

func TestFileStateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.bin")
	store, err := NewFileStateStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "nothing persisted yet")

	state := &State{
		ComponentIDs: []interfaces.ComponentID{0x10, 0x20},
		BootMessage:  "hello",
		TokenHash:    []byte{1, 2},
		TokenSalt:    []byte{3},
		PINHash:      []byte{4, 5},
		PINSalt:      []byte{6},
		Receipts: []interfaces.BootReceipt{
			{ID: 0x10, BootMessage: "up"},
		},
	}
	require.NoError(t, store.Save(ctx, state))

	reopened, err := NewFileStateStore(path)
	require.NoError(t, err)
	loaded, err = reopened.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state, loaded)
}

func TestFileStateStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0x00, 0x13}, 0o600))

	store, err := NewFileStateStore(path)
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	assert.Error(t, err)
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := &State{
		ComponentIDs: []interfaces.ComponentID{1, 2},
		TokenHash:    []byte{9},
	}
	c := s.clone()
	c.ComponentIDs[0] = 7
	c.TokenHash[0] = 8

	assert.Equal(t, interfaces.ComponentID(1), s.ComponentIDs[0])
	assert.Equal(t, byte(9), s.TokenHash[0])
}
