package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordFillsIDAndTime(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Event{
		Deployment: "e001",
		Actor:      "ab01",
		Action:     ActionComponentAdd,
		Subject:    "0x11111124",
	}))

	events, err := l.Recent(ctx, "e001", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
	assert.WithinDuration(t, time.Now(), events[0].Time, 5*time.Second)
	assert.Equal(t, ActionComponentAdd, events[0].Action)
	assert.Equal(t, "0x11111124", events[0].Subject)
}

func TestRecordRequiresAction(t *testing.T) {
	l := openLog(t)
	err := l.Record(context.Background(), Event{Deployment: "e001"})
	require.ErrorContains(t, err, "without action")
}

func TestRecentFiltersAndOrders(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	for _, e := range []Event{
		{Deployment: "e001", Action: ActionComponentAdd, Subject: "0x11111124"},
		{Deployment: "e002", Action: ActionGateSet, Subject: "pin"},
		{Deployment: "e001", Action: ActionComponentRemove, Subject: "0x11111124"},
	} {
		require.NoError(t, l.Record(ctx, e))
	}

	events, err := l.Recent(ctx, "e001", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ActionComponentRemove, events[0].Action)
	assert.Equal(t, ActionComponentAdd, events[1].Action)

	all, err := l.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := l.Recent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ActionComponentRemove, limited[0].Action)
	assert.Equal(t, ActionGateSet, limited[1].Action)
}

func TestTrailSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	require.NoError(t, err)

	want := Event{
		ID:         uuid.New(),
		Time:       time.UnixMicro(time.Now().UnixMicro()),
		Deployment: "e001",
		Actor:      "ab01",
		Action:     ActionDeviceRegister,
		Subject:    "4242",
		Detail:     "allowlisted",
	}
	require.NoError(t, l.Record(context.Background(), want))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()

	events, err := l.Recent(context.Background(), "e001", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, want, events[0])
}
