package engine

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MikhailWahib/slotdb/internal/config"
	"github.com/MikhailWahib/slotdb/internal/diskmanager/mockdm"
	"github.com/MikhailWahib/slotdb/internal/record"
	"github.com/MikhailWahib/slotdb/internal/recordfile"
	"github.com/MikhailWahib/slotdb/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCrash = errors.New("simulated crash")

type crashEnv struct {
	t    *testing.T
	dm   *mockdm.MockDiskManager
	path string
	cfg  *config.Config
}

// newCrashEnv keeps file contents in memory; only the lock file is on disk.
func newCrashEnv(t *testing.T) *crashEnv {
	return &crashEnv{
		t:    t,
		dm:   mockdm.NewMockDiskManager(),
		path: filepath.Join(t.TempDir(), "artists.db"),
		cfg: &config.Config{
			LockTimeout:       time.Second,
			LockRetryInterval: time.Millisecond,
		},
	}
}

func (c *crashEnv) schema() *record.Schema {
	s, err := record.NewSchema(
		record.Text("name", 10),
		record.Int("born", 4),
		record.Text("country", 8),
	)
	require.NoError(c.t, err)
	return s
}

func (c *crashEnv) create() *Engine {
	e, err := create(c.dm, c.path, c.schema(), c.cfg)
	require.NoError(c.t, err)
	return e
}

func (c *crashEnv) open() *Engine {
	e, err := open(c.dm, c.path, c.cfg)
	require.NoError(c.t, err)
	return e
}

func (c *crashEnv) encode(r record.Record) []byte {
	b, err := record.Encode(r, c.schema())
	require.NoError(c.t, err)
	return b
}

func crashAt(step Step) func(Step) error {
	return func(s Step) error {
		if s == step {
			return errCrash
		}
		return nil
	}
}

func TestCrash_UpdateAtEachStep(t *testing.T) {
	tests := []struct {
		step      Step
		wantAfter bool
	}{
		{StepLocked, false},
		{StepRead, false},
		{StepLogged, false},
		{StepApplied, true},
		{StepCommitted, true},
	}

	for _, tt := range tests {
		t.Run(stepName(tt.step), func(t *testing.T) {
			env := newCrashEnv(t)
			before := env.encode(record.Record{"GZA", 1966, "USA"})
			after := env.encode(record.Record{"RZA", 1969, "USA"})

			e := env.create()
			_, err := e.AppendRaw(before)
			require.NoError(t, err)

			e.hook = crashAt(tt.step)
			err = e.UpdateRaw(0, after)
			require.ErrorIs(t, err, errCrash)

			_, err = e.ReadSlot(0)
			assert.ErrorIs(t, err, recordfile.ErrClosed, "a crashed engine is unusable")

			e = env.open()
			defer e.Close()

			got, err := e.ReadSlot(0)
			require.NoError(t, err)
			if tt.wantAfter {
				assert.Equal(t, after, got)
			} else {
				assert.Equal(t, before, got)
			}
			assert.Empty(t, env.dm.File(WALPath(env.path)).Bytes(), "recovery truncates the log")
		})
	}
}

func TestCrash_AppendAtEachStep(t *testing.T) {
	tests := []struct {
		step      Step
		wantSlots int64
	}{
		{StepLocked, 1},
		{StepRead, 1},
		{StepLogged, 1},
		{StepApplied, 2},
		{StepCommitted, 2},
	}

	for _, tt := range tests {
		t.Run(stepName(tt.step), func(t *testing.T) {
			env := newCrashEnv(t)
			first := env.encode(record.Record{"GZA", 1966, "USA"})
			second := env.encode(record.Record{"Bjork", 1965, "Iceland"})

			e := env.create()
			_, err := e.AppendRaw(first)
			require.NoError(t, err)

			e.hook = crashAt(tt.step)
			_, err = e.AppendRaw(second)
			require.ErrorIs(t, err, errCrash)

			e = env.open()
			defer e.Close()

			n, err := e.SlotCount()
			require.NoError(t, err)
			assert.Equal(t, tt.wantSlots, n)

			got, err := e.ReadSlot(0)
			require.NoError(t, err)
			assert.Equal(t, first, got)
			if tt.wantSlots == 2 {
				got, err = e.ReadSlot(1)
				require.NoError(t, err)
				assert.Equal(t, second, got)
			}
		})
	}
}

func TestCrash_TornSlotWrite(t *testing.T) {
	env := newCrashEnv(t)
	before := env.encode(record.Record{"GZA", 1966, "USA"})
	after := env.encode(record.Record{"RZA", 1969, "USA"})

	e := env.create()
	defer e.Close()
	_, err := e.AppendRaw(before)
	require.NoError(t, err)

	env.dm.File(env.path).TearNextWrite(5)
	err = e.UpdateRaw(0, after)
	require.ErrorIs(t, err, mockdm.ErrInjected)

	got, err := e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, before, got, "the half-written slot is rolled back in place")

	require.NoError(t, e.UpdateRaw(0, after))
	got, err = e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, after, got)
}

func TestCrash_TornAppend(t *testing.T) {
	env := newCrashEnv(t)
	first := env.encode(record.Record{"GZA", 1966, "USA"})

	e := env.create()
	defer e.Close()
	_, err := e.AppendRaw(first)
	require.NoError(t, err)
	size := len(env.dm.File(env.path).Bytes())

	env.dm.File(env.path).TearNextWrite(7)
	_, err = e.AppendRaw(env.encode(record.Record{"Bjork", 1965, "Iceland"}))
	require.ErrorIs(t, err, mockdm.ErrInjected)

	assert.Len(t, env.dm.File(env.path).Bytes(), size, "partial slot is cut off")
	n, err := e.SlotCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	i, err := e.AppendRaw(env.encode(record.Record{"Daft Punk", 1993, "France"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), i)
}

func TestCrash_TornSlotOnDisk(t *testing.T) {
	env := newCrashEnv(t)
	before := env.encode(record.Record{"GZA", 1966, "USA"})
	after := env.encode(record.Record{"RZA", 1969, "USA"})

	e := env.create()
	_, err := e.AppendRaw(before)
	require.NoError(t, err)
	header := e.file.HeaderSize()

	e.hook = crashAt(StepLogged)
	require.ErrorIs(t, e.UpdateRaw(0, after), errCrash)

	// Half of the new image reached the slot before the crash.
	raw := env.dm.File(env.path).Bytes()
	copy(raw[header:], after[:len(after)/2])
	env.dm.File(env.path).SetBytes(raw)

	e = env.open()
	defer e.Close()
	got, err := e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, before, got)
}

func TestCrash_CommitSyncFailure(t *testing.T) {
	env := newCrashEnv(t)
	after := env.encode(record.Record{"RZA", 1969, "USA"})

	e := env.create()
	defer e.Close()
	_, err := e.AppendRaw(env.encode(record.Record{"GZA", 1966, "USA"}))
	require.NoError(t, err)

	e.hook = func(s Step) error {
		if s == StepApplied {
			env.dm.File(WALPath(env.path)).FailNextSync()
		}
		return nil
	}
	require.NoError(t, e.UpdateRaw(0, after), "the slot write landed, so the update stands")

	got, err := e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, after, got)
}

func TestCrash_WALAppendFailureLeavesSlot(t *testing.T) {
	env := newCrashEnv(t)
	before := env.encode(record.Record{"GZA", 1966, "USA"})

	e := env.create()
	_, err := e.AppendRaw(before)
	require.NoError(t, err)

	env.dm.File(WALPath(env.path)).FailNextSync()
	err = e.UpdateRaw(0, env.encode(record.Record{"RZA", 1969, "USA"}))
	require.ErrorIs(t, err, mockdm.ErrInjected)

	got, err := e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, before, got)
	require.NoError(t, e.Close())

	e = env.open()
	defer e.Close()
	got, err = e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, before, got)
}

func TestCrash_TornWALTail(t *testing.T) {
	env := newCrashEnv(t)
	before := env.encode(record.Record{"GZA", 1966, "USA"})

	e := env.create()
	_, err := e.AppendRaw(before)
	require.NoError(t, err)

	e.hook = crashAt(StepLogged)
	require.ErrorIs(t, e.UpdateRaw(0, env.encode(record.Record{"RZA", 1969, "USA"})), errCrash)

	walFile := env.dm.File(WALPath(env.path))
	raw := walFile.Bytes()
	walFile.SetBytes(raw[:len(raw)-4])

	e = env.open()
	defer e.Close()
	got, err := e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, before, got, "an entry that never fully reached the log is ignored")
}

func TestCrash_PeerRecoversDirtyFile(t *testing.T) {
	env := newCrashEnv(t)
	before := env.encode(record.Record{"GZA", 1966, "USA"})
	after := env.encode(record.Record{"RZA", 1969, "USA"})

	a := env.create()
	_, err := a.AppendRaw(before)
	require.NoError(t, err)

	b := env.open()
	defer b.Close()

	// a dies with its entry logged and half of the slot written.
	a.hook = func(s Step) error {
		if s == StepLogged {
			raw := env.dm.File(env.path).Bytes()
			copy(raw[a.file.HeaderSize():], after[:4])
			env.dm.File(env.path).SetBytes(raw)
			return errCrash
		}
		return nil
	}
	require.ErrorIs(t, a.UpdateRaw(0, after), errCrash)

	got, err := b.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, before, got, "a reader replays the log before reading")

	st, err := b.lock.State()
	require.NoError(t, err)
	assert.False(t, st.Dirty)

	require.NoError(t, b.UpdateRaw(0, after))
	got, err = b.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, after, got)
}

func writeEntry(index uint64, before, after []byte, flags wal.Flag) []byte {
	buf := make([]byte, 0, 8+4+len(before)+len(after)+1)
	buf = binary.BigEndian.AppendUint64(buf, index)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(after)))
	buf = append(buf, before...)
	buf = append(buf, after...)
	return append(buf, byte(flags))
}

func TestCrash_ReplayFailure(t *testing.T) {
	env := newCrashEnv(t)
	rec := env.encode(record.Record{"GZA", 1966, "USA"})
	short := []byte("abc")

	tests := []struct {
		name string
		log  []byte
	}{
		{"unknown flag", writeEntry(0, rec, rec, 0x80)},
		{"length mismatch", writeEntry(0, short, short, wal.FlagCommitted)},
		{"slot beyond body", writeEntry(7, rec, rec, wal.FlagCommitted)},
		{"append far past end", writeEntry(5, make([]byte, len(rec)), rec, wal.FlagAppend)},
	}

	e := env.create()
	_, err := e.AppendRaw(rec)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.dm.File(WALPath(env.path)).SetBytes(tt.log)
			_, err := open(env.dm, env.path, env.cfg)
			assert.ErrorIs(t, err, ErrWALReplayFailure)
		})
	}
}

func TestCrash_RedoCommittedEntries(t *testing.T) {
	env := newCrashEnv(t)
	before := env.encode(record.Record{"GZA", 1966, "USA"})
	after := env.encode(record.Record{"RZA", 1969, "USA"})
	added := env.encode(record.Record{"Bjork", 1965, "Iceland"})

	e := env.create()
	_, err := e.AppendRaw(before)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Committed entries whose slot writes were lost.
	log := writeEntry(0, before, after, wal.FlagCommitted)
	log = append(log, writeEntry(1, make([]byte, len(added)), added, wal.FlagAppend|wal.FlagCommitted)...)
	env.dm.File(WALPath(env.path)).SetBytes(log)

	e = env.open()
	defer e.Close()

	n, err := e.SlotCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, after, got)
	got, err = e.ReadSlot(1)
	require.NoError(t, err)
	assert.Equal(t, added, got)
}

func TestCrash_FailedLogAppendDoesNotUndoLaterWrite(t *testing.T) {
	env := newCrashEnv(t)
	env.cfg.CheckpointInterval = 10
	first := env.encode(record.Record{"GZA", 1966, "USA"})
	abandoned := env.encode(record.Record{"RZA", 1969, "USA"})
	final := env.encode(record.Record{"Bjork", 1965, "Iceland"})

	a := env.create()
	_, err := a.AppendRaw(first)
	require.NoError(t, err)

	b := env.open()

	env.dm.File(WALPath(env.path)).FailNextSync()
	require.ErrorIs(t, a.UpdateRaw(0, abandoned), mockdm.ErrInjected)

	b.hook = crashAt(StepCommitted)
	require.ErrorIs(t, b.UpdateRaw(0, final), errCrash)
	require.NoError(t, a.Close())

	e := env.open()
	defer e.Close()
	got, err := e.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, final, got, "a committed update survives recovery")
}

func TestCrash_OlderPendingEntriesAreSkipped(t *testing.T) {
	env := newCrashEnv(t)
	first := env.encode(record.Record{"GZA", 1966, "USA"})
	abandoned := env.encode(record.Record{"RZA", 1969, "USA"})
	committed := env.encode(record.Record{"Bjork", 1965, "Iceland"})
	last := env.encode(record.Record{"Daft Punk", 1993, "France"})
	zero := make([]byte, len(first))

	tests := []struct {
		name      string
		log       [][]byte
		wantSlot0 []byte
		wantSlots int64
	}{
		{
			name: "pending update before committed update",
			log: [][]byte{
				writeEntry(0, first, abandoned, 0),
				writeEntry(0, first, committed, wal.FlagCommitted),
			},
			wantSlot0: committed,
			wantSlots: 1,
		},
		{
			name: "pending append before committed update",
			log: [][]byte{
				writeEntry(1, zero, abandoned, wal.FlagAppend),
				writeEntry(0, first, committed, wal.FlagCommitted),
			},
			wantSlot0: committed,
			wantSlots: 1,
		},
		{
			name: "newest pending entry is still rolled back",
			log: [][]byte{
				writeEntry(0, first, abandoned, 0),
				writeEntry(0, first, committed, wal.FlagCommitted),
				writeEntry(0, committed, last, 0),
			},
			wantSlot0: committed,
			wantSlots: 1,
		},
		{
			name: "pending entries around a committed append",
			log: [][]byte{
				writeEntry(0, first, abandoned, 0),
				writeEntry(1, zero, last, wal.FlagAppend|wal.FlagCommitted),
				writeEntry(0, first, committed, 0),
			},
			wantSlot0: first,
			wantSlots: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCrashEnv(t)
			e := env.create()
			_, err := e.AppendRaw(first)
			require.NoError(t, err)
			require.NoError(t, e.Close())

			var log []byte
			for _, entry := range tt.log {
				log = append(log, entry...)
			}
			env.dm.File(WALPath(env.path)).SetBytes(log)

			e = env.open()
			defer e.Close()

			n, err := e.SlotCount()
			require.NoError(t, err)
			assert.Equal(t, tt.wantSlots, n)
			got, err := e.ReadSlot(0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSlot0, got)
			assert.Empty(t, env.dm.File(WALPath(env.path)).Bytes())
		})
	}
}

func stepName(s Step) string {
	return [...]string{"", "locked", "read", "logged", "applied", "committed"}[s]
}
