package raft

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func persistenceImpls(t *testing.T) map[string]func() Persistence {
	return map[string]func() Persistence{
		"memory": func() Persistence { return NewMemoryPersistence() },
		"file": func() Persistence {
			p, err := NewFilePersistence(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { p.Close() })
			return p
		},
	}
}

func indexes(entries []*LogEntry) []Index {
	out := make([]Index, len(entries))
	for i, e := range entries {
		out[i] = e.Index
	}
	return out
}

func TestPersistenceContract(t *testing.T) {
	for name, open := range persistenceImpls(t) {
		t.Run(name, func(t *testing.T) {
			p := open()

			term, vote, err := p.LoadTermAndVote()
			require.NoError(t, err)
			assert.Zero(t, term)
			assert.True(t, vote.IsZero())

			id := NewServerID()
			require.NoError(t, p.StoreTermAndVote(7, id))
			term, vote, err = p.LoadTermAndVote()
			require.NoError(t, err)
			assert.Equal(t, Term(7), term)
			assert.Equal(t, id, vote)

			require.NoError(t, p.StoreLogEntries(entries(1, 1, 5)))
			require.NoError(t, p.StoreLogEntries(entries(2, 6, 8)))
			loaded, err := p.LoadLog(0)
			require.NoError(t, err)
			assert.Equal(t, []Index{1, 2, 3, 4, 5, 6, 7, 8}, indexes(loaded))
			assert.Equal(t, Term(2), loaded[7].Term)

			loaded, err = p.LoadLog(6)
			require.NoError(t, err)
			assert.Equal(t, []Index{6, 7, 8}, indexes(loaded))

			require.NoError(t, p.TruncateLog(4))
			require.NoError(t, p.StoreLogEntries(entries(3, 4, 4)))
			loaded, err = p.LoadLog(0)
			require.NoError(t, err)
			assert.Equal(t, []Index{1, 2, 3, 4}, indexes(loaded))
			assert.Equal(t, Term(3), loaded[3].Term)

			// Gaps are refused.
			assert.ErrorIs(t, p.StoreLogEntries(entries(3, 9, 9)), ErrLogCorrupted)

			snp, err := p.LoadSnapshot()
			require.NoError(t, err)
			assert.Nil(t, snp)

			conf := NewConfiguration(id, NewServerID())
			require.NoError(t, p.StoreSnapshot(&Snapshot{Index: 3, Term: 1, Config: conf, Data: []byte("state")}, 1))
			snp, err = p.LoadSnapshot()
			require.NoError(t, err)
			require.NotNil(t, snp)
			assert.Equal(t, Index(3), snp.Index)
			assert.Equal(t, Term(1), snp.Term)
			assert.True(t, conf.Equal(snp.Config))
			assert.Equal(t, []byte("state"), snp.Data)

			// One trailing entry is preserved behind the snapshot.
			loaded, err = p.LoadLog(0)
			require.NoError(t, err)
			assert.Equal(t, []Index{3, 4}, indexes(loaded))

			require.NoError(t, p.StoreSnapshot(&Snapshot{Index: 10, Term: 4, Config: conf}, 0))
			loaded, err = p.LoadLog(0)
			require.NoError(t, err)
			assert.Empty(t, loaded)
			require.NoError(t, p.StoreLogEntries(entries(4, 11, 12)))
			loaded, err = p.LoadLog(0)
			require.NoError(t, err)
			assert.Equal(t, []Index{11, 12}, indexes(loaded))
		})
	}
}

func TestBootstrap(t *testing.T) {
	p := NewMemoryPersistence()
	a, b := NewServerID(), NewServerID()

	assert.ErrorIs(t, Bootstrap(p, Configuration{}), ErrInvalidConfiguration)
	require.NoError(t, Bootstrap(p, NewConfiguration(a, b)))

	snp, err := p.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snp)
	assert.Equal(t, Index(0), snp.Index)
	assert.True(t, NewConfiguration(a, b).Equal(snp.Config))

	// A second bootstrap keeps the existing state.
	require.NoError(t, Bootstrap(p, NewConfiguration(a)))
	snp, err = p.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, snp.Config.Current, 2)
}

func TestFilePersistenceReopen(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersistence(dir)
	require.NoError(t, err)

	id := NewServerID()
	require.NoError(t, p.StoreTermAndVote(3, id))
	require.NoError(t, p.StoreLogEntries(entries(3, 1, 4)))
	require.NoError(t, p.StoreSnapshot(&Snapshot{Index: 2, Term: 3, Config: NewConfiguration(id)}, 5))
	require.NoError(t, p.Close())

	p, err = NewFilePersistence(dir)
	require.NoError(t, err)
	defer p.Close()

	term, vote, err := p.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, Term(3), term)
	assert.Equal(t, id, vote)

	loaded, err := p.LoadLog(0)
	require.NoError(t, err)
	assert.Equal(t, []Index{1, 2, 3, 4}, indexes(loaded))

	snp, err := p.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, Index(2), snp.Index)

	// Appends continue where the reopened log ends.
	require.NoError(t, p.StoreLogEntries(entries(3, 5, 5)))
}

func TestFilePersistenceCutsTornTail(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersistence(dir)
	require.NoError(t, err)
	require.NoError(t, p.StoreLogEntries(entries(1, 1, 3)))
	require.NoError(t, p.Close())

	// A crash in the middle of a write leaves a partial record.
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{40, 0, 0, 0, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p, err = NewFilePersistence(dir)
	require.NoError(t, err)
	defer p.Close()

	loaded, err := p.LoadLog(0)
	require.NoError(t, err)
	assert.Equal(t, []Index{1, 2, 3}, indexes(loaded))

	require.NoError(t, p.StoreLogEntries(entries(1, 4, 4)))
	loaded, err = p.LoadLog(0)
	require.NoError(t, err)
	assert.Equal(t, []Index{1, 2, 3, 4}, indexes(loaded))
}

func TestFilePersistenceDetectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersistence(dir)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.StoreSnapshot(&Snapshot{Index: 5, Term: 2, Data: []byte("image")}, 0))
	path := filepath.Join(dir, snapshotFilename(5, 2))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = p.LoadSnapshot()
	assert.ErrorIs(t, err, ErrLogCorrupted)
}

func TestFilePersistenceRemovesOldSnapshots(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersistence(dir)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.StoreSnapshot(&Snapshot{Index: 5, Term: 1}, 0))
	require.NoError(t, p.StoreSnapshot(&Snapshot{Index: 9, Term: 2}, 0))

	_, err = os.Stat(filepath.Join(dir, snapshotFilename(5, 1)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, snapshotFilename(9, 2)))
	assert.NoError(t, err)
}
