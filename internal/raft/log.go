package raft

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Log entry types.
const (
	EntryCommand uint8 = iota // State machine command
	EntryConfig               // Cluster configuration change
	EntryNoop                 // No-op entry appended by a new leader
)

// LogEntry represents a single entry in the Raft log.
type LogEntry struct {
	Index   Index          // Log index (1-based)
	Term    Term           // Term when entry was created
	Type    uint8          // Entry type (EntryCommand, EntryConfig, EntryNoop)
	Command Command        // Command data for EntryCommand
	Config  *Configuration // Configuration for EntryConfig
}

// size is the approximate encoded size used for batching.
func (e *LogEntry) size() int {
	n := 21 + len(e.Command)
	if e.Config != nil {
		for _, m := range e.Config.Members() {
			n += 17 + len(m.Info)
		}
	}
	return n
}

// Serialize encodes the log entry to bytes.
// Format: [Index:8][Term:8][Type:1][CommandLen:4][Command:N][Config]
func (e *LogEntry) Serialize() []byte {
	var buf bytes.Buffer
	header := make([]byte, 17)
	binary.LittleEndian.PutUint64(header[0:8], uint64(e.Index))
	binary.LittleEndian.PutUint64(header[8:16], uint64(e.Term))
	header[16] = e.Type
	buf.Write(header)
	writeBytes(&buf, e.Command)
	if e.Type == EntryConfig && e.Config != nil {
		writeConfiguration(&buf, *e.Config)
	}
	return buf.Bytes()
}

// DeserializeLogEntry decodes a log entry from bytes.
func DeserializeLogEntry(data []byte) (*LogEntry, error) {
	if len(data) < 21 {
		return nil, ErrLogCorrupted
	}

	e := &LogEntry{
		Index: Index(binary.LittleEndian.Uint64(data[0:8])),
		Term:  Term(binary.LittleEndian.Uint64(data[8:16])),
		Type:  data[16],
	}

	r := bytes.NewReader(data[17:])
	cmd, err := readBytes(r)
	if err != nil {
		return nil, ErrLogCorrupted
	}
	e.Command = cmd

	if e.Type == EntryConfig {
		cfg, err := readConfiguration(r)
		if err != nil {
			return nil, ErrLogCorrupted
		}
		e.Config = &cfg
	}
	return e, nil
}

func writeConfiguration(w io.Writer, c Configuration) {
	writeMembers(w, c.Current)
	writeMembers(w, c.Previous)
}

func readConfiguration(r io.Reader) (Configuration, error) {
	cur, err := readMembers(r)
	if err != nil {
		return Configuration{}, err
	}
	prev, err := readMembers(r)
	if err != nil {
		return Configuration{}, err
	}
	return Configuration{Current: cur, Previous: prev}, nil
}

func writeMembers(w io.Writer, set []ServerAddress) {
	binary.Write(w, binary.LittleEndian, uint16(len(set)))
	for _, m := range set {
		w.Write(m.ID[:])
		var voting uint8
		if m.Voting {
			voting = 1
		}
		w.Write([]byte{voting})
		writeBytes(w, m.Info)
	}
}

func readMembers(r io.Reader) ([]ServerAddress, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	set := make([]ServerAddress, 0, n)
	for i := uint16(0); i < n; i++ {
		var m ServerAddress
		if _, err := io.ReadFull(r, m.ID[:]); err != nil {
			return nil, err
		}
		var voting [1]byte
		if _, err := io.ReadFull(r, voting[:]); err != nil {
			return nil, err
		}
		m.Voting = voting[0] == 1
		info, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		m.Info = info
		set = append(set, m)
	}
	return set, nil
}

func writeBytes(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := w.Write(data)
		return err
	}
	return nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Log holds the in-memory part of the Raft log. Entries below the first
// retained index are represented only by the snapshot.
type Log struct {
	entries  []*LogEntry
	snapshot SnapshotMeta

	// Highest index known to be durable.
	stableIdx Index
	// Lowest index truncated since the last persistence flush, zero if none.
	truncatedFrom Index

	lastConfIdx Index
}

// NewLog creates a log from a snapshot and the entries that follow it.
// Entries at or below the snapshot index may be retained as trailing entries.
func NewLog(snap SnapshotMeta, entries []*LogEntry) *Log {
	l := &Log{snapshot: snap, entries: entries}
	l.stableIdx = l.LastIndex()
	l.recomputeConfIdx()
	return l
}

// FirstIndex returns the index of the first retained entry.
func (l *Log) FirstIndex() Index {
	if len(l.entries) > 0 {
		return l.entries[0].Index
	}
	return l.snapshot.Index + 1
}

// LastIndex returns the index of the last entry.
func (l *Log) LastIndex() Index {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Index
	}
	return l.snapshot.Index
}

// LastTerm returns the term of the last entry.
func (l *Log) LastTerm() Term {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Term
	}
	return l.snapshot.Term
}

// Len returns the number of in-memory entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Snapshot returns the descriptor of the latest snapshot.
func (l *Log) Snapshot() SnapshotMeta {
	return l.snapshot
}

// StableIndex returns the highest persisted index.
func (l *Log) StableIndex() Index {
	return l.stableIdx
}

// TermAt returns the term of the entry at index and whether it is known.
func (l *Log) TermAt(index Index) (Term, bool) {
	if index == 0 {
		return 0, true
	}
	if e := l.entry(index); e != nil {
		return e.Term, true
	}
	if index == l.snapshot.Index {
		return l.snapshot.Term, true
	}
	return 0, false
}

// Get returns the entry at the given index.
func (l *Log) Get(index Index) (*LogEntry, error) {
	if e := l.entry(index); e != nil {
		return e, nil
	}
	return nil, ErrLogIndexOutOfRange
}

func (l *Log) entry(index Index) *LogEntry {
	if len(l.entries) == 0 || index < l.entries[0].Index || index > l.LastIndex() {
		return nil
	}
	return l.entries[index-l.entries[0].Index]
}

// Slice returns entries in [from, to], stopping once maxBytes is exceeded.
// At least one entry is returned when from is in range.
func (l *Log) Slice(from, to Index, maxBytes int) []*LogEntry {
	if from < l.FirstIndex() || from > l.LastIndex() {
		return nil
	}
	if to > l.LastIndex() {
		to = l.LastIndex()
	}
	var out []*LogEntry
	size := 0
	for i := from; i <= to; i++ {
		e := l.entry(i)
		size += e.size()
		if len(out) > 0 && size > maxBytes {
			break
		}
		out = append(out, e)
	}
	return out
}

// Entries returns every retained entry in [from, to].
func (l *Log) Entries(from, to Index) []*LogEntry {
	if from < l.FirstIndex() {
		from = l.FirstIndex()
	}
	if to > l.LastIndex() {
		to = l.LastIndex()
	}
	if from > to {
		return nil
	}
	first := l.entries[0].Index
	out := make([]*LogEntry, 0, to-from+1)
	return append(out, l.entries[from-first:to-first+1]...)
}

// Append adds a new entry to the tail. The entry must follow the last index.
func (l *Log) Append(entry *LogEntry) {
	l.entries = append(l.entries, entry)
	if entry.Type == EntryConfig {
		l.lastConfIdx = entry.Index
	}
}

// MaybeAppend merges entries received from a leader. Entries already present
// with the same term are skipped; the first conflicting entry and everything
// after it are replaced. It returns the index of the last entry merged.
func (l *Log) MaybeAppend(entries []*LogEntry) Index {
	last := Index(0)
	for i, e := range entries {
		last = e.Index
		if e.Index <= l.snapshot.Index && l.entry(e.Index) == nil {
			continue
		}
		t, ok := l.TermAt(e.Index)
		if ok && e.Index <= l.LastIndex() {
			if t == e.Term {
				continue
			}
			l.truncate(e.Index)
		}
		for _, n := range entries[i:] {
			l.Append(n)
		}
		return entries[len(entries)-1].Index
	}
	return last
}

// truncate drops every entry with index >= from.
func (l *Log) truncate(from Index) {
	if len(l.entries) == 0 || from > l.LastIndex() {
		return
	}
	first := l.entries[0].Index
	if from < first {
		from = first
	}
	l.entries = l.entries[:from-first]
	if l.truncatedFrom == 0 || from < l.truncatedFrom {
		l.truncatedFrom = from
	}
	if l.stableIdx >= from {
		l.stableIdx = from - 1
	}
	l.recomputeConfIdx()
}

// Unstable returns the entries that have not been persisted yet together with
// the index the persistent log must be truncated from first (zero if none).
func (l *Log) Unstable() (Index, []*LogEntry) {
	var out []*LogEntry
	if l.stableIdx < l.LastIndex() {
		from := l.stableIdx + 1
		if from < l.FirstIndex() {
			from = l.FirstIndex()
		}
		out = l.entries[from-l.FirstIndex():]
	}
	return l.truncatedFrom, out
}

// StableTo marks everything up to index as persisted.
func (l *Log) StableTo(index Index) {
	if index > l.LastIndex() {
		index = l.LastIndex()
	}
	l.stableIdx = index
	l.truncatedFrom = 0
}

// Compact installs a locally taken snapshot, keeping up to trailing entries
// at or below its index.
func (l *Log) Compact(snap SnapshotMeta, trailing int) {
	if snap.Index <= l.snapshot.Index {
		return
	}
	l.snapshot = snap
	var keepFrom Index = 1
	if uint64(snap.Index) > uint64(trailing) {
		keepFrom = snap.Index - Index(trailing) + 1
	}
	l.dropBefore(keepFrom)
	l.recomputeConfIdx()
}

// Restore replaces the log with a snapshot received from a leader. Entries
// after the snapshot are kept only when the log agrees with it.
func (l *Log) Restore(snap SnapshotMeta) {
	if t, ok := l.TermAt(snap.Index); ok && t == snap.Term && snap.Index <= l.LastIndex() {
		l.snapshot = snap
		l.dropBefore(snap.Index + 1)
	} else {
		l.snapshot = snap
		l.entries = nil
		l.truncatedFrom = snap.Index + 1
		l.stableIdx = snap.Index
	}
	if l.stableIdx < snap.Index {
		l.stableIdx = snap.Index
	}
	l.recomputeConfIdx()
}

func (l *Log) dropBefore(index Index) {
	if len(l.entries) == 0 {
		return
	}
	first := l.entries[0].Index
	if index <= first {
		return
	}
	if index > l.LastIndex() {
		l.entries = nil
		return
	}
	kept := make([]*LogEntry, 0, l.LastIndex()-index+1)
	kept = append(kept, l.entries[index-first:]...)
	l.entries = kept
}

// Configuration returns the latest configuration in the log, falling back to
// the snapshot configuration.
func (l *Log) Configuration() Configuration {
	if e := l.entry(l.lastConfIdx); e != nil && e.Config != nil {
		return *e.Config
	}
	return l.snapshot.Config
}

// ConfigurationAt returns the configuration in effect at index. index must
// not be below the snapshot index.
func (l *Log) ConfigurationAt(index Index) Configuration {
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Index <= l.snapshot.Index {
			break
		}
		if e.Index <= index && e.Type == EntryConfig && e.Config != nil {
			return *e.Config
		}
	}
	return l.snapshot.Config
}

// LastConfIndex returns the index of the latest configuration entry, or the
// snapshot index when the configuration comes from the snapshot.
func (l *Log) LastConfIndex() Index {
	if l.lastConfIdx > 0 {
		return l.lastConfIdx
	}
	return l.snapshot.Index
}

func (l *Log) recomputeConfIdx() {
	l.lastConfIdx = 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Type == EntryConfig && e.Index > l.snapshot.Index {
			l.lastConfIdx = e.Index
			return
		}
	}
}

// IsUpToDate reports whether a log ending at (index, term) is at least as up
// to date as this one.
func (l *Log) IsUpToDate(index Index, term Term) bool {
	return term > l.LastTerm() || (term == l.LastTerm() && index >= l.LastIndex())
}

// conflictHint returns the first index of the term at index, used by
// followers to let the leader skip a whole term on rejection.
func (l *Log) conflictHint(index Index) Index {
	t, ok := l.TermAt(index)
	if !ok {
		return l.LastIndex() + 1
	}
	hint := index
	for hint > l.FirstIndex() {
		pt, ok := l.TermAt(hint - 1)
		if !ok || pt != t {
			break
		}
		hint--
	}
	return hint
}
