// Package kvstore is a replicated key/value map driven by raft.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/KilimcininKorOglu/raftkit/internal/raft"
	"github.com/pkg/errors"
)

// Command types.
const (
	CmdPut    uint8 = 1
	CmdDelete uint8 = 2
	CmdRename uint8 = 3
)

// ErrCorrupted is returned for commands or snapshots that cannot be decoded.
var ErrCorrupted = errors.New("kvstore: corrupted data")

// Op is a decoded command.
type Op struct {
	Type   uint8
	Key    string
	NewKey string // CmdRename only
	Value  []byte // CmdPut only
}

// PutCommand returns the command storing value under key.
func PutCommand(key string, value []byte) raft.Command {
	return encodeOp(Op{Type: CmdPut, Key: key, Value: value})
}

// DeleteCommand returns the command removing key.
func DeleteCommand(key string) raft.Command {
	return encodeOp(Op{Type: CmdDelete, Key: key})
}

// RenameCommand returns the command moving the value of oldKey to newKey.
func RenameCommand(oldKey, newKey string) raft.Command {
	return encodeOp(Op{Type: CmdRename, Key: oldKey, NewKey: newKey})
}

// Store implements raft.StateMachine over an in-memory map.
type Store struct {
	mu      sync.RWMutex
	data    map[string][]byte
	applied uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Apply implements raft.StateMachine. A command that cannot be decoded is
// skipped so that one bad entry does not stall every replica.
func (s *Store) Apply(_ context.Context, cmds []raft.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cmd := range cmds {
		s.applied++
		op, err := DecodeOp(cmd)
		if err != nil {
			continue
		}
		switch op.Type {
		case CmdPut:
			s.data[op.Key] = op.Value
		case CmdDelete:
			delete(s.data, op.Key)
		case CmdRename:
			// Renaming a missing key is a no-op.
			if v, ok := s.data[op.Key]; ok {
				delete(s.data, op.Key)
				s.data[op.NewKey] = v
			}
		}
	}
	return nil
}

// TakeSnapshot implements raft.StateMachine. Keys are written in sorted
// order so equal states produce equal images.
func (s *Store) TakeSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(keys)))
	for _, k := range keys {
		writeString(&buf, k)
		writeBytes(&buf, s.data[k])
	}
	return buf.Bytes(), nil
}

// LoadSnapshot implements raft.StateMachine. The current contents are
// replaced.
func (s *Store) LoadSnapshot(image []byte) error {
	data := make(map[string][]byte)
	if len(image) > 0 {
		r := bytes.NewReader(image)
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return errors.Wrap(ErrCorrupted, "snapshot header")
		}
		for i := uint32(0); i < count; i++ {
			k, err := readString(r)
			if err != nil {
				return errors.Wrapf(err, "snapshot key %d", i)
			}
			v, err := readBytes(r)
			if err != nil {
				return errors.Wrapf(err, "snapshot value %d", i)
			}
			data[k] = v
		}
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Keys returns the sorted keys with the given prefix.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Applied returns the number of commands applied since the store was
// created. Commands restored from a snapshot are not counted.
func (s *Store) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

func encodeOp(op Op) raft.Command {
	var buf bytes.Buffer
	buf.WriteByte(op.Type)
	writeString(&buf, op.Key)
	switch op.Type {
	case CmdPut:
		writeBytes(&buf, op.Value)
	case CmdRename:
		writeString(&buf, op.NewKey)
	}
	return raft.Command(buf.Bytes())
}

// DecodeOp decodes a command produced by PutCommand, DeleteCommand or
// RenameCommand.
func DecodeOp(cmd raft.Command) (Op, error) {
	r := bytes.NewReader(cmd)
	typ, err := r.ReadByte()
	if err != nil {
		return Op{}, ErrCorrupted
	}
	op := Op{Type: typ}
	if op.Key, err = readString(r); err != nil {
		return Op{}, err
	}
	switch typ {
	case CmdPut:
		op.Value, err = readBytes(r)
	case CmdDelete:
	case CmdRename:
		op.NewKey, err = readString(r)
	default:
		return Op{}, errors.Wrapf(ErrCorrupted, "unknown command type %d", typ)
	}
	if err != nil {
		return Op{}, err
	}
	if r.Len() != 0 {
		return Op{}, errors.Wrap(ErrCorrupted, "trailing bytes")
	}
	return op, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", ErrCorrupted
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrCorrupted
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, ErrCorrupted
	}
	if int64(n) > int64(r.Len()) {
		return nil, ErrCorrupted
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrCorrupted
	}
	return b, nil
}
