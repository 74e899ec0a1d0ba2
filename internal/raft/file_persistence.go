package raft

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

const (
	termFile     = "term.dat"
	logFile      = "raft.log"
	snapMetaFile = "snapshot.meta"

	// Log record header: [length:4][crc32:4]
	recordHeaderSize = 8
	// Records larger than this are treated as corruption.
	maxRecordSize = 256 * 1024 * 1024
)

// FilePersistence stores term, vote, log and snapshots in a directory.
//
// The log is an append-only file of checksummed records. A torn record at the
// tail, left by a crash during a write, is cut off when the file is opened.
// Snapshots are written to a temporary file and renamed into place, then the
// metadata file is switched the same way, so a crash leaves either the old or
// the new snapshot.
type FilePersistence struct {
	dir string

	mu       sync.Mutex
	log      *os.File
	firstIdx Index
	offsets  []int64 // offsets[i] is the file offset of entry firstIdx+i
	size     int64
}

// NewFilePersistence opens or creates the persistence directory.
func NewFilePersistence(dir string) (*FilePersistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	p := &FilePersistence{dir: dir}
	if err := p.openLog(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases the log file.
func (p *FilePersistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.log == nil {
		return nil
	}
	err := p.log.Close()
	p.log = nil
	return err
}

// StoreTermAndVote implements Persistence.
func (p *FilePersistence) StoreTermAndVote(term Term, vote ServerID) error {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint64(data[0:8], uint64(term))
	copy(data[8:24], vote[:])
	return errors.Wrap(p.writeAtomic(termFile, data), "store term and vote")
}

// LoadTermAndVote implements Persistence.
func (p *FilePersistence) LoadTermAndVote() (Term, ServerID, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, termFile))
	if os.IsNotExist(err) {
		return 0, NoServer, nil
	}
	if err != nil {
		return 0, NoServer, errors.Wrap(err, "load term and vote")
	}
	if len(data) < 24 {
		return 0, NoServer, errors.Wrapf(ErrLogCorrupted, "term file has %d bytes", len(data))
	}
	var vote ServerID
	copy(vote[:], data[8:24])
	return Term(binary.LittleEndian.Uint64(data[0:8])), vote, nil
}

// StoreLogEntries implements Persistence.
func (p *FilePersistence) StoreLogEntries(entries []*LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}
	if next := p.nextIndex(); len(p.offsets) > 0 && entries[0].Index != next {
		return errors.Wrapf(ErrLogCorrupted, "append index %d, expected %d", entries[0].Index, next)
	}

	var buf bytes.Buffer
	offsets := make([]int64, 0, len(entries))
	for _, e := range entries {
		offsets = append(offsets, p.size+int64(buf.Len()))
		writeRecord(&buf, e.Serialize())
	}
	if _, err := p.log.WriteAt(buf.Bytes(), p.size); err != nil {
		return errors.Wrap(err, "write log")
	}
	if err := p.log.Sync(); err != nil {
		return errors.Wrap(err, "sync log")
	}
	if len(p.offsets) == 0 {
		p.firstIdx = entries[0].Index
	}
	p.offsets = append(p.offsets, offsets...)
	p.size += int64(buf.Len())
	return nil
}

// TruncateLog implements Persistence.
func (p *FilePersistence) TruncateLog(from Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.offsets) == 0 || from >= p.nextIndex() {
		return nil
	}
	var cut int64
	keep := 0
	if from > p.firstIdx {
		keep = int(from - p.firstIdx)
		cut = p.offsets[keep]
	}
	if err := p.log.Truncate(cut); err != nil {
		return errors.Wrapf(err, "truncate log from %d", from)
	}
	if err := p.log.Sync(); err != nil {
		return errors.Wrap(err, "sync log")
	}
	p.offsets = p.offsets[:keep]
	p.size = cut
	return nil
}

// LoadLog implements Persistence.
func (p *FilePersistence) LoadLog(from Index) ([]*LogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*LogEntry
	_, err := p.scan(func(e *LogEntry, _ int64) {
		if e.Index >= from {
			out = append(out, e)
		}
	})
	return out, err
}

// StoreSnapshot implements Persistence.
func (p *FilePersistence) StoreSnapshot(snp *Snapshot, preserve int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, err := p.loadMeta()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header[0:8], uint64(snp.Index))
	binary.LittleEndian.PutUint64(header[8:16], uint64(snp.Term))
	buf.Write(header)
	writeConfiguration(&buf, snp.Config)
	writeBytes(&buf, snp.Data)
	sum := make([]byte, 4)
	binary.LittleEndian.PutUint32(sum, crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(sum)

	name := snapshotFilename(snp.Index, snp.Term)
	if err := p.writeAtomic(name, buf.Bytes()); err != nil {
		return errors.Wrapf(err, "store snapshot %d", snp.Index)
	}
	meta := make([]byte, 16)
	copy(meta, header)
	if err := p.writeAtomic(snapMetaFile, meta); err != nil {
		return errors.Wrap(err, "store snapshot meta")
	}
	if prev != nil {
		if old := snapshotFilename(prev.Index, prev.Term); old != name {
			_ = os.Remove(filepath.Join(p.dir, old))
		}
	}

	var keepFrom Index = 1
	if uint64(snp.Index) > uint64(preserve) {
		keepFrom = snp.Index - Index(preserve) + 1
	}
	return p.compact(keepFrom)
}

// LoadSnapshot implements Persistence.
func (p *FilePersistence) LoadSnapshot() (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	meta, err := p.loadMeta()
	if err != nil || meta == nil {
		return nil, err
	}
	path := filepath.Join(p.dir, snapshotFilename(meta.Index, meta.Term))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read snapshot %d", meta.Index)
	}
	if len(data) < 20 {
		return nil, errors.Wrapf(ErrLogCorrupted, "snapshot %d too short", meta.Index)
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, errors.Wrapf(ErrLogCorrupted, "snapshot %d checksum mismatch", meta.Index)
	}

	snp := &Snapshot{
		Index: Index(binary.LittleEndian.Uint64(body[0:8])),
		Term:  Term(binary.LittleEndian.Uint64(body[8:16])),
	}
	r := bytes.NewReader(body[16:])
	if snp.Config, err = readConfiguration(r); err != nil {
		return nil, errors.Wrapf(ErrLogCorrupted, "snapshot %d configuration: %v", meta.Index, err)
	}
	if snp.Data, err = readBytes(r); err != nil {
		return nil, errors.Wrapf(ErrLogCorrupted, "snapshot %d data: %v", meta.Index, err)
	}
	return snp, nil
}

func snapshotFilename(index Index, term Term) string {
	return "snapshot-" + strconv.FormatUint(uint64(index), 10) + "-" + strconv.FormatUint(uint64(term), 10) + ".snap"
}

func (p *FilePersistence) loadMeta() (*SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, snapMetaFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot meta")
	}
	if len(data) < 16 {
		return nil, errors.Wrap(ErrLogCorrupted, "snapshot meta too short")
	}
	return &SnapshotMeta{
		Index: Index(binary.LittleEndian.Uint64(data[0:8])),
		Term:  Term(binary.LittleEndian.Uint64(data[8:16])),
	}, nil
}

func (p *FilePersistence) nextIndex() Index {
	return p.firstIdx + Index(len(p.offsets))
}

// openLog opens the log file and rebuilds the offset index, cutting off a
// torn tail.
func (p *FilePersistence) openLog() error {
	f, err := os.OpenFile(filepath.Join(p.dir, logFile), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrap(err, "open log")
	}
	p.log = f
	p.offsets = nil
	p.firstIdx = 0

	good, err := p.scan(func(e *LogEntry, off int64) {
		if len(p.offsets) == 0 {
			p.firstIdx = e.Index
		}
		p.offsets = append(p.offsets, off)
	})
	if err != nil {
		f.Close()
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "stat log")
	}
	if st.Size() > good {
		if err := f.Truncate(good); err != nil {
			f.Close()
			return errors.Wrap(err, "truncate torn log tail")
		}
	}
	p.size = good
	return nil
}

// scan reads every valid record from the start of the log and returns the
// offset just past the last one. Reading stops at the first bad record.
func (p *FilePersistence) scan(fn func(e *LogEntry, off int64)) (int64, error) {
	r := bufio.NewReader(io.NewSectionReader(p.log, 0, 1<<62))
	var off int64
	var prev Index
	for {
		payload, err := readRecord(r)
		if err != nil {
			return off, nil
		}
		e, err := DeserializeLogEntry(payload)
		if err != nil || (prev != 0 && e.Index != prev+1) {
			return off, nil
		}
		fn(e, off)
		prev = e.Index
		off += int64(recordHeaderSize + len(payload))
	}
}

// compact rewrites the log without entries below keepFrom.
func (p *FilePersistence) compact(keepFrom Index) error {
	if len(p.offsets) == 0 || keepFrom <= p.firstIdx {
		return nil
	}
	var buf bytes.Buffer
	if _, err := p.scan(func(e *LogEntry, _ int64) {
		if e.Index >= keepFrom {
			writeRecord(&buf, e.Serialize())
		}
	}); err != nil {
		return err
	}
	if err := p.log.Close(); err != nil {
		return errors.Wrap(err, "close log")
	}
	if err := p.writeAtomic(logFile, buf.Bytes()); err != nil {
		return errors.Wrap(err, "rewrite log")
	}
	return p.openLog()
}

// writeAtomic replaces name with data through a synced temporary file.
func (p *FilePersistence) writeAtomic(name string, data []byte) error {
	path := filepath.Join(p.dir, name)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(p.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func writeRecord(buf *bytes.Buffer, payload []byte) {
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	buf.Write(header)
	buf.Write(payload)
}

func readRecord(r io.Reader) ([]byte, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[0:4])
	if n > maxRecordSize {
		return nil, ErrLogCorrupted
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(header[4:8]) {
		return nil, ErrLogCorrupted
	}
	return payload, nil
}
