package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/curbgrid/curbgrid/pkg/types"
)

// archiveLog is the durable side of the checkpoint archive: an append-only
// JSON-lines file. Each archived checkpoint is appended as one record; on
// open the log is replayed to rebuild the in-memory archive. A corrupt
// trailing record (torn write) stops replay at the last good record.
type archiveLog struct {
	file *os.File
	enc  *json.Encoder
	path string
	seq  uint64
}

type archiveRecord struct {
	Seq        uint64           `json:"seq"`
	Checkpoint types.Checkpoint `json:"checkpoint"`
}

// openArchiveLog opens (or creates) the log in append mode.
func openArchiveLog(path string) (*archiveLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive log: %w", err)
	}
	return &archiveLog{
		file: file,
		enc:  json.NewEncoder(file),
		path: path,
	}, nil
}

// replay streams every decodable record to fn in append order and leaves
// seq positioned after the last good record. Decode errors end the replay
// without failing it: everything before the torn tail is still served.
func (l *archiveLog) replay(fn func(types.Checkpoint)) error {
	reader, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open archive log for replay: %w", err)
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	for {
		var rec archiveRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Torn or corrupt tail; keep what replayed so far.
			return nil
		}
		l.seq = rec.Seq
		fn(rec.Checkpoint)
	}
}

// append writes one checkpoint record and syncs it to disk.
func (l *archiveLog) append(cp types.Checkpoint) error {
	l.seq++
	rec := archiveRecord{Seq: l.seq, Checkpoint: cp}
	if err := l.enc.Encode(rec); err != nil {
		return fmt.Errorf("append archive record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync archive log: %w", err)
	}
	return nil
}

func (l *archiveLog) close() error {
	return l.file.Close()
}
