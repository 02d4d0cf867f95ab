package wm

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/robomem/robomem/pkg/core"
)

// Snapshot wire format: a fixed header followed by a msgpack body,
// optionally gzip-compressed. The checksum covers the body as written.

var snapshotMagic = [4]byte{'R', 'M', 'W', 'M'}

const (
	snapshotVersion    = 1
	snapshotFlagGzip   = 1 << 0
	snapshotHeaderSize = 4 + 1 + 1 + 2 + 8 + 4 // magic, version, flags, reserved, bodyLen, checksum
)

type snapshotRecord struct {
	Key          int64     `msgpack:"key"`
	Content      string    `msgpack:"content"`
	TokenCount   int       `msgpack:"token_count"`
	AccessCount  int64     `msgpack:"access_count"`
	LastAccessed time.Time `msgpack:"last_accessed"`
	AddedAt      time.Time `msgpack:"added_at"`
	FromRecall   bool      `msgpack:"from_recall"`
	FromSync     bool      `msgpack:"from_sync"`
}

type snapshotBody struct {
	MaxTokens int              `msgpack:"max_tokens"`
	TakenAt   time.Time        `msgpack:"taken_at"`
	Records   []snapshotRecord `msgpack:"records"`
}

// WriteSnapshot serializes the current records to w. The record order is
// insertion order so snapshots of equal state are byte-identical.
func (wm *WorkingMemory) WriteSnapshot(w io.Writer, compress bool) error {
	wm.mu.Lock()
	body := snapshotBody{
		MaxTokens: wm.maxTokens,
		TakenAt:   wm.clock(),
	}
	for _, rec := range wm.sortedLocked(func(a, b *Record) bool { return a.seq < b.seq }) {
		body.Records = append(body.Records, snapshotRecord{
			Key:          int64(rec.Key),
			Content:      rec.Content,
			TokenCount:   rec.TokenCount,
			AccessCount:  rec.AccessCount,
			LastAccessed: rec.LastAccessed,
			AddedAt:      rec.AddedAt,
			FromRecall:   rec.FromRecall,
			FromSync:     rec.FromSync,
		})
	}
	wm.mu.Unlock()

	raw, err := msgpack.Marshal(body)
	if err != nil {
		return core.Wrap(core.KindDatabase, "wm.WriteSnapshot", err)
	}

	payload := raw
	var flags byte
	if compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return core.Wrap(core.KindDatabase, "wm.WriteSnapshot", err)
		}
		if err := gz.Close(); err != nil {
			return core.Wrap(core.KindDatabase, "wm.WriteSnapshot", err)
		}
		payload = buf.Bytes()
		flags |= snapshotFlagGzip
	}

	hdr := make([]byte, snapshotHeaderSize)
	copy(hdr[0:4], snapshotMagic[:])
	hdr[4] = snapshotVersion
	hdr[5] = flags
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(payload)))
	binary.BigEndian.PutUint32(hdr[16:20], crc32.ChecksumIEEE(payload))

	if _, err := w.Write(hdr); err != nil {
		return core.Wrap(core.KindDatabase, "wm.WriteSnapshot", err)
	}
	if _, err := w.Write(payload); err != nil {
		return core.Wrap(core.KindDatabase, "wm.WriteSnapshot", err)
	}
	return nil
}

// ReadSnapshot replaces the current records with the snapshot read from r.
// Corrupt or truncated input leaves the working memory untouched.
func (wm *WorkingMemory) ReadSnapshot(r io.Reader) error {
	hdr := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return core.Wrap(core.KindDatabase, "wm.ReadSnapshot", err)
	}
	if !bytes.Equal(hdr[0:4], snapshotMagic[:]) {
		return core.E(core.KindDatabase, "wm.ReadSnapshot", "bad magic bytes")
	}
	if hdr[4] != snapshotVersion {
		return core.E(core.KindDatabase, "wm.ReadSnapshot", "unsupported snapshot version %d", hdr[4])
	}
	flags := hdr[5]
	bodyLen := binary.BigEndian.Uint64(hdr[8:16])
	wantSum := binary.BigEndian.Uint32(hdr[16:20])

	payload := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return core.Wrap(core.KindDatabase, "wm.ReadSnapshot", err)
	}
	if got := crc32.ChecksumIEEE(payload); got != wantSum {
		return core.E(core.KindDatabase, "wm.ReadSnapshot", "checksum mismatch: got %08x want %08x", got, wantSum)
	}

	raw := payload
	if flags&snapshotFlagGzip != 0 {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return core.Wrap(core.KindDatabase, "wm.ReadSnapshot", err)
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return core.Wrap(core.KindDatabase, "wm.ReadSnapshot", err)
		}
		if err := gz.Close(); err != nil {
			return core.Wrap(core.KindDatabase, "wm.ReadSnapshot", err)
		}
	}

	var body snapshotBody
	if err := msgpack.Unmarshal(raw, &body); err != nil {
		return core.Wrap(core.KindDatabase, "wm.ReadSnapshot", err)
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.records = make(map[core.NodeID]*Record, len(body.Records))
	wm.current = 0
	for _, sr := range body.Records {
		wm.nextSeq++
		rec := &Record{
			Key:          core.NodeID(sr.Key),
			Content:      sr.Content,
			TokenCount:   sr.TokenCount,
			AccessCount:  sr.AccessCount,
			LastAccessed: sr.LastAccessed,
			AddedAt:      sr.AddedAt,
			FromRecall:   sr.FromRecall,
			FromSync:     sr.FromSync,
			seq:          wm.nextSeq,
			touch:        wm.nextSeq,
		}
		wm.records[rec.Key] = rec
		wm.current += rec.TokenCount
	}
	return nil
}
