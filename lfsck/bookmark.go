package lfsck

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/tidwall/buntdb"

	"github.com/parafs/lfsckd/xerr"
)

// recordLen is the fixed on-disk layout size: three uint32s, two FIDs
// (8+4+4 bytes each), one more uint32, plus an 8-byte trailing checksum.
const recordLen = 4 + 4 + 4 + (8 + 4 + 4) + (8 + 4 + 4) + 4 + 8

// BookmarkStore is the on-disk persistent scan-state object of spec.md §4.2:
// a fixed-layout record at a dedicated key, little-endian encoded, guarded
// by a trailing xxhash64 checksum so a torn write is detectable on load.
// Backed by github.com/tidwall/buntdb, an embedded transactional KV store
// (a teacher direct dependency) standing in for the dedicated bookmark
// object the original persists via the object store.
type BookmarkStore struct {
	db *buntdb.DB
}

// OpenBookmarkStore opens (creating if absent) the bookmark database at
// path. Pass ":memory:" for a transient, in-process store (used by tests).
func OpenBookmarkStore(path string) (*BookmarkStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bookmark: open %s: %w", path, err)
	}
	return &BookmarkStore{db: db}, nil
}

func (s *BookmarkStore) Close() error { return s.db.Close() }

func bookmarkKey(device string) string { return "lfsck/bookmark/" + device }

// Load reads the persisted record for device, or (zero, false, nil) if none
// exists yet.
func (s *BookmarkStore) Load(device string) (Bookmark, bool, error) {
	var (
		bm    Bookmark
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(bookmarkKey(device))
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		decoded, derr := decodeBookmark([]byte(raw))
		if derr != nil {
			return derr
		}
		bm, found = decoded, true
		return nil
	})
	if err != nil {
		return Bookmark{}, false, fmt.Errorf("bookmark: load %s: %w", device, err)
	}
	return bm, found, nil
}

// Save writes bm for device inside a declared transaction (the analogue of
// declaring a record-write intent inside the enclosing trans_start/stop).
// Callers must hold the owning Instance's mutex (spec.md §4.2).
func (s *BookmarkStore) Save(device string, bm Bookmark) error {
	bm.Param = bm.Param.persistable()
	encoded := encodeBookmark(bm)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(bookmarkKey(device), string(encoded), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("bookmark: save %s: %w", device, err)
	}
	return nil
}

func encodeBookmark(bm Bookmark) []byte {
	buf := make([]byte, recordLen)
	le := binary.LittleEndian
	off := 0
	le.PutUint32(buf[off:], bm.SpeedLimit)
	off += 4
	le.PutUint32(buf[off:], bm.AsyncWindows)
	off += 4
	le.PutUint32(buf[off:], uint32(bm.Param))
	off += 4
	le.PutUint64(buf[off:], bm.LastFID.Seq)
	off += 8
	le.PutUint32(buf[off:], bm.LastFID.OID)
	off += 4
	le.PutUint32(buf[off:], bm.LastFID.Ver)
	off += 4
	le.PutUint64(buf[off:], bm.LPFFID.Seq)
	off += 8
	le.PutUint32(buf[off:], bm.LPFFID.OID)
	off += 4
	le.PutUint32(buf[off:], bm.LPFFID.Ver)
	off += 4
	le.PutUint32(buf[off:], bm.Version)
	off += 4
	sum := xxhash.Checksum64(buf[:off])
	le.PutUint64(buf[off:], sum)
	return buf
}

func decodeBookmark(buf []byte) (Bookmark, error) {
	if len(buf) != recordLen {
		return Bookmark{}, fmt.Errorf("bookmark: bad record length %d: %w", len(buf), xerr.ErrIOError)
	}
	le := binary.LittleEndian
	body := buf[:recordLen-8]
	wantSum := le.Uint64(buf[recordLen-8:])
	if gotSum := xxhash.Checksum64(body); gotSum != wantSum {
		return Bookmark{}, fmt.Errorf("bookmark: checksum mismatch (torn write): %w", xerr.ErrIOError)
	}
	var bm Bookmark
	off := 0
	bm.SpeedLimit = le.Uint32(buf[off:])
	off += 4
	bm.AsyncWindows = le.Uint32(buf[off:])
	off += 4
	bm.Param = ParamFlags(le.Uint32(buf[off:]))
	off += 4
	bm.LastFID.Seq = le.Uint64(buf[off:])
	off += 8
	bm.LastFID.OID = le.Uint32(buf[off:])
	off += 4
	bm.LastFID.Ver = le.Uint32(buf[off:])
	off += 4
	bm.LPFFID.Seq = le.Uint64(buf[off:])
	off += 8
	bm.LPFFID.OID = le.Uint32(buf[off:])
	off += 4
	bm.LPFFID.Ver = le.Uint32(buf[off:])
	off += 4
	bm.Version = le.Uint32(buf[off:])
	return bm, nil
}
