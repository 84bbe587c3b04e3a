package store

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/minio/crc64nvme"

	"github.com/mulgadc/ringproxy/backend"
	"github.com/mulgadc/ringproxy/stream"
)

// Store is the Badger-backed object store a storage node serves replicas
// and fragments from. Values are whole objects; the node daemon only ever
// holds one replica or one fragment per key, both bounded in size by the
// proxy's placement.
type Store struct {
	db *badger.DB
}

// ObjectInfo is the stored metadata for one object. TotalSize differs from
// Size only for erasure-coded fragments, where it carries the original
// object length.
type ObjectInfo struct {
	Size      int64  `json:"size"`
	TotalSize int64  `json:"total_size"`
	ETag      string `json:"etag"`
	ModTime   int64  `json:"mod_time"`
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func metaKey(bucket, object string, fragment int) []byte {
	return []byte(fmt.Sprintf("meta:%s/%s#%d", bucket, object, fragment))
}

func dataKey(bucket, object string, fragment int) []byte {
	return []byte(fmt.Sprintf("data:%s/%s#%d", bucket, object, fragment))
}

// Put stores an object read from r. The ETag is a crc64nvme checksum of the
// content.
func (s *Store) Put(bucket, object string, fragment int, r io.Reader, size, totalSize int64) (ObjectInfo, error) {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read object body: %w", err)
	}
	if int64(len(data)) != size {
		return ObjectInfo{}, fmt.Errorf("short object body: got %d of %d bytes", len(data), size)
	}
	if totalSize <= 0 {
		totalSize = size
	}

	info := ObjectInfo{
		Size:      size,
		TotalSize: totalSize,
		ETag:      fmt.Sprintf("%016x", crc64nvme.Checksum(data)),
		ModTime:   time.Now().UnixNano(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return ObjectInfo{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(metaKey(bucket, object, fragment), meta); err != nil {
			return err
		}
		return txn.Set(dataKey(bucket, object, fragment), data)
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("store object: %w", err)
	}
	return info, nil
}

// Stat returns an object's metadata.
func (s *Store) Stat(bucket, object string, fragment int) (ObjectInfo, error) {
	var info ObjectInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(bucket, object, fragment))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if err == badger.ErrKeyNotFound {
		return ObjectInfo{}, backend.ErrNotFoundError.WithResource(bucket + "/" + object)
	}
	if err != nil {
		return ObjectInfo{}, err
	}
	return info, nil
}

// Get returns an object's content, optionally restricted to a byte range.
// The returned start/end describe the served window within the object.
func (s *Store) Get(bucket, object string, fragment int, rng stream.ByteRange) (ObjectInfo, []byte, int64, int64, error) {
	info, err := s.Stat(bucket, object, fragment)
	if err != nil {
		return ObjectInfo{}, nil, 0, 0, err
	}

	start, end, err := resolveRange(rng, info.Size)
	if err != nil {
		return ObjectInfo{}, nil, 0, 0, err
	}

	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(bucket, object, fragment))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte(nil), val[start:end+1]...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return ObjectInfo{}, nil, 0, 0, backend.ErrNotFoundError.WithResource(bucket + "/" + object)
	}
	if err != nil {
		return ObjectInfo{}, nil, 0, 0, err
	}
	return info, data, start, end, nil
}

// Delete removes an object. Deleting a missing object reports not-found so
// the proxy's quorum layer can count it.
func (s *Store) Delete(bucket, object string, fragment int) error {
	if _, err := s.Stat(bucket, object, fragment); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(metaKey(bucket, object, fragment)); err != nil {
			return err
		}
		return txn.Delete(dataKey(bucket, object, fragment))
	})
}

// resolveRange maps a ByteRange onto a concrete [start, end] window within
// an object of the given size.
func resolveRange(rng stream.ByteRange, size int64) (int64, int64, error) {
	switch rng.Kind {
	case stream.RangeAbsent:
		if size == 0 {
			return 0, -1, nil
		}
		return 0, size - 1, nil
	case stream.RangeBounded:
		if rng.Start >= size {
			return 0, 0, backend.ErrRangeNotSatisfiableError
		}
		end := rng.End
		if end >= size {
			end = size - 1
		}
		return rng.Start, end, nil
	case stream.RangeFrom:
		if rng.Start >= size {
			return 0, 0, backend.ErrRangeNotSatisfiableError
		}
		return rng.Start, size - 1, nil
	case stream.RangeSuffix:
		start := size - rng.SuffixLen
		if start < 0 {
			start = 0
		}
		if size == 0 {
			return 0, 0, backend.ErrRangeNotSatisfiableError
		}
		return start, size - 1, nil
	}
	return 0, 0, backend.ErrInvalidRangeError
}
