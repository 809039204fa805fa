package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vjranagit/luxlogger/pkg/types"
)

// readingPrefix namespaces reading keys inside the badger keyspace.
var readingPrefix = []byte("r/")

// badgerRecord is the JSON payload stored per reading before compression.
type badgerRecord struct {
	T int64         `json:"t"`
	V *types.Values `json:"v"`
}

// BadgerBackend implements Backend using BadgerDB. Keys are ordered by the
// reading key, values are zstd-compressed JSON.
type BadgerBackend struct {
	db         *badger.DB
	compressor *Compressor
	logger     *slog.Logger
}

// OpenBadger opens (or creates) a badger database at path.
func OpenBadger(path string, compressionLevel int, logger *slog.Logger) (*BadgerBackend, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable BadgerDB logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(compressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerBackend{db: db, compressor: compressor, logger: logger}, nil
}

// Ping implements Backend.Ping
func (b *BadgerBackend) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return fmt.Errorf("%w: badger database is closed", types.ErrStorageUnavailable)
	}
	return ctx.Err()
}

// Put implements Backend.Put
func (b *BadgerBackend) Put(ctx context.Context, r types.Reading) error {
	if err := b.Ping(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(badgerRecord{T: r.Timestamp.UnixNano(), V: r.Values})
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	key := encodeKey(r.Key())
	value := b.compressor.Compress(payload)

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return b.classify(fmt.Errorf("failed to write reading: %w", err))
	}
	return nil
}

// classify marks errors that mean the database cannot take writes at all.
func (b *BadgerBackend) classify(err error) error {
	if b.db.IsClosed() || errors.Is(err, badger.ErrBlockedWrites) || errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", types.ErrStorageUnavailable, err)
	}
	return err
}

// Scan implements Backend.Scan
func (b *BadgerBackend) Scan(ctx context.Context, start, end float64) ([]types.Reading, error) {
	if err := b.Ping(ctx); err != nil {
		return nil, err
	}

	var out []types.Reading
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = readingPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(encodeKey(start)); it.ValidForPrefix(readingPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if decodeKey(item.Key()) > end {
				break
			}
			r, err := b.decodeItem(item)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, b.classify(fmt.Errorf("failed to scan readings: %w", err))
	}
	return out, nil
}

// Latest implements Backend.Latest
func (b *BadgerBackend) Latest(ctx context.Context) (types.Reading, bool, error) {
	if err := b.Ping(ctx); err != nil {
		return types.Reading{}, false, err
	}

	var (
		r     types.Reading
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = readingPrefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefixEnd())
		if !it.ValidForPrefix(readingPrefix) {
			return nil
		}
		var err error
		r, err = b.decodeItem(it.Item())
		found = err == nil
		return err
	})
	if err != nil {
		return types.Reading{}, false, b.classify(fmt.Errorf("failed to read latest: %w", err))
	}
	return r, found, nil
}

// Stats implements Backend.Stats
func (b *BadgerBackend) Stats(ctx context.Context) (Stats, error) {
	if err := b.Ping(ctx); err != nil {
		return Stats{}, err
	}

	var st Stats
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = readingPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var first, last float64
		for it.Rewind(); it.ValidForPrefix(readingPrefix); it.Next() {
			k := decodeKey(it.Item().Key())
			if st.Count == 0 {
				first = k
			}
			last = k
			st.Count++
		}
		if st.Count > 0 {
			st.Oldest = types.TimeFromKey(first)
			st.Newest = types.TimeFromKey(last)
		}
		return nil
	})
	if err != nil {
		return Stats{}, b.classify(fmt.Errorf("failed to collect stats: %w", err))
	}
	return st, nil
}

// Close implements Backend.Close
func (b *BadgerBackend) Close() error {
	b.compressor.Close()
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}

func (b *BadgerBackend) decodeItem(item *badger.Item) (types.Reading, error) {
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return types.Reading{}, err
	}
	payload, err := b.compressor.Decompress(raw)
	if err != nil {
		return types.Reading{}, err
	}
	var rec badgerRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return types.Reading{}, fmt.Errorf("failed to decode reading %v: %w", decodeKey(item.Key()), err)
	}
	if rec.V == nil {
		rec.V = types.NewValues(0)
	}
	return types.Reading{Timestamp: time.Unix(0, rec.T).UTC(), Values: rec.V}, nil
}

// encodeKey maps a float64 onto 8 bytes whose lexicographic order matches
// numeric order.
func encodeKey(k float64) []byte {
	bits := math.Float64bits(k)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, len(readingPrefix)+8)
	copy(buf, readingPrefix)
	binary.BigEndian.PutUint64(buf[len(readingPrefix):], bits)
	return buf
}

func decodeKey(key []byte) float64 {
	bits := binary.BigEndian.Uint64(bytes.TrimPrefix(key, readingPrefix))
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func prefixEnd() []byte {
	return append(append([]byte{}, readingPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
}
