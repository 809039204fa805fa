package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/types"
	"github.com/vjranagit/luxlogger/pkg/validate"
)

func init() {
	logging.Discard()
}

var baseTime = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

// fakeBackend is an in-memory Backend with switchable failures.
type fakeBackend struct {
	mu       sync.Mutex
	points   map[float64]types.Reading
	order    []float64 // keys in Put order
	down     bool
	failFrom int // Put fails as unavailable once this many puts succeeded; 0 disables
	puts     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{points: make(map[float64]types.Reading)}
}

func (f *fakeBackend) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%w: fake backend down", types.ErrStorageUnavailable)
	}
	return nil
}

func (f *fakeBackend) Put(ctx context.Context, r types.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || (f.failFrom > 0 && f.puts >= f.failFrom) {
		return fmt.Errorf("%w: fake backend down", types.ErrStorageUnavailable)
	}
	for _, fl := range r.Values.Fields() {
		if math.IsNaN(fl.Value) {
			return fmt.Errorf("sensor %q: cannot encode NaN", fl.ID)
		}
	}
	f.puts++
	f.points[r.Key()] = r
	f.order = append(f.order, r.Key())
	return nil
}

func (f *fakeBackend) Scan(ctx context.Context, start, end float64) ([]types.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, fmt.Errorf("%w: fake backend down", types.ErrStorageUnavailable)
	}
	var out []types.Reading
	for k, r := range f.points {
		if k >= start && k <= end {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (f *fakeBackend) Latest(ctx context.Context) (types.Reading, bool, error) {
	rs, err := f.Scan(ctx, math.Inf(-1), math.Inf(1))
	if err != nil || len(rs) == 0 {
		return types.Reading{}, false, err
	}
	return rs[len(rs)-1], true, nil
}

func (f *fakeBackend) Stats(ctx context.Context) (Stats, error) {
	rs, err := f.Scan(ctx, math.Inf(-1), math.Inf(1))
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Count: len(rs)}
	if len(rs) > 0 {
		st.Oldest, st.Newest = rs[0].Timestamp, rs[len(rs)-1].Timestamp
	}
	return st, nil
}

func (f *fakeBackend) Close() error { return nil }

func values(pairs ...any) *types.Values {
	v := types.NewValues(len(pairs) / 2)
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Set(pairs[i].(string), pairs[i+1].(float64))
	}
	return v
}

func newBadgerStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	b, err := OpenBadger(filepath.Join(t.TempDir(), "badger"), 2, nil)
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	s := New(b, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAddFlushQuery(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ts := baseTime.Add(time.Duration(i) * time.Minute)
		if ok, _ := s.Add(ts, values("b", float64(i), "a", 20.0)); !ok {
			t.Fatalf("Add %d rejected", i)
		}
	}
	if s.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", s.Pending())
	}

	res, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res != (FlushResult{Persisted: 3, Total: 3}) {
		t.Errorf("FlushResult = %+v", res)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending after flush = %d", s.Pending())
	}

	first, err := s.Query(ctx, baseTime, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	second, err := s.Query(ctx, baseTime, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("got %d and %d readings, want 3", len(first), len(second))
	}
	for i := range first {
		if !first[i].Timestamp.Equal(second[i].Timestamp) || !first[i].Values.Equal(second[i].Values) {
			t.Errorf("reading %d differs between identical queries", i)
		}
		if keys := first[i].Values.Keys(); keys[0] != "b" || keys[1] != "a" {
			t.Errorf("key order = %v, want [b a]", keys)
		}
	}

	// An empty flush is a no-op.
	res, err = s.Flush(ctx)
	if err != nil || res != (FlushResult{}) {
		t.Errorf("empty flush = %+v, %v", res, err)
	}
}

func TestStoreLastWriteWins(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	s.Add(baseTime, values("x", 1.0))
	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s.Add(baseTime, values("x", 2.0, "y", 3.0))
	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := s.Query(ctx, baseTime, baseTime)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d readings, want 1", len(got))
	}
	if !got[0].Values.Equal(values("x", 2.0, "y", 3.0)) {
		t.Errorf("values = %v, want the second write", got[0].Values.Fields())
	}
}

func TestStoreQueryInclusiveRange(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Add(baseTime.Add(time.Duration(i)*time.Minute), values("v", float64(i)))
	}
	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	tests := []struct {
		name       string
		start, end time.Time
		want       int
	}{
		{"both bounds hit", baseTime.Add(2 * time.Minute), baseTime.Add(5 * time.Minute), 4},
		{"single point", baseTime.Add(3 * time.Minute), baseTime.Add(3 * time.Minute), 1},
		{"between points", baseTime.Add(90 * time.Second), baseTime.Add(100 * time.Second), 0},
		{"inverted", baseTime.Add(5 * time.Minute), baseTime, 0},
		{"everything", baseTime.Add(-time.Hour), baseTime.Add(time.Hour), 10},
	}
	for _, tt := range tests {
		got, err := s.Query(ctx, tt.start, tt.end)
		if err != nil {
			t.Fatalf("%s: Query: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: got %d readings, want %d", tt.name, len(got), tt.want)
		}
		for i := 1; i < len(got); i++ {
			if !got[i-1].Timestamp.Before(got[i].Timestamp) {
				t.Errorf("%s: readings not ascending at %d", tt.name, i)
			}
		}
	}
}

func TestStoreUnavailableKeepsBuffer(t *testing.T) {
	fb := newFakeBackend()
	s := New(fb)
	ctx := context.Background()

	fb.setDown(true)
	s.Add(baseTime, values("v", 1.0))
	s.Add(baseTime.Add(time.Minute), values("v", 2.0))

	res, err := s.Flush(ctx)
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if res.Persisted != 0 || res.Total != 2 {
		t.Errorf("FlushResult = %+v", res)
	}
	if s.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", s.Pending())
	}

	fb.setDown(false)
	res, err = s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if res.Persisted != 2 || s.Pending() != 0 {
		t.Errorf("FlushResult = %+v, pending %d", res, s.Pending())
	}
}

func TestStoreMidFlushOutageRequeuesInOrder(t *testing.T) {
	fb := newFakeBackend()
	fb.failFrom = 1
	s := New(fb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Add(baseTime.Add(time.Duration(i)*time.Minute), values("v", float64(i)))
	}

	res, err := s.Flush(ctx)
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if res.Persisted != 1 || res.Total != 3 || res.Dropped != 0 {
		t.Errorf("FlushResult = %+v", res)
	}
	if s.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", s.Pending())
	}

	s.Add(baseTime.Add(10*time.Minute), values("v", 10.0))

	fb.mu.Lock()
	fb.failFrom = 0
	fb.mu.Unlock()

	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := []time.Time{baseTime, baseTime.Add(time.Minute), baseTime.Add(2 * time.Minute), baseTime.Add(10 * time.Minute)}
	if len(fb.order) != len(want) {
		t.Fatalf("put order = %v", fb.order)
	}
	for i, ts := range want {
		if fb.order[i] != types.Key(ts) {
			t.Errorf("put %d = %v, want %v", i, fb.order[i], types.Key(ts))
		}
	}
}

func TestStorePartialPersistDropsBadReadings(t *testing.T) {
	dlPath := filepath.Join(t.TempDir(), "dead", "letters.jsonl")
	dl, err := OpenDeadLetterLog(dlPath)
	if err != nil {
		t.Fatalf("OpenDeadLetterLog: %v", err)
	}
	s := newBadgerStore(t, WithDeadLetter(dl))
	ctx := context.Background()

	s.Add(baseTime, values("v", 1.0))
	s.Add(baseTime.Add(time.Minute), values("v", math.NaN()))
	s.Add(baseTime.Add(2*time.Minute), values("v", 3.0))

	res, err := s.Flush(ctx)
	if !errors.Is(err, types.ErrPartialPersist) {
		t.Fatalf("err = %v, want ErrPartialPersist", err)
	}
	if res != (FlushResult{Persisted: 2, Total: 3, Dropped: 1}) {
		t.Errorf("FlushResult = %+v", res)
	}
	if s.Pending() != 0 {
		t.Errorf("dropped reading must not be retried, pending = %d", s.Pending())
	}

	got, err := s.Query(ctx, baseTime, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d readings, want 2", len(got))
	}

	var letters []DeadLetter
	err = ReadDeadLetters(dlPath, func(d DeadLetter) error {
		letters = append(letters, d)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadDeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	r, err := letters[0].Reading()
	if err != nil {
		t.Fatalf("Reading: %v", err)
	}
	if v, _ := r.Values.Get("v"); !math.IsNaN(v) {
		t.Errorf("dead letter value = %v, want NaN", v)
	}
}

func TestStoreValidatorRejects(t *testing.T) {
	v, err := validate.New(validate.DefaultConfig())
	if err != nil {
		t.Fatalf("validate.New: %v", err)
	}
	s := New(newFakeBackend(), WithValidator(v))

	ok, msgs := s.Add(time.Now(), values("calculations.temp", 20.0))
	if ok {
		t.Fatal("expected rejection")
	}
	if len(msgs) == 0 {
		t.Error("expected rejection messages")
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
}

// scenarioValues builds a 150-sensor reading with 10 temperature sensors.
func scenarioValues(seed int) *types.Values {
	v := types.NewValues(150)
	for i := 0; i < 10; i++ {
		v.Set(fmt.Sprintf("calculations.ID_WEB_Temperatur_%d", i), 20.0+float64(seed))
	}
	for i := 10; i < 150; i++ {
		v.Set(fmt.Sprintf("parameters.ID_Einst_%d", i), float64(i))
	}
	return v
}

func TestStoreThreeValidReadings(t *testing.T) {
	v, err := validate.New(validate.DefaultConfig())
	if err != nil {
		t.Fatalf("validate.New: %v", err)
	}
	s := newBadgerStore(t, WithValidator(v))
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if ok, msgs := s.Add(now.Add(time.Duration(i-3)*time.Minute), scenarioValues(i)); !ok {
			t.Fatalf("reading %d rejected: %v", i, msgs)
		}
	}

	res, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Persisted != 3 || res.Total != 3 {
		t.Errorf("FlushResult = %+v", res)
	}

	got, err := s.Query(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d readings, want 3", len(got))
	}
	for i, r := range got {
		if r.Values.Len() != 150 {
			t.Errorf("reading %d has %d values", i, r.Values.Len())
		}
		if v, _ := r.Values.Get("calculations.ID_WEB_Temperatur_0"); v != 20.0+float64(i) {
			t.Errorf("reading %d temperature = %v", i, v)
		}
	}
}

func TestStoreConcurrentAddAndFlush(t *testing.T) {
	fb := newFakeBackend()
	s := New(fb)
	ctx := context.Background()

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ts := baseTime.Add(time.Duration(w*perWriter+i) * time.Second)
				s.Add(ts, values("v", float64(i)))
				if i%10 == 0 {
					s.Flush(ctx)
				}
			}
		}(w)
	}
	wg.Wait()

	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("final Flush: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Count != writers*perWriter {
		t.Errorf("stored %d readings, want %d", st.Count, writers*perWriter)
	}
}

func TestStoreQueryCacheSeesFlushedReadings(t *testing.T) {
	cache, err := NewQueryCache(1<<20, time.Minute)
	if err != nil {
		t.Fatalf("NewQueryCache: %v", err)
	}
	s := newBadgerStore(t, WithCache(cache))
	ctx := context.Background()

	s.Add(baseTime, values("v", 1.0))
	s.Flush(ctx)

	end := baseTime.Add(time.Hour)
	got, _ := s.Query(ctx, baseTime, end)
	cache.Wait()
	if len(got) != 1 {
		t.Fatalf("got %d readings, want 1", len(got))
	}

	s.Add(baseTime.Add(time.Minute), values("v", 2.0))
	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err = s.Query(ctx, baseTime, end)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d readings after flush, want 2", len(got))
	}
}

type recordingSink struct {
	mu  sync.Mutex
	got int
}

func (r *recordingSink) Write(ctx context.Context, rs []types.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got += len(rs)
	return errors.New("sink offline")
}

func TestStoreSinkFailureDoesNotFailFlush(t *testing.T) {
	sink := &recordingSink{}
	s := New(newFakeBackend(), WithSink(sink))

	s.Add(baseTime, values("v", 1.0))
	s.Add(baseTime.Add(time.Minute), values("v", 2.0))
	if _, err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sink.got != 2 {
		t.Errorf("sink received %d readings, want 2", sink.got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = "etcd"
	if _, err := Open(cfg); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestKeyEncodingPreservesOrder(t *testing.T) {
	keys := []float64{math.Inf(-1), -1e9, -1.5, -0.0, 0, 1e-9, 1, 1718452800.123456, math.Inf(1)}
	for i := 1; i < len(keys); i++ {
		a, b := encodeKey(keys[i-1]), encodeKey(keys[i])
		if string(a) > string(b) {
			t.Errorf("encodeKey(%v) > encodeKey(%v)", keys[i-1], keys[i])
		}
	}
	for _, k := range keys {
		if got := decodeKey(encodeKey(k)); got != k {
			t.Errorf("decodeKey(encodeKey(%v)) = %v", k, got)
		}
	}
}
