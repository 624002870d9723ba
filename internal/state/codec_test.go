package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/user/incidentd/internal/types"
)

// recordingStore wraps a MemStore and records write operations.
type recordingStore struct {
	*MemStore
	mu      sync.Mutex
	ops     []string
	failIDs map[string]bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemStore: NewMemStore(), failIDs: map[string]bool{}}
}

func (r *recordingStore) Upsert(ctx context.Context, doc *types.Document) error {
	r.mu.Lock()
	r.ops = append(r.ops, "upsert "+doc.ID)
	fail := r.failIDs[doc.ID]
	r.mu.Unlock()
	if fail {
		return errors.New("write rejected")
	}
	return r.MemStore.Upsert(ctx, doc)
}

func (r *recordingStore) Delete(ctx context.Context, id, partition string) error {
	r.mu.Lock()
	r.ops = append(r.ops, "delete "+id)
	r.mu.Unlock()
	return r.MemStore.Delete(ctx, id, partition)
}

func (r *recordingStore) reset() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.ops
	r.ops = nil
	return ops
}

func sessionWithEvents(t *testing.T, n int) *types.Session {
	t.Helper()
	s, err := types.NewSession("Link down", "eth0 on core-1 is down")
	require.NoError(t, err)
	s.Status = types.StatusCompleted
	s.Diagnosis = "cable fault on core-1 eth0"
	s.TurnCount = 1
	for i := 0; i < n; i++ {
		s.Events = append(s.Events, types.Event{
			Index:     int64(i),
			Kind:      types.KindMessageDelta,
			Payload:   []byte(fmt.Sprintf(`{"text":"part %d"}`, i)),
			Timestamp: time.Unix(1700000000+int64(i), 0).UTC(),
		})
	}
	return s
}

func newTestCodec(t *testing.T, store types.DocumentStore, opts ...CodecOption) *Codec {
	t.Helper()
	c, err := NewCodec(store, opts...)
	require.NoError(t, err)
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	store := NewMemStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 250)

	m, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 3, m.ChunkCount)
	require.Equal(t, 4, store.Len())

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, loaded.Partial)
	require.Equal(t, s.Diagnosis, loaded.Diagnosis)
	require.Equal(t, s.Status, loaded.Status)
	requireSameEvents(t, s.Events, loaded.Events)
}

func requireSameEvents(t *testing.T, want, got []types.Event) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Index, got[i].Index)
		require.Equal(t, want[i].Kind, got[i].Kind)
		require.JSONEq(t, string(want[i].Payload), string(got[i].Payload))
		require.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
	}
}

func TestCodecMissingChunkIsPartial(t *testing.T) {
	store := NewMemStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 250)

	m, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, store.Delete(context.Background(), m.Chunks[2], string(s.ID)))

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, loaded.Partial)
	require.Len(t, loaded.Events, 200)
	require.Equal(t, int64(199), loaded.Events[199].Index)
}

func TestCodecCorruptChunkIsPartial(t *testing.T) {
	store := NewMemStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 150)

	m, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, ChunkID(s.ID, 1, 0), m.Chunks[0])

	doc, err := store.Get(context.Background(), m.Chunks[0], string(s.ID))
	require.NoError(t, err)
	doc.Body = []byte(`{"session_id":"x","chunk_index":0,"events":[]}`)
	require.NoError(t, store.Upsert(context.Background(), doc))

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, loaded.Partial)
	require.Len(t, loaded.Events, 50)
	require.Equal(t, int64(100), loaded.Events[0].Index)
}

func TestCodecIdempotentSave(t *testing.T) {
	store := newRecordingStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 250)

	_, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	first, err := store.Query(context.Background(), "", types.Filter{})
	require.NoError(t, err)
	store.reset()

	_, err = codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []string{"upsert " + ManifestID(s.ID)}, store.reset())

	second, err := store.Query(context.Background(), "", types.Filter{})
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		require.Equal(t, first[i].ID, second[i].ID)
		require.Equal(t, first[i].Body, second[i].Body)
	}
}

func TestCodecAppendRewritesOnlyTail(t *testing.T) {
	store := newRecordingStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 250)

	first, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	store.reset()

	s.Events = append(s.Events, types.Event{Index: 250, Kind: types.KindRunCompleted, Payload: []byte(`{}`)})
	second, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 2, second.Generation)
	require.Equal(t, first.Chunks[:2], second.Chunks[:2])
	require.Equal(t, []string{
		"upsert " + ChunkID(s.ID, 2, 2),
		"upsert " + ManifestID(s.ID),
		"delete " + first.Chunks[2],
	}, store.reset())
}

func TestCodecWritesManifestAfterChunks(t *testing.T) {
	store := newRecordingStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 120)

	_, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	ops := store.reset()
	require.Equal(t, "upsert "+ManifestID(s.ID), ops[len(ops)-1])
}

func TestCodecFailedChunkLeavesManifestUntouched(t *testing.T) {
	store := newRecordingStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 120)

	saved, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	before, err := store.Get(context.Background(), ManifestID(s.ID), string(s.ID))
	require.NoError(t, err)

	// Chunk 1 changes and chunk 2 is new; only chunk 2 is rejected.
	s = sessionWithEvents(t, 250)
	s.ID = saved.SessionID
	store.failIDs[ChunkID(s.ID, 2, 2)] = true
	_, err = codec.Encode(context.Background(), s)
	require.Error(t, err)

	after, err := store.Get(context.Background(), ManifestID(s.ID), string(s.ID))
	require.NoError(t, err)
	require.Equal(t, before.Body, after.Body)

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, loaded.Partial)
	requireSameEvents(t, sessionWithEvents(t, 120).Events, loaded.Events)

	chunks, err := store.Query(context.Background(), string(s.ID), types.Filter{Kind: KindChunk})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, doc := range chunks {
		require.Contains(t, saved.Chunks, doc.ID)
	}

	delete(store.failIDs, ChunkID(s.ID, 2, 2))
	m, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 3, m.ChunkCount)
	loaded, err = codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, loaded.Partial)
	requireSameEvents(t, s.Events, loaded.Events)
}

func TestCodecRemovesOrphanChunks(t *testing.T) {
	store := NewMemStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 250)

	_, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)

	s.Events = s.Events[:50]
	m, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 1, m.ChunkCount)

	chunks, err := store.Query(context.Background(), string(s.ID), types.Filter{Kind: KindChunk})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestCodecKeepsEvictedChunks(t *testing.T) {
	store := newRecordingStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 250)

	first, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	store.reset()

	// The in-memory log evicted everything below index 150.
	all := append([]types.Event(nil), s.Events...)
	s.Events = s.Events[150:]
	s.Events = append(s.Events, types.Event{Index: 250, Kind: types.KindRunCompleted, Payload: []byte(`{}`)})
	m, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []string{
		"upsert " + ChunkID(s.ID, 2, 2),
		"upsert " + ManifestID(s.ID),
		"delete " + first.Chunks[2],
	}, store.reset())
	require.Equal(t, int64(0), m.FirstIndex)
	require.Equal(t, first.Chunks[:2], m.Chunks[:2])

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, loaded.Partial)
	requireSameEvents(t, append(all, s.Events[len(s.Events)-1]), loaded.Events)
}

func TestCodecMergesPartlyHeldChunk(t *testing.T) {
	codec := newTestCodec(t, NewMemStore())
	full := sessionWithEvents(t, 261)
	s := full.Clone()
	s.Events = s.Events[:250]

	_, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)

	// Memory now starts in the middle of chunk 2 and holds newer events.
	s.Events = full.Events[220:]
	_, err = codec.Encode(context.Background(), s)
	require.NoError(t, err)

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, loaded.Partial)
	requireSameEvents(t, full.Events, loaded.Events)
}

func TestCodecGapIsPartial(t *testing.T) {
	codec := newTestCodec(t, NewMemStore())
	s := sessionWithEvents(t, 250)

	m, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, codec.store.Delete(context.Background(), m.Chunks[2], string(s.ID)))

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, loaded.Partial)
	require.Equal(t, int64(250), loaded.NextIndex)

	// New events land in the lost chunk's range; the hole stays visible.
	loaded.Events = append(loaded.Events, types.Event{Index: 250, Kind: types.KindRunStarted, Payload: []byte(`{}`)})
	m, err = codec.Encode(context.Background(), loaded)
	require.NoError(t, err)
	require.Equal(t, int64(251), m.NextIndex)

	again, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, again.Partial)
	require.Len(t, again.Events, 201)
	require.Equal(t, int64(250), again.Events[200].Index)
}

func TestCodecReadsChunksAcrossCompressionChange(t *testing.T) {
	store := NewMemStore()
	s := sessionWithEvents(t, 150)
	_, err := newTestCodec(t, store).Encode(context.Background(), s)
	require.NoError(t, err)

	packed := newTestCodec(t, store, WithCompression(true))
	s.Events = append(s.Events, sessionWithEvents(t, 230).Events[150:]...)
	_, err = packed.Encode(context.Background(), s)
	require.NoError(t, err)

	loaded, err := packed.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, loaded.Partial)
	requireSameEvents(t, s.Events, loaded.Events)
}

func TestCodecEmptyLog(t *testing.T) {
	store := NewMemStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 0)

	m, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 0, m.ChunkCount)
	require.Equal(t, 1, store.Len())

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, loaded.Partial)
	require.Empty(t, loaded.Events)
}

func TestCodecCompression(t *testing.T) {
	store := NewMemStore()
	codec := newTestCodec(t, store, WithCompression(true))
	s := sessionWithEvents(t, 180)

	_, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)

	loaded, err := codec.Decode(context.Background(), s.ID)
	require.NoError(t, err)
	requireSameEvents(t, s.Events, loaded.Events)
}

func TestCodecRejectsOversizedChunk(t *testing.T) {
	codec := newTestCodec(t, NewMemStore(), WithMaxDocumentSize(256))
	s := sessionWithEvents(t, 20)

	_, err := codec.Encode(context.Background(), s)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestCodecDeleteOrder(t *testing.T) {
	store := newRecordingStore()
	codec := newTestCodec(t, store)
	s := sessionWithEvents(t, 250)

	_, err := codec.Encode(context.Background(), s)
	require.NoError(t, err)
	store.reset()

	require.NoError(t, codec.Delete(context.Background(), s.ID))
	ops := store.reset()
	require.Len(t, ops, 4)
	require.Equal(t, "delete "+ManifestID(s.ID), ops[3])
	require.Equal(t, 0, store.Len())

	_, err = codec.Decode(context.Background(), s.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestCodecListManifests(t *testing.T) {
	codec := newTestCodec(t, NewMemStore())
	for i := 0; i < 3; i++ {
		_, err := codec.Encode(context.Background(), sessionWithEvents(t, i*40))
		require.NoError(t, err)
	}
	ms, err := codec.ListManifests(context.Background())
	require.NoError(t, err)
	require.Len(t, ms, 3)
}

func TestCodecRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(s)) == s for any log length and chunk size", prop.ForAll(
		func(n, chunkSize int, compress bool) bool {
			codec, err := NewCodec(NewMemStore(), WithChunkSize(chunkSize), WithCompression(compress))
			if err != nil {
				return false
			}
			s := sessionWithEvents(t, n)
			if _, err := codec.Encode(context.Background(), s); err != nil {
				return false
			}
			loaded, err := codec.Decode(context.Background(), s.ID)
			if err != nil || loaded.Partial || len(loaded.Events) != n {
				return false
			}
			for i := range s.Events {
				if loaded.Events[i].Index != s.Events[i].Index || string(loaded.Events[i].Payload) != string(s.Events[i].Payload) {
					return false
				}
			}
			return loaded.Scenario == s.Scenario && loaded.TurnCount == s.TurnCount
		},
		gen.IntRange(0, 400),
		gen.IntRange(1, 150),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
