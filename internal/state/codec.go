package state

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/user/incidentd/internal/types"
)

const (
	DefaultChunkSize       = 100
	DefaultMaxDocumentSize = 2 << 20

	KindManifest = "manifest"
	KindChunk    = "chunk"
)

// ErrTooLarge is returned when an encoded document exceeds the store's
// per-document ceiling.
var ErrTooLarge = errors.New("document too large")

// Manifest is the per-session index document. It carries every session
// field except the event log, plus what is needed to locate the chunks.
type Manifest struct {
	SessionID          types.SessionID `json:"session_id"`
	Scenario           string          `json:"scenario"`
	AlertText          string          `json:"alert_text"`
	Status             types.Status    `json:"status"`
	ConversationHandle string          `json:"conversation_handle,omitempty"`
	TurnCount          int             `json:"turn_count"`
	Diagnosis          string          `json:"diagnosis"`
	LastError          string          `json:"last_error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`

	ChunkSize  int   `json:"chunk_size"`
	ChunkCount int   `json:"chunk_count"`
	EventCount int   `json:"event_count"`
	FirstIndex int64 `json:"first_index"`
	NextIndex  int64 `json:"next_index"`
	// Generation increases with every save that writes chunk documents.
	// New chunk documents are named after it, so a save never overwrites
	// a chunk the stored manifest still points at.
	Generation int `json:"generation"`
	// Chunks holds the document id of each chunk, indexed by chunk number.
	// An empty entry means the chunk was never written.
	Chunks []string `json:"chunks"`
	// Digests holds the hex BLAKE3 digest of each chunk's event JSON,
	// indexed by chunk number.
	Digests    []string `json:"digests"`
	Compressed bool     `json:"compressed,omitempty"`
}

// Summary projects the manifest into a list entry.
func (m *Manifest) Summary() types.SessionSummary {
	return types.SessionSummary{
		ID:         m.SessionID,
		Scenario:   m.Scenario,
		Status:     m.Status,
		TurnCount:  m.TurnCount,
		EventCount: m.EventCount,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		Persisted:  true,
	}
}

type chunkBody struct {
	SessionID  types.SessionID `json:"session_id"`
	ChunkIndex int             `json:"chunk_index"`
	Events     []types.Event   `json:"events"`
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithChunkSize sets the number of events per chunk document.
func WithChunkSize(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithMaxDocumentSize sets the per-document byte ceiling enforced on write.
func WithMaxDocumentSize(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.maxDocSize = n
		}
	}
}

// WithCompression packs chunk bodies with zstd.
func WithCompression(enabled bool) CodecOption {
	return func(c *Codec) { c.compress = enabled }
}

// WithWriteConcurrency bounds the number of concurrent chunk writes.
func WithWriteConcurrency(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// Codec maps sessions onto a DocumentStore as one manifest document plus
// fixed-size chunks of the event log.
type Codec struct {
	store       types.DocumentStore
	chunkSize   int
	maxDocSize  int
	compress    bool
	concurrency int

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewCodec creates a Codec over store.
func NewCodec(store types.DocumentStore, opts ...CodecOption) (*Codec, error) {
	c := &Codec{
		store:       store,
		chunkSize:   DefaultChunkSize,
		maxDocSize:  DefaultMaxDocumentSize,
		concurrency: 4,
		locks:       make(map[types.SessionID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.encoder = enc
	c.decoder = dec
	return c, nil
}

// ChunkSize returns the configured number of events per chunk.
func (c *Codec) ChunkSize() int {
	return c.chunkSize
}

// getLock returns the per-session mutex serialising saves and deletes.
func (c *Codec) getLock(id types.SessionID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	c.locks[id] = l
	return l
}

func ManifestID(id types.SessionID) string {
	return string(id) + ":" + KindManifest
}

// ChunkID names the document holding chunk n as written by save generation
// gen.
func ChunkID(id types.SessionID, gen, n int) string {
	return string(id) + ":" + KindChunk + ":" + strconv.Itoa(gen) + ":" + strconv.Itoa(n)
}

type encodedChunk struct {
	index  int
	digest string
	body   []byte
}

// Encode persists the session. Changed chunks are written under fresh
// document ids first, then the manifest is switched over to them, then
// chunk documents the new manifest no longer references are removed. A
// failed write leaves the stored manifest and every chunk it references
// untouched. A chunk whose content digest matches the stored manifest is
// not rewritten, and chunks the session does not hold in memory (evicted,
// or unreadable when it was loaded) keep their stored entry.
func (c *Codec) Encode(ctx context.Context, s *types.Session) (*Manifest, error) {
	lock := c.getLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := c.loadManifest(ctx, s.ID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("load previous manifest: %w", err)
	}

	m := c.manifestFor(s, prev)
	chunks, err := c.encodeChunks(ctx, s, m, prev)
	if err != nil {
		return nil, err
	}

	gen := m.Generation + 1
	var dirty []encodedChunk
	for _, ch := range chunks {
		if prev != nil && ch.index < len(prev.Chunks) && prev.Chunks[ch.index] != "" && prev.Digests[ch.index] == ch.digest {
			m.Chunks[ch.index] = prev.Chunks[ch.index]
			continue
		}
		m.Chunks[ch.index] = ChunkID(s.ID, gen, ch.index)
		dirty = append(dirty, ch)
	}
	if len(dirty) > 0 {
		m.Generation = gen
	}
	if prev != nil {
		for n := range m.Chunks {
			if m.Chunks[n] == "" && n < len(prev.Chunks) {
				m.Chunks[n] = prev.Chunks[n]
				m.Digests[n] = prev.Digests[n]
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, ch := range dirty {
		g.Go(func() error {
			doc := &types.Document{
				ID:        m.Chunks[ch.index],
				Partition: string(s.ID),
				Kind:      KindChunk,
				Body:      ch.body,
				UpdatedAt: time.Now().UTC(),
			}
			if err := c.store.Upsert(gctx, doc); err != nil {
				return fmt.Errorf("write chunk %d: %w", ch.index, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.discard(ctx, s.ID, m, dirty)
		return nil, err
	}

	body, err := json.Marshal(m)
	if err != nil {
		c.discard(ctx, s.ID, m, dirty)
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if len(body) > c.maxDocSize {
		c.discard(ctx, s.ID, m, dirty)
		return nil, fmt.Errorf("manifest for %s is %d bytes: %w", s.ID, len(body), ErrTooLarge)
	}
	if err := c.store.Upsert(ctx, &types.Document{
		ID:        ManifestID(s.ID),
		Partition: string(s.ID),
		Kind:      KindManifest,
		Body:      body,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		// The store may still have applied the write, so the new chunks
		// stay until the next save sweeps them.
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := c.deleteChunks(ctx, s.ID, m.Chunks); err != nil {
		// The manifest names the chunks Decode reads, so stale documents
		// are harmless until the next save removes them.
		slog.Warn("orphan chunk cleanup failed", "session_id", string(s.ID), "error", err)
	}

	slog.Debug("session encoded", "session_id", string(s.ID), "chunks", m.ChunkCount, "written", len(dirty), "generation", m.Generation)
	return m, nil
}

// discard removes the chunk documents an aborted save wrote. Failures are
// only logged; the next successful save sweeps whatever is left.
func (c *Codec) discard(ctx context.Context, id types.SessionID, m *Manifest, written []encodedChunk) {
	ctx = context.WithoutCancel(ctx)
	for _, ch := range written {
		if err := c.store.Delete(ctx, m.Chunks[ch.index], string(id)); err != nil && !errors.Is(err, types.ErrNotFound) {
			slog.Warn("discard unreferenced chunk", "session_id", string(id), "chunk", ch.index, "error", err)
		}
	}
}

// manifestFor builds the manifest for s. The chunk layout is fixed by the
// first save, and the stored bounds are only ever widened: history the
// session no longer holds in memory stays addressable.
func (c *Codec) manifestFor(s *types.Session, prev *Manifest) *Manifest {
	m := &Manifest{
		SessionID:          s.ID,
		Scenario:           s.Scenario,
		AlertText:          s.AlertText,
		Status:             s.Status,
		ConversationHandle: s.ConversationHandle,
		TurnCount:          s.TurnCount,
		Diagnosis:          s.Diagnosis,
		LastError:          s.LastError,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		ChunkSize:          c.chunkSize,
		Compressed:         c.compress,
	}
	m.NextIndex = s.NextIndex
	if n := len(s.Events); n > 0 {
		m.FirstIndex = s.Events[0].Index
		m.NextIndex = max(m.NextIndex, s.Events[n-1].Index+1)
	} else {
		m.FirstIndex = m.NextIndex
	}
	if prev != nil {
		if prev.ChunkSize > 0 {
			m.ChunkSize = prev.ChunkSize
		}
		m.Generation = prev.Generation
		if prev.ChunkCount > 0 {
			m.FirstIndex = min(m.FirstIndex, prev.FirstIndex)
		}
	}
	size := int64(m.ChunkSize)
	m.ChunkCount = int((m.NextIndex + size - 1) / size)
	m.EventCount = int(m.NextIndex - m.FirstIndex)
	m.Chunks = make([]string, m.ChunkCount)
	m.Digests = make([]string, m.ChunkCount)
	return m
}

// encodeChunks packs the in-memory events into chunk bodies. A chunk the
// session holds only part of is merged with its stored copy when that copy
// is readable, and left to the stored copy when memory has nothing newer.
func (c *Codec) encodeChunks(ctx context.Context, s *types.Session, m, prev *Manifest) ([]encodedChunk, error) {
	size := int64(m.ChunkSize)
	groups := make(map[int][]types.Event)
	for _, ev := range s.Events {
		n := int(ev.Index / size)
		groups[n] = append(groups[n], ev)
	}

	var out []encodedChunk
	for n := 0; n < m.ChunkCount; n++ {
		events, ok := groups[n]
		if !ok {
			continue
		}
		lo, hi := max(int64(n)*size, m.FirstIndex), min(int64(n+1)*size, m.NextIndex)
		if int64(len(events)) < hi-lo && prev != nil && n < len(prev.Chunks) && prev.Chunks[n] != "" {
			if events[len(events)-1].Index < prev.NextIndex {
				continue
			}
			stored, err := c.readChunk(ctx, prev, n)
			if err != nil {
				slog.Warn("stored chunk unreadable, writing in-memory part only", "session_id", string(s.ID), "chunk", n, "error", err)
			} else {
				events = mergeEvents(stored, events)
			}
		}
		raw, err := json.Marshal(chunkBody{SessionID: s.ID, ChunkIndex: n, Events: events})
		if err != nil {
			return nil, fmt.Errorf("marshal chunk %d: %w", n, err)
		}
		sum := blake3.Sum256(raw)
		digest := hex.EncodeToString(sum[:])
		body := raw
		if c.compress {
			body = c.encoder.EncodeAll(raw, nil)
		}
		if len(body) > c.maxDocSize {
			return nil, fmt.Errorf("chunk %d for %s is %d bytes: %w", n, s.ID, len(body), ErrTooLarge)
		}
		m.Digests[n] = digest
		out = append(out, encodedChunk{index: n, digest: digest, body: body})
	}
	return out, nil
}

// mergeEvents merges two index-ordered slices. On equal indices the event
// from fresh wins.
func mergeEvents(stored, fresh []types.Event) []types.Event {
	out := make([]types.Event, 0, len(stored)+len(fresh))
	i, j := 0, 0
	for i < len(stored) && j < len(fresh) {
		switch {
		case stored[i].Index < fresh[j].Index:
			out = append(out, stored[i])
			i++
		case stored[i].Index > fresh[j].Index:
			out = append(out, fresh[j])
			j++
		default:
			out = append(out, fresh[j])
			i++
			j++
		}
	}
	out = append(out, stored[i:]...)
	return append(out, fresh[j:]...)
}

// Decode loads a session. Chunks that are missing, undecodable, or fail
// their digest check are skipped, and a log with any hole between the
// manifest's first and next index is marked Partial.
func (c *Codec) Decode(ctx context.Context, id types.SessionID) (*types.Session, error) {
	m, err := c.loadManifest(ctx, id)
	if err != nil {
		return nil, err
	}

	size := int64(max(m.ChunkSize, 1))
	chunks := make([][]types.Event, m.ChunkCount)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for n := 0; n < m.ChunkCount; n++ {
		if int64(n+1)*size <= m.FirstIndex {
			continue
		}
		g.Go(func() error {
			events, err := c.readChunk(gctx, m, n)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("chunk unreadable", "session_id", string(id), "chunk", n, "error", err)
				return nil
			}
			chunks[n] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &types.Session{
		ID:                 m.SessionID,
		Scenario:           m.Scenario,
		AlertText:          m.AlertText,
		Status:             m.Status,
		ConversationHandle: m.ConversationHandle,
		TurnCount:          m.TurnCount,
		Diagnosis:          m.Diagnosis,
		LastError:          m.LastError,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		NextIndex:          m.NextIndex,
	}
	expect := m.FirstIndex
	for _, events := range chunks {
		for _, ev := range events {
			if ev.Index < expect || ev.Index >= m.NextIndex {
				continue
			}
			if ev.Index > expect {
				s.Partial = true
			}
			s.Events = append(s.Events, ev)
			expect = ev.Index + 1
		}
	}
	if expect < m.NextIndex {
		s.Partial = true
	}
	return s, nil
}

func (c *Codec) readChunk(ctx context.Context, m *Manifest, n int) ([]types.Event, error) {
	if n >= len(m.Chunks) || m.Chunks[n] == "" {
		return nil, fmt.Errorf("chunk %d: %w", n, types.ErrNotFound)
	}
	doc, err := c.store.Get(ctx, m.Chunks[n], string(m.SessionID))
	if err != nil {
		return nil, err
	}
	raw := doc.Body
	if isZstdFrame(raw) {
		raw, err = c.decoder.DecodeAll(doc.Body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress chunk: %v", types.ErrMalformed, err)
		}
	}
	if m.Digests[n] != "" {
		sum := blake3.Sum256(raw)
		if hex.EncodeToString(sum[:]) != m.Digests[n] {
			return nil, fmt.Errorf("%w: chunk digest mismatch", types.ErrMalformed)
		}
	}
	var body chunkBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: unmarshal chunk: %v", types.ErrMalformed, err)
	}
	for _, ev := range body.Events {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
	}
	return body.Events, nil
}

// isZstdFrame reports whether b starts with the zstd frame magic. Chunks
// kept across a compression change are stored in either form.
func isZstdFrame(b []byte) bool {
	return len(b) >= 4 && b[0] == 0x28 && b[1] == 0xb5 && b[2] == 0x2f && b[3] == 0xfd
}

// Delete removes all chunk documents of a session and then its manifest.
func (c *Codec) Delete(ctx context.Context, id types.SessionID) error {
	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := c.deleteChunks(ctx, id, nil); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, ManifestID(id), string(id)); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}

	c.mu.Lock()
	delete(c.locks, id)
	c.mu.Unlock()
	return nil
}

// deleteChunks removes every chunk document of the session whose id is not
// in keep.
func (c *Codec) deleteChunks(ctx context.Context, id types.SessionID, keep []string) error {
	docs, err := c.store.Query(ctx, string(id), types.Filter{Kind: KindChunk})
	if err != nil {
		return fmt.Errorf("query chunks: %w", err)
	}
	for _, doc := range docs {
		if slices.Contains(keep, doc.ID) {
			continue
		}
		if err := c.store.Delete(ctx, doc.ID, string(id)); err != nil {
			return fmt.Errorf("delete chunk %s: %w", doc.ID, err)
		}
	}
	return nil
}

// Manifest returns the stored manifest of a session.
func (c *Codec) Manifest(ctx context.Context, id types.SessionID) (*Manifest, error) {
	return c.loadManifest(ctx, id)
}

// ListManifests returns the manifests of all persisted sessions.
func (c *Codec) ListManifests(ctx context.Context) ([]*Manifest, error) {
	docs, err := c.store.Query(ctx, "", types.Filter{Kind: KindManifest})
	if err != nil {
		return nil, fmt.Errorf("query manifests: %w", err)
	}
	out := make([]*Manifest, 0, len(docs))
	for _, doc := range docs {
		var m Manifest
		if err := json.Unmarshal(doc.Body, &m); err != nil {
			slog.Warn("skipping undecodable manifest", "id", doc.ID, "error", err)
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

func (c *Codec) loadManifest(ctx context.Context, id types.SessionID) (*Manifest, error) {
	doc, err := c.store.Get(ctx, ManifestID(id), string(id))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(doc.Body, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest for %s: %v", types.ErrMalformed, id, err)
	}
	if m.ChunkCount < 0 || len(m.Chunks) > m.ChunkCount || len(m.Digests) > m.ChunkCount {
		return nil, fmt.Errorf("%w: manifest for %s has inconsistent chunk data", types.ErrMalformed, id)
	}
	m.Chunks = grow(m.Chunks, m.ChunkCount)
	m.Digests = grow(m.Digests, m.ChunkCount)
	return &m, nil
}

func grow(s []string, n int) []string {
	if len(s) >= n {
		return s
	}
	out := make([]string, n)
	copy(out, s)
	return out
}
