package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const commitCollection = "commits"
const embeddingDims = 64

// ChromemStore is a VectorStore backed by an embedded chromem-go
// database, grounded on the teacher's pkg/vector.ChromemProvider. Unlike
// the teacher, which receives pre-computed embeddings from an external
// embedder, commit summaries here are embedded locally with a
// deterministic hashing scheme (no external embedding API is in scope
// for this runtime) so semantic commit lookup works fully offline.
type ChromemStore struct {
	db  *chromem.DB
	mu  sync.Mutex
	col *chromem.Collection
}

// NewChromemStore opens (or creates) an in-memory chromem-go database.
// persistPath, if non-empty, makes the store gzip-persist to disk.
func NewChromemStore(persistPath string) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, true)
		if err != nil {
			return nil, fmt.Errorf("session: opening chromem db at %s: %w", persistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(commitCollection, nil, hashEmbed)
	if err != nil {
		return nil, fmt.Errorf("session: creating commit collection: %w", err)
	}
	return &ChromemStore{db: db, col: col}, nil
}

// Upsert embeds and stores text under id, satisfying the Tracker's
// VectorStore interface.
func (s *ChromemStore) Upsert(ctx context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := chromem.Document{ID: id, Content: text}
	return s.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU())
}

// Search returns the commit IDs whose summaries are closest to query.
func (s *ChromemStore) Search(ctx context.Context, query string, topK int) ([]string, error) {
	vec, err := hashEmbed(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	results, err := s.col.QueryEmbedding(ctx, vec, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("session: semantic commit search: %w", err)
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

// hashEmbed turns text into a fixed-size pseudo-embedding by hashing
// overlapping trigrams into buckets, giving cosine similarity between
// texts that share substrings without requiring a network call.
func hashEmbed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDims)
	if len(text) < 3 {
		vec[0] = 1
		return vec, nil
	}
	for i := 0; i+3 <= len(text); i++ {
		h := fnv.New32a()
		_, _ = h.Write([]byte(text[i : i+3]))
		vec[h.Sum32()%embeddingDims]++
	}
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return vec, nil
	}
	norm := float32(math.Sqrt(sumSquares))
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}
