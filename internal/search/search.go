// Package search is the query surface over the store: full-text search
// with a fuzzy title fallback, record listing, and the read/hidden flag
// operations.
package search

import (
	"log/slog"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/chronicle/internal/logging"
	"github.com/asheshgoplani/chronicle/internal/store"
)

var searchLog = logging.ForComponent(logging.CompSearch)

const (
	// DefaultLimit is the page size when the caller passes none.
	DefaultLimit = 20
	// MaxLimit caps a single page.
	MaxLimit = 100
	// fuzzyPool is how many recent records the title fallback ranks over.
	fuzzyPool = 200
)

// Query is one search request.
type Query struct {
	Text      string
	Limit     int
	Offset    int
	Sort      store.SortMode
	Partition store.Partition
}

// Result is one search response page.
type Result struct {
	Hits    []store.SearchHit
	Total   int
	HasMore bool
	// Fuzzy is set when the full-text engine found nothing and the hits
	// come from fuzzy matching over record titles instead.
	Fuzzy bool
}

// Service wraps a store with query defaults and fallback behavior.
type Service struct {
	st  *store.Store
	log *slog.Logger
}

// New creates a Service over st.
func New(st *store.Store) *Service {
	return &Service{st: st, log: searchLog}
}

// Search runs a full-text query. A blank query returns an empty result
// without touching the engine. When full-text matching finds nothing, the
// first page falls back to fuzzy matching over recent record titles so a
// half-remembered name still resolves.
func (s *Service) Search(q Query) (Result, error) {
	q = normalize(q)
	if q.Text == "" {
		return Result{Hits: []store.SearchHit{}}, nil
	}

	hits, total, err := s.st.SearchTurns(q.Text, q.Limit, q.Offset, q.Sort, q.Partition)
	if err != nil {
		return Result{}, err
	}
	if total == 0 && q.Offset == 0 {
		return s.fuzzyFallback(q)
	}

	return Result{
		Hits:    hits,
		Total:   total,
		HasMore: q.Offset+len(hits) < total,
	}, nil
}

// fuzzyFallback ranks recent record display names against the query.
func (s *Service) fuzzyFallback(q Query) (Result, error) {
	recent, err := s.st.RecentConversations(fuzzyPool, q.Partition)
	if err != nil {
		return Result{}, err
	}

	names := make([]string, len(recent))
	for i := range recent {
		names[i] = recent[i].DisplayName()
	}

	matches := fuzzy.Find(q.Text, names)
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	hits := make([]store.SearchHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, store.SearchHit{
			Conversation: recent[m.Index],
			Snippet:      recent[m.Index].Preview,
			Rank:         float64(-m.Score),
		})
	}

	s.log.Debug("fuzzy_fallback",
		slog.String("query", q.Text),
		slog.Int("matches", len(hits)),
	)
	return Result{Hits: hits, Total: len(hits), Fuzzy: true}, nil
}

// ListRecords returns one page of records plus the exact total.
func (s *Service) ListRecords(limit, offset int, partition store.Partition) ([]store.Conversation, int, error) {
	limit, offset = ClampPage(limit, offset)
	if partition == "" {
		partition = store.PartitionAll
	}
	return s.st.ListConversations(limit, offset, partition)
}

// GetRecord returns one record with its turns.
func (s *Service) GetRecord(id string) (*store.Conversation, []store.Turn, error) {
	return s.st.GetConversation(id)
}

// MarkRead clears a record's unread flag.
func (s *Service) MarkRead(id string) error {
	return s.st.MarkRead(id)
}

// SetHidden soft-deletes or restores a record.
func (s *Service) SetHidden(id string, hidden bool) error {
	return s.st.SetHidden(id, hidden)
}

func normalize(q Query) Query {
	q.Text = strings.TrimSpace(q.Text)
	q.Limit, q.Offset = ClampPage(q.Limit, q.Offset)
	if q.Sort == "" {
		q.Sort = store.SortRelevance
	}
	if q.Partition == "" {
		q.Partition = store.PartitionAll
	}
	return q
}

// ClampPage applies the paging defaults and bounds. Callers that echo
// paging values back report the clamped ones, not the raw request.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
