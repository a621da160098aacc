package store

import (
	"fmt"
)

// SortMode orders search results.
type SortMode string

const (
	// SortRelevance orders by FTS5 bm25 rank (best match first).
	SortRelevance SortMode = "relevance"
	// SortChronological orders by conversation start time descending,
	// with rank as the tie-break.
	SortChronological SortMode = "chronological"
)

// SearchTurns runs a full-text query over turn content and returns one
// page of hits plus the exact total match count. Hidden conversations are
// always excluded. The caller is responsible for rejecting empty queries;
// an empty FTS match expression would error.
func (s *Store) SearchTurns(query string, limit, offset int, sort SortMode, partition Partition) ([]SearchHit, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	ftsQuery := sanitizeFTS(query)
	filter := partitionClause(partition)

	var total int
	if err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM turns_fts f
		JOIN turns t ON t.rowid = f.rowid
		JOIN conversations c ON c.id = t.conversation_id
		WHERE turns_fts MATCH ? AND c.hidden = 0`+filter,
		ftsQuery,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count search: %w", err)
	}

	order := "ORDER BY f.rank"
	if sort == SortChronological {
		order = "ORDER BY c.started_at DESC, f.rank"
	}

	rows, err := s.db.Query(`
		SELECT
			c.id, c.origin, c.group_key, c.title, c.preview, c.turn_count,
			c.started_at, c.last_activity_at, c.last_indexed_at, c.unread, c.hidden,
			t.turn_id,
			snippet(turns_fts, 0, '[', ']', '…', 16),
			f.rank
		FROM turns_fts f
		JOIN turns t ON t.rowid = f.rowid
		JOIN conversations c ON c.id = t.conversation_id
		WHERE turns_fts MATCH ? AND c.hidden = 0`+filter+`
		`+order+` LIMIT ? OFFSET ?`,
		ftsQuery, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var origin string
		var started, activity, indexed int64
		var unread, hidden int
		if err := rows.Scan(
			&h.Conversation.ID, &origin, &h.Conversation.GroupKey,
			&h.Conversation.Title, &h.Conversation.Preview, &h.Conversation.TurnCount,
			&started, &activity, &indexed, &unread, &hidden,
			&h.TurnID, &h.Snippet, &h.Rank,
		); err != nil {
			return nil, 0, fmt.Errorf("store: scan hit: %w", err)
		}
		h.Conversation.Origin = Origin(origin)
		h.Conversation.StartedAt = timeOrZero(started)
		h.Conversation.LastActivityAt = timeOrZero(activity)
		h.Conversation.LastIndexedAt = timeOrZero(indexed)
		h.Conversation.Unread = unread != 0
		h.Conversation.Hidden = hidden != 0
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: iterate hits: %w", err)
	}
	return hits, total, nil
}
