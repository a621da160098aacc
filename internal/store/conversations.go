package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Partition filters listing/search by conversation origin.
type Partition string

const (
	PartitionAll       Partition = "all"
	PartitionManual    Partition = "manual"
	PartitionAutomated Partition = "automated"
)

// partitionClause returns the SQL fragment for a partition filter, or ""
// for PartitionAll. The fragment references the conversations alias c.
func partitionClause(p Partition) string {
	switch p {
	case PartitionManual:
		return " AND c.origin = 'manual'"
	case PartitionAutomated:
		return " AND c.origin = 'automated'"
	default:
		return ""
	}
}

// ReplaceConversation upserts the conversation row and replaces its full
// turn set in a single transaction. Turn deletion is ordered strictly
// before reinsertion; a concurrent reader sees either the old turn set or
// the new one, never a mix.
//
// Unread and hidden are preserved for an existing row. For a new row,
// unread starts true only for automated-origin conversations.
func (s *Store) ReplaceConversation(conv *Conversation, turns []Turn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	unread := 0
	if conv.Origin == OriginAutomated {
		unread = 1
	}

	if _, err := tx.Exec(`
		INSERT INTO conversations (
			id, origin, group_key, title, preview, turn_count,
			started_at, last_activity_at, last_indexed_at, unread, hidden
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			origin           = excluded.origin,
			group_key        = excluded.group_key,
			title            = excluded.title,
			preview          = excluded.preview,
			turn_count       = excluded.turn_count,
			started_at       = excluded.started_at,
			last_activity_at = excluded.last_activity_at,
			last_indexed_at  = excluded.last_indexed_at
	`,
		conv.ID, string(conv.Origin), conv.GroupKey, conv.Title, conv.Preview,
		len(turns), unixOrZero(conv.StartedAt), unixOrZero(conv.LastActivityAt),
		unixOrZero(conv.LastIndexedAt), unread,
	); err != nil {
		return fmt.Errorf("store: upsert conversation %s: %w", conv.ID, err)
	}

	if _, err := tx.Exec(
		"DELETE FROM turns WHERE conversation_id = ?", conv.ID,
	); err != nil {
		return fmt.Errorf("store: clear turns %s: %w", conv.ID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO turns (conversation_id, turn_id, seq, role, content, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare turn insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range turns {
		var ts any
		if !t.Timestamp.IsZero() {
			ts = t.Timestamp.Unix()
		}
		if _, err := stmt.Exec(conv.ID, t.TurnID, i, t.Role, t.Content, ts); err != nil {
			return fmt.Errorf("store: insert turn %s/%s: %w", conv.ID, t.TurnID, err)
		}
	}

	return tx.Commit()
}

// LastIndexedAt returns the stored watermark for a conversation id.
// The second return is false when the conversation has never been indexed.
func (s *Store) LastIndexedAt(id string) (time.Time, bool, error) {
	var sec int64
	err := s.db.QueryRow(
		"SELECT last_indexed_at FROM conversations WHERE id = ?", id,
	).Scan(&sec)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: watermark %s: %w", id, err)
	}
	return timeOrZero(sec), true, nil
}

// GetConversation returns a conversation and its ordered turns.
// Returns ErrNotFound for unknown ids; hidden conversations are still
// retrievable by id (hiding only removes them from listing and search).
func (s *Store) GetConversation(id string) (*Conversation, []Turn, error) {
	conv, err := s.scanConversation(s.db.QueryRow(
		convColumns+" FROM conversations c WHERE c.id = ?", id,
	))
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query(`
		SELECT turn_id, role, content, ifnull(ts, 0)
		FROM turns WHERE conversation_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("store: load turns %s: %w", id, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t := Turn{ConversationID: id}
		var sec int64
		if err := rows.Scan(&t.TurnID, &t.Role, &t.Content, &sec); err != nil {
			return nil, nil, fmt.Errorf("store: scan turn: %w", err)
		}
		t.Timestamp = timeOrZero(sec)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: iterate turns: %w", err)
	}
	return conv, turns, nil
}

// ListConversations returns one page of non-hidden conversations ordered
// by most recent activity, plus the exact total for the filter.
func (s *Store) ListConversations(limit, offset int, partition Partition) ([]Conversation, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := "WHERE c.hidden = 0" + partitionClause(partition)

	var total int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM conversations c " + where,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count conversations: %w", err)
	}

	rows, err := s.db.Query(
		convColumns+" FROM conversations c "+where+
			" ORDER BY c.last_activity_at DESC, c.id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := s.scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: iterate conversations: %w", err)
	}
	return out, total, nil
}

// RecentConversations returns up to limit non-hidden conversations for the
// partition, newest first. Used by the title-match fallback in search.
func (s *Store) RecentConversations(limit int, partition Partition) ([]Conversation, error) {
	convs, _, err := s.ListConversations(limit, 0, partition)
	return convs, err
}

// MarkRead clears the unread flag.
func (s *Store) MarkRead(id string) error {
	return s.updateFlag(id, "unread", false)
}

// SetHidden sets or clears the soft-delete flag. Hidden conversations are
// excluded from all listing and search, but not physically removed.
func (s *Store) SetHidden(id string, hidden bool) error {
	return s.updateFlag(id, "hidden", hidden)
}

func (s *Store) updateFlag(id, column string, value bool) error {
	v := 0
	if value {
		v = 1
	}
	res, err := s.db.Exec(
		"UPDATE conversations SET "+column+" = ? WHERE id = ?", v, id,
	)
	if err != nil {
		return fmt.Errorf("store: update %s %s: %w", column, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update %s %s: %w", column, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const convColumns = `SELECT
	c.id, c.origin, c.group_key, c.title, c.preview, c.turn_count,
	c.started_at, c.last_activity_at, c.last_indexed_at, c.unread, c.hidden`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var origin string
	var started, activity, indexed int64
	var unread, hidden int
	err := row.Scan(
		&c.ID, &origin, &c.GroupKey, &c.Title, &c.Preview, &c.TurnCount,
		&started, &activity, &indexed, &unread, &hidden,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan conversation: %w", err)
	}
	c.Origin = Origin(origin)
	c.StartedAt = timeOrZero(started)
	c.LastActivityAt = timeOrZero(activity)
	c.LastIndexedAt = timeOrZero(indexed)
	c.Unread = unread != 0
	c.Hidden = hidden != 0
	return &c, nil
}

// sanitizeFTS quotes each token so user input cannot inject FTS5 query
// syntax (NEAR, column filters, unbalanced quotes).
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}
