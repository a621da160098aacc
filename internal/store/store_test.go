package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chronicle.db")
	st, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func testConv(id string, origin Origin, started time.Time) *Conversation {
	return &Conversation{
		ID:             id,
		Origin:         origin,
		GroupKey:       "/home/dev/projects/" + id,
		Preview:        "preview for " + id,
		StartedAt:      started,
		LastActivityAt: started.Add(time.Minute),
		LastIndexedAt:  started.Add(2 * time.Minute),
	}
}

func testTurns(id string, contents ...string) []Turn {
	turns := make([]Turn, len(contents))
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "agent"
		}
		turns[i] = Turn{
			ConversationID: id,
			TurnID:         fmt.Sprintf("t%d", i),
			Role:           role,
			Content:        c,
			Timestamp:      time.Now().Add(time.Duration(i) * time.Second),
		}
	}
	return turns
}

func TestOpenMigrateReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chronicle.db")

	st, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	require.NoError(t, st.ReplaceConversation(
		testConv("s1", OriginManual, time.Now()), testTurns("s1", "hello")))
	require.NoError(t, st.Close())

	st2, err := Open(dbPath)
	require.NoError(t, err)
	defer st2.Close()
	require.NoError(t, st2.Migrate())

	conv, turns, err := st2.GetConversation("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", conv.ID)
	assert.Len(t, turns, 1)
}

func TestReplaceConversationSwapsTurnSet(t *testing.T) {
	st := newTestStore(t)
	conv := testConv("s1", OriginManual, time.Now())

	require.NoError(t, st.ReplaceConversation(conv, testTurns("s1", "one", "two", "three")))
	require.NoError(t, st.ReplaceConversation(conv, testTurns("s1", "four", "five")))

	got, turns, err := st.GetConversation("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TurnCount)
	require.Len(t, turns, 2)
	assert.Equal(t, "four", turns[0].Content)
	assert.Equal(t, "five", turns[1].Content)

	// Old content must be gone from the full-text index too
	hits, total, err := st.SearchTurns("one", 10, 0, SortRelevance, PartitionAll)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, hits)
}

func TestReplaceConversationPreservesFlags(t *testing.T) {
	st := newTestStore(t)
	conv := testConv("s1", OriginAutomated, time.Now())

	require.NoError(t, st.ReplaceConversation(conv, testTurns("s1", "a")))

	got, _, err := st.GetConversation("s1")
	require.NoError(t, err)
	assert.True(t, got.Unread, "automated records start unread")

	require.NoError(t, st.MarkRead("s1"))
	require.NoError(t, st.SetHidden("s1", true))

	// Reindex must not resurrect unread or clear hidden
	require.NoError(t, st.ReplaceConversation(conv, testTurns("s1", "a", "b")))
	got, _, err = st.GetConversation("s1")
	require.NoError(t, err)
	assert.False(t, got.Unread)
	assert.True(t, got.Hidden)
}

func TestManualRecordsStartRead(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.ReplaceConversation(
		testConv("s1", OriginManual, time.Now()), testTurns("s1", "a")))

	got, _, err := st.GetConversation("s1")
	require.NoError(t, err)
	assert.False(t, got.Unread)
}

// A reader running concurrently with reindexes must always observe a
// conversation whose stored turn_count matches its actual turn rows —
// either the old generation or the new one, never a partial state.
func TestAtomicReplaceUnderConcurrentReads(t *testing.T) {
	st := newTestStore(t)
	conv := testConv("s1", OriginManual, time.Now())
	require.NoError(t, st.ReplaceConversation(conv, testTurns("s1", "g0-a", "g0-b")))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, turns, err := st.GetConversation("s1")
			if err != nil {
				continue
			}
			if got.TurnCount != len(turns) {
				t.Errorf("observed partial replace: turn_count=%d rows=%d",
					got.TurnCount, len(turns))
				return
			}
		}
	}()

	for gen := 1; gen <= 20; gen++ {
		contents := make([]string, gen%5+1)
		for i := range contents {
			contents[i] = fmt.Sprintf("g%d-%d", gen, i)
		}
		require.NoError(t, st.ReplaceConversation(conv, testTurns("s1", contents...)))
	}
	close(stop)
	wg.Wait()
}

func TestWatermark(t *testing.T) {
	st := newTestStore(t)

	_, ok, err := st.LastIndexedAt("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	indexedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := testConv("s1", OriginManual, indexedAt.Add(-time.Hour))
	conv.LastIndexedAt = indexedAt
	require.NoError(t, st.ReplaceConversation(conv, nil))

	got, ok, err := st.LastIndexedAt("s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(indexedAt))
}

func TestListConversationsPaginationAndPartition(t *testing.T) {
	st := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		origin := OriginManual
		if i >= 3 {
			origin = OriginAutomated
		}
		conv := testConv(fmt.Sprintf("s%d", i), origin, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, st.ReplaceConversation(conv, nil))
	}
	require.NoError(t, st.SetHidden("s0", true))

	all, total, err := st.ListConversations(3, 0, PartitionAll)
	require.NoError(t, err)
	assert.Equal(t, 4, total, "hidden record excluded from count")
	require.Len(t, all, 3)
	// Newest activity first
	assert.Equal(t, "s4", all[0].ID)

	auto, total, err := st.ListConversations(10, 0, PartitionAutomated)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, auto, 2)

	manual, total, err := st.ListConversations(10, 0, PartitionManual)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "s0 hidden")
	assert.Len(t, manual, 2)
}

func TestGetConversationNotFound(t *testing.T) {
	st := newTestStore(t)
	_, _, err := st.GetConversation("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, st.MarkRead("missing"), ErrNotFound)
	assert.ErrorIs(t, st.SetHidden("missing", true), ErrNotFound)
}

func TestSearchExcludesHiddenAndPartitions(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()

	require.NoError(t, st.ReplaceConversation(
		testConv("visible", OriginManual, now),
		testTurns("visible", "we migrated the index to sqlite last week")))
	require.NoError(t, st.ReplaceConversation(
		testConv("ghost", OriginManual, now.Add(time.Hour)),
		testTurns("ghost", "sqlite is also mentioned here")))
	require.NoError(t, st.SetHidden("ghost", true))

	hits, total, err := st.SearchTurns("sqlite", 10, 0, SortRelevance, PartitionManual)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, hits, 1)
	assert.Equal(t, "visible", hits[0].Conversation.ID)
	assert.Contains(t, hits[0].Snippet, "[sqlite]")
}

func TestSearchChronologicalOrder(t *testing.T) {
	st := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.ReplaceConversation(
		testConv("old", OriginManual, base),
		testTurns("old", "deploy pipeline notes")))
	require.NoError(t, st.ReplaceConversation(
		testConv("new", OriginManual, base.AddDate(0, 1, 0)),
		testTurns("new", "deploy rollback discussion")))

	hits, _, err := st.SearchTurns("deploy", 10, 0, SortChronological, PartitionAll)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "new", hits[0].Conversation.ID)
	assert.Equal(t, "old", hits[1].Conversation.ID)
}

func TestSearchExactCountAcrossPages(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("s%d", i)
		require.NoError(t, st.ReplaceConversation(
			testConv(id, OriginManual, now.Add(time.Duration(i)*time.Minute)),
			testTurns(id, "kubernetes upgrade log")))
	}

	hits, total, err := st.SearchTurns("kubernetes", 3, 6, SortRelevance, PartitionAll)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Len(t, hits, 1, "last page is short")
}

func TestSearchQuotesSpecialSyntax(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.ReplaceConversation(
		testConv("s1", OriginManual, time.Now()),
		testTurns("s1", "error near line 12")))

	// Raw FTS operators in user input must not break the query
	_, _, err := st.SearchTurns(`NEAR( "un balanced`, 10, 0, SortRelevance, PartitionAll)
	assert.NoError(t, err)
}

func TestProcessedItems(t *testing.T) {
	st := newTestStore(t)

	_, ok, err := st.GetProcessedItem("item-1")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertProcessedItem("item-1", "v1", at))
	require.NoError(t, st.UpsertProcessedItem("item-1", "v2", at.Add(time.Hour)))

	item, ok, err := st.GetProcessedItem("item-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", item.LastChangedMark)
	assert.True(t, item.LastProcessedAt.Equal(at.Add(time.Hour)))
}

func TestActiveProcessRecords(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().Truncate(time.Second)

	require.NoError(t, st.PutActiveProcess(4321, 4321, "item-1", now))
	require.NoError(t, st.PutActiveProcess(4322, 4322, "item-2", now.Add(time.Second)))

	procs, err := st.ListActiveProcesses()
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, 4321, procs[0].PID)
	assert.Equal(t, "item-1", procs[0].ItemKey)

	require.NoError(t, st.DeleteActiveProcess(4321))
	procs, err = st.ListActiveProcesses()
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 4322, procs[0].PID)
}

func TestDisplayNameFallsBackToGroupKey(t *testing.T) {
	c := &Conversation{ID: "x", GroupKey: "/home/dev/projects/widget"}
	assert.Equal(t, "widget", c.DisplayName())
	c.Title = "Widget planning"
	assert.Equal(t, "Widget planning", c.DisplayName())
}
