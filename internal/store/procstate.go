package store

import (
	"fmt"
	"time"
)

// PutActiveProcess records a launched process durably. Written as part of
// launch so a crash between spawn and exit leaves evidence for startup
// orphan reaping.
func (s *Store) PutActiveProcess(pid, pgid int, itemKey string, launchedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO active_processes (pid, pgid, item_key, launched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pid) DO UPDATE SET
			pgid        = excluded.pgid,
			item_key    = excluded.item_key,
			launched_at = excluded.launched_at
	`, pid, pgid, itemKey, unixOrZero(launchedAt))
	if err != nil {
		return fmt.Errorf("store: put active process %d: %w", pid, err)
	}
	return nil
}

// DeleteActiveProcess clears the durable record once the process has
// verifiably exited (or a termination signal was sent to its group).
func (s *Store) DeleteActiveProcess(pid int) error {
	if _, err := s.db.Exec(
		"DELETE FROM active_processes WHERE pid = ?", pid,
	); err != nil {
		return fmt.Errorf("store: delete active process %d: %w", pid, err)
	}
	return nil
}

// ListActiveProcesses returns all durable records, oldest first. Consumed
// by the registry's startup orphan reaper.
func (s *Store) ListActiveProcesses() ([]ActiveProcess, error) {
	rows, err := s.db.Query(`
		SELECT pid, pgid, item_key, launched_at
		FROM active_processes ORDER BY launched_at
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list active processes: %w", err)
	}
	defer rows.Close()

	var out []ActiveProcess
	for rows.Next() {
		var p ActiveProcess
		var sec int64
		if err := rows.Scan(&p.PID, &p.PGID, &p.ItemKey, &sec); err != nil {
			return nil, fmt.Errorf("store: scan active process: %w", err)
		}
		p.LaunchedAt = timeOrZero(sec)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate active processes: %w", err)
	}
	return out, nil
}
