package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type AuditRow struct {
	ID            int64     `json:"id"`
	At            time.Time `json:"at"`
	CharacterID   string    `json:"character_id"`
	SessionID     string    `json:"session_id,omitempty"`
	ClientVersion uint64    `json:"client_version"`
	PrevVersion   uint64    `json:"prev_version"`
	NewVersion    uint64    `json:"new_version"`
	Initialized   bool      `json:"initialized,omitempty"`
	Touched       int       `json:"touched"`
	Conflicts     int       `json:"conflicts"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
}

type FieldConflicts struct {
	Field string `json:"field"`
	Count int64  `json:"count"`
}

type EventRow struct {
	Seq         uint64                     `json:"seq"`
	Kind        string                     `json:"kind"`
	CharacterID string                     `json:"character_id"`
	AccountID   string                     `json:"account_id,omitempty"`
	SessionID   string                     `json:"session_id,omitempty"`
	NewVersion  uint64                     `json:"new_version,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	At          time.Time                  `json:"at"`
	Fields      map[string]json.RawMessage `json:"fields,omitempty"`
}

type SnapshotRow struct {
	TakenAt    time.Time `json:"taken_at"`
	Path       string    `json:"path"`
	Characters int       `json:"characters"`
	Sessions   int       `json:"sessions"`
	LastSeq    uint64    `json:"last_seq"`
}

// RecentAudits lists the newest sync audits, optionally for one character.
func (s *SQLiteIndex) RecentAudits(ctx context.Context, characterID string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id,at,character_id,session_id,client_version,prev_version,new_version,initialized,touched,conflicts,attempts,error FROM sync_audits`
	args := []any{}
	if characterID != "" {
		q += ` WHERE character_id = ?`
		args = append(args, characterID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var (
			r    AuditRow
			at   string
			init int
		)
		if err := rows.Scan(&r.ID, &at, &r.CharacterID, &r.SessionID, &r.ClientVersion, &r.PrevVersion, &r.NewVersion, &init, &r.Touched, &r.Conflicts, &r.Attempts, &r.Error); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Initialized = init != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConflictHotspots counts rejected fields, most contested first.
func (s *SQLiteIndex) ConflictHotspots(ctx context.Context, limit int) ([]FieldConflicts, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT field, COUNT(*) AS n FROM sync_conflicts GROUP BY field ORDER BY n DESC, field ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FieldConflicts
	for rows.Next() {
		var fc FieldConflicts
		if err := rows.Scan(&fc.Field, &fc.Count); err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// EventsAfter lists events with seq > afterSeq in order, optionally for one
// character.
func (s *SQLiteIndex) EventsAfter(ctx context.Context, characterID string, afterSeq uint64, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT seq,kind,character_id,account_id,session_id,new_version,reason,at,fields_json FROM events WHERE seq > ?`
	args := []any{int64(afterSeq)}
	if characterID != "" {
		q += ` AND character_id = ?`
		args = append(args, characterID)
	}
	q += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			e      EventRow
			at     string
			fields string
		)
		if err := rows.Scan(&e.Seq, &e.Kind, &e.CharacterID, &e.AccountID, &e.SessionID, &e.NewVersion, &e.Reason, &at, &fields); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		if fields != "" && fields != "{}" {
			_ = json.Unmarshal([]byte(fields), &e.Fields)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Snapshots(ctx context.Context) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT taken_at,path,characters,sessions,last_seq FROM snapshots ORDER BY taken_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var (
			r    SnapshotRow
			unix int64
		)
		if err := rows.Scan(&unix, &r.Path, &r.Characters, &r.Sessions, &r.LastSeq); err != nil {
			return nil, err
		}
		r.TakenAt = time.Unix(unix, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryRaw runs a read-only ad hoc query for the admin CLI and returns
// column names plus stringified rows.
func (s *SQLiteIndex) QueryRaw(ctx context.Context, query string, args ...any) ([]string, [][]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]string
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			if v.Valid {
				row[i] = v.String
			}
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}
