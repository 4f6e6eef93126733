package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"classroll/internal/attendance"
	"classroll/internal/geofence"
	"classroll/internal/notify"
)

const geoFenceKey = "geofence"

// ---- students ----

func (s *Store) UpsertStudent(ctx context.Context, st attendance.Student) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	guardians := st.GuardianIDs
	if guardians == nil {
		guardians = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, name, grade, guardian_ids, created_at) VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, grade = EXCLUDED.grade,
			guardian_ids = EXCLUDED.guardian_ids`,
		st.ID, st.Name, st.Grade, mustJSON(guardians), st.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}
	return nil
}

func (s *Store) GetStudent(ctx context.Context, id string) (attendance.Student, error) {
	var (
		st        attendance.Student
		guardians []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, grade, guardian_ids, created_at FROM students WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.Grade, &guardians, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Student{}, attendance.ErrStudentNotFound
	}
	if err != nil {
		return attendance.Student{}, fmt.Errorf("load student: %w", err)
	}
	if err := json.Unmarshal(guardians, &st.GuardianIDs); err != nil {
		return attendance.Student{}, fmt.Errorf("decode guardians: %w", err)
	}
	return st, nil
}

func (s *Store) StudentExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM students WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

// ---- geofence ----

func (s *Store) GeoFence(ctx context.Context) (geofence.Config, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM school_config WHERE key = $1`, geoFenceKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return s.fence, nil
	}
	if err != nil {
		return geofence.Config{}, fmt.Errorf("load geofence: %w", err)
	}
	var cfg geofence.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return geofence.Config{}, fmt.Errorf("decode geofence: %w", err)
	}
	return cfg, nil
}

func (s *Store) SaveGeoFence(ctx context.Context, cfg geofence.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO school_config (key, value, updated_at) VALUES ($1, $2::jsonb, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		geoFenceKey, mustJSON(cfg))
	if err != nil {
		return fmt.Errorf("save geofence: %w", err)
	}
	return nil
}

// ---- notifications ----

// Deliver stores n. Redelivery of the same id is ignored.
func (s *Store) Deliver(ctx context.Context, n notify.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, recipient_type, type, title, body, session_id, data, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.RecipientID, string(n.RecipientType), string(n.Type), n.Title, n.Body, n.SessionID,
		mustJSON(data), string(n.Priority), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, recipientID string, limit int) ([]notify.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, recipient_type, type, title, body, session_id, data, priority, created_at
		FROM notifications WHERE recipient_id = $1
		ORDER BY created_at DESC LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var (
			n                  notify.Notification
			rtype, ntype, prio string
			data               []byte
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &rtype, &ntype, &n.Title, &n.Body, &n.SessionID,
			&data, &prio, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.RecipientType = notify.RecipientType(rtype)
		n.Type = notify.Type(ntype)
		n.Priority = notify.Priority(prio)
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification data: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
