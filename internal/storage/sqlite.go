package storage

import (
	"database/sql"

	"github.com/mpataki/fleet/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		agent_index INTEGER NOT NULL,
		name TEXT,
		thread_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		turn_count INTEGER NOT NULL DEFAULT 0,
		last_message TEXT
	);

	CREATE TABLE IF NOT EXISTS reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		thread_id TEXT NOT NULL,
		review_id TEXT,
		label TEXT,
		path TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(thread_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_thread ON reviews(thread_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateSession(sess *models.Session) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO sessions (agent_index, name, thread_id, prompt, status)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.AgentIndex, sess.Name, sess.ThreadID, sess.Prompt, sess.Status,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) UpdateSession(sess *models.Session) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET completed_at = ?, status = ?, turn_count = ?, last_message = ? WHERE id = ?`,
		sess.CompletedAt, sess.Status, sess.TurnCount, sess.LastMessage, sess.ID,
	)
	return err
}

func (s *Storage) ListSessions(limit int) ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, completed_at, agent_index, name, thread_id, prompt, status, turn_count, last_message
		 FROM sessions ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		var completedAt sql.NullTime
		var name, lastMessage sql.NullString

		err := rows.Scan(
			&sess.ID, &sess.CreatedAt, &completedAt, &sess.AgentIndex,
			&name, &sess.ThreadID, &sess.Prompt, &sess.Status,
			&sess.TurnCount, &lastMessage,
		)
		if err != nil {
			return nil, err
		}

		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		if name.Valid {
			sess.Name = name.String
		}
		if lastMessage.Valid {
			sess.LastMessage = lastMessage.String
		}

		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

func (s *Storage) CreateReview(review *models.Review) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO reviews (thread_id, review_id, label, path) VALUES (?, ?, ?, ?)`,
		review.ThreadID, review.ReviewID, review.Label, review.Path,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) ListReviews(limit int) ([]*models.Review, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, thread_id, review_id, label, path
		 FROM reviews ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []*models.Review
	for rows.Next() {
		var review models.Review
		var reviewID, label sql.NullString

		if err := rows.Scan(&review.ID, &review.CreatedAt, &review.ThreadID, &reviewID, &label, &review.Path); err != nil {
			return nil, err
		}
		if reviewID.Valid {
			review.ReviewID = reviewID.String
		}
		if label.Valid {
			review.Label = label.String
		}

		reviews = append(reviews, &review)
	}

	return reviews, rows.Err()
}
