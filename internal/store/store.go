// Package store handles SQLite persistence: caches for the expensive
// external calls (OCR by content hash, article text by URL) and an audit
// row per case run. Derived analyses are never persisted; every run
// recomputes them from source.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ktsujino/shinsa/internal/logging"
)

// Store handles persistence of caches and run audit rows
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		logging.Error("Failed to open database", "path", dbPath, "error", err)
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		logging.Error("Failed to migrate database", "error", err)
		return nil, err
	}

	logging.Info("Database initialized", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ocr_cache (
		content_hash TEXT PRIMARY KEY,
		file_name TEXT,
		text TEXT NOT NULL,
		confidence REAL,
		page_count INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS article_cache (
		url TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		fetched_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_article_fetched ON article_cache(fetched_at DESC);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		purchase_phase TEXT,
		statement_phase TEXT,
		identity_phase TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_case ON runs(case_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// HashContent returns the cache key for a file's bytes.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// OCRResult is one cached OCR outcome.
type OCRResult struct {
	Text       string
	Confidence float64
	PageCount  int
}

// GetOCR looks up a cached OCR result by content hash. A miss returns
// (nil, nil).
func (s *Store) GetOCR(contentHash string) (*OCRResult, error) {
	var res OCRResult
	err := s.db.QueryRow(`
		SELECT text, confidence, page_count FROM ocr_cache WHERE content_hash = ?
	`, contentHash).Scan(&res.Text, &res.Confidence, &res.PageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SaveOCR caches an OCR result under its content hash.
func (s *Store) SaveOCR(contentHash, fileName string, res OCRResult) error {
	_, err := s.db.Exec(`
		INSERT INTO ocr_cache (content_hash, file_name, text, confidence, page_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			file_name = excluded.file_name,
			text = excluded.text,
			confidence = excluded.confidence,
			page_count = excluded.page_count
	`, contentHash, fileName, res.Text, res.Confidence, res.PageCount)
	if err != nil {
		logging.Error("Failed to cache OCR result", "file", fileName, "error", err)
	}
	return err
}

// GetArticle looks up cached article text no older than maxAge. A miss
// returns ("", false, nil).
func (s *Store) GetArticle(url string, maxAge time.Duration) (string, bool, error) {
	var text string
	err := s.db.QueryRow(`
		SELECT text FROM article_cache WHERE url = ? AND fetched_at > ?
	`, url, time.Now().Add(-maxAge)).Scan(&text)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}

// SaveArticle caches fetched article text by URL.
func (s *Store) SaveArticle(url, text string) error {
	_, err := s.db.Exec(`
		INSERT INTO article_cache (url, text, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			text = excluded.text,
			fetched_at = excluded.fetched_at
	`, url, text, time.Now())
	return err
}

// Run is one audit row.
type Run struct {
	ID             string
	CaseID         string
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         string
	PurchasePhase  string
	StatementPhase string
	IdentityPhase  string
	Error          string
}

// StartRun records that a case run began.
func (s *Store) StartRun(runID, caseID string) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, case_id, started_at, status)
		VALUES (?, ?, ?, 'running')
	`, runID, caseID, time.Now())
	return err
}

// FinishRun records the run's outcome and per-phase statuses.
func (s *Store) FinishRun(runID, status string, phases map[string]string, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?,
			status = ?,
			purchase_phase = ?,
			statement_phase = ?,
			identity_phase = ?,
			error = ?
		WHERE id = ?
	`, time.Now(), status, phases["purchase"], phases["statement"], phases["identity"], errMsg, runID)
	if err != nil {
		logging.Error("Failed to record run outcome", "run", runID, "error", err)
	}
	return err
}

// RecentRuns returns the most recent audit rows, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, case_id, started_at, finished_at, status,
		       purchase_phase, statement_phase, identity_phase, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		var purchase, statement, identity, errMsg sql.NullString
		err := rows.Scan(&r.ID, &r.CaseID, &r.StartedAt, &finished, &r.Status,
			&purchase, &statement, &identity, &errMsg)
		if err != nil {
			continue
		}
		r.FinishedAt = finished.Time
		r.PurchasePhase = purchase.String
		r.StatementPhase = statement.String
		r.IdentityPhase = identity.String
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, nil
}

// RunCount returns total run count
func (s *Store) RunCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count)
	return count, err
}

// OCRCacheCount returns total cached OCR result count
func (s *Store) OCRCacheCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM ocr_cache").Scan(&count)
	return count, err
}

// ArticleCacheCount returns total cached article count
func (s *Store) ArticleCacheCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM article_cache").Scan(&count)
	return count, err
}

// PruneArticles drops cached articles older than maxAge.
func (s *Store) PruneArticles(maxAge time.Duration) (int64, error) {
	res, err := s.db.Exec("DELETE FROM article_cache WHERE fetched_at < ?", time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
