// Package journal records every answered question for operators: what was
// asked, how it was classified and which SQL ran. Nothing here is replayed
// into a widget.
// The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, the journal falls back to in-memory storage.
package journal

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/comigor/crm-query-widget/internal/logger"
)

// Outcome classifies how a question was resolved.
type Outcome string

const (
	OutcomeAnswered        Outcome = "answered"
	OutcomeServiceError    Outcome = "service_error"
	OutcomeConnectionError Outcome = "connection_error"
)

// Entry is one resolved question.
type Entry struct {
	ID         string        `json:"id"`
	InstanceID string        `json:"instance_id"`
	Question   string        `json:"question"`
	Outcome    Outcome       `json:"outcome"`
	SQL        string        `json:"sql"`
	RowCount   int           `json:"row_count"`
	Error      string        `json:"error"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Journal stores entries in SQLite when a path is configured, and always
// keeps an in-memory copy.
type Journal struct {
	path string

	mu      sync.Mutex
	entries []Entry

	dbOnce  sync.Once
	db      *sql.DB
	initErr error
}

// Open prepares a journal backed by the SQLite file at path. An empty path
// keeps the journal in memory.
func Open(path string) *Journal {
	return &Journal{path: path}
}

// initDB lazily opens the SQLite database and creates the queries table if it doesn't exist.
func (j *Journal) initDB() {
	if j.path == "" {
		return
	}
	var err error
	j.db, err = sql.Open("sqlite", "file:"+j.path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		j.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory journal", "error", err)
		return
	}
	if _, err = j.db.Exec(`CREATE TABLE IF NOT EXISTS queries (
        id TEXT PRIMARY KEY,
        instance_id TEXT,
        question TEXT,
        outcome TEXT,
        sql TEXT,
        row_count INTEGER,
        error TEXT,
        duration_ms INTEGER,
        created_at DATETIME
    );`); err != nil {
		j.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory journal", "error", err)
		return
	}
	logger.L.Info("sqlite query journal initialized", "path", j.path)
}

func (j *Journal) usable() bool {
	j.dbOnce.Do(j.initDB)
	return j.initErr == nil && j.db != nil
}

// Record persists an entry. A missing id or timestamp is filled in.
func (j *Journal) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	if j.usable() {
		_, err := j.db.Exec(`INSERT INTO queries (id, instance_id, question, outcome, sql, row_count, error, duration_ms, created_at) VALUES (?,?,?,?,?,?,?,?,?);`,
			e.ID, e.InstanceID, e.Question, string(e.Outcome), e.SQL, e.RowCount, e.Error, e.Duration.Milliseconds(), e.CreatedAt)
		if err != nil {
			logger.L.Error("failed to store journal entry in sqlite; falling back to memory", "error", err)
		}
	}

	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

// List returns the entries of an instance in chronological order. An empty
// instanceID lists everything.
func (j *Journal) List(instanceID string) []Entry {
	var out []Entry
	if j.usable() {
		rows, err := j.db.Query(`SELECT id, instance_id, question, outcome, sql, row_count, error, duration_ms, created_at FROM queries WHERE (? = '' OR instance_id = ?) ORDER BY created_at ASC, rowid ASC;`, instanceID, instanceID)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var (
					e        Entry
					outcome  string
					duration int64
				)
				if err := rows.Scan(&e.ID, &e.InstanceID, &e.Question, &outcome, &e.SQL, &e.RowCount, &e.Error, &duration, &e.CreatedAt); err == nil {
					e.Outcome = Outcome(outcome)
					e.Duration = time.Duration(duration) * time.Millisecond
					out = append(out, e)
				}
			}
			return out
		}
	}
	j.mu.Lock()
	for _, e := range j.entries {
		if instanceID == "" || e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	j.mu.Unlock()
	return out
}

// Close releases the database handle, if one was opened.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
