package coordinator

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"expo/internal/broker"
	"expo/internal/events"
	"expo/internal/protocol"
)

// Database models
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	TenantID     string    `json:"tenant_id"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Alert struct {
	ID        int       `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	DeviceID  string    `json:"device_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type DispatchRecord struct {
	ID             int       `json:"id"`
	CorrelationID  string    `json:"correlation_id"`
	TargetID       string    `json:"target_id"`
	TenantID       string    `json:"tenant_id"`
	OperationType  string    `json:"operation_type"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	ElapsedMs      int64     `json:"elapsed_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type AgentRecord struct {
	DeviceID  string    `json:"device_id"`
	TenantID  string    `json:"tenant_id"`
	Role      string    `json:"role,omitempty"`
	Printers  string    `json:"printers,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store handles SQLite persistence for the coordinator: users, the
// agent directory, raised alerts and the dispatch audit trail.
type Store struct {
	db *sql.DB
}

// NewStore opens the database and initializes its schema
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			tenant_id TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			device_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			role TEXT,
			printers TEXT,
			first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			device_id TEXT,
			target_id TEXT,
			message TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dispatch_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			tenant_id TEXT,
			operation_type TEXT NOT NULL,
			idempotency_key TEXT,
			outcome TEXT NOT NULL,
			error TEXT,
			elapsed_ms INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_target_id ON dispatch_audit(target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_correlation_id ON dispatch_audit(correlation_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// User operations

func (s *Store) CreateUser(username, tenantID, passwordHash string) (*User, error) {
	query := `INSERT INTO users (username, tenant_id, password_hash) VALUES (?, ?, ?)`
	result, err := s.db.Exec(query, username, tenantID, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}

	return s.GetUser(int(id))
}

func (s *Store) GetUser(id int) (*User, error) {
	query := `SELECT id, username, tenant_id, password_hash, created_at FROM users WHERE id = ?`

	var user User
	err := s.db.QueryRow(query, id).Scan(
		&user.ID, &user.Username, &user.TenantID, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

func (s *Store) GetUserByUsername(username string) (*User, error) {
	query := `SELECT id, username, tenant_id, password_hash, created_at FROM users WHERE username = ?`

	var user User
	err := s.db.QueryRow(query, username).Scan(
		&user.ID, &user.Username, &user.TenantID, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return &user, nil
}

func (s *Store) CountUsers() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// Agent directory operations

// UpsertAgent records an agent registration, satisfying the
// transport's AgentDirectory interface. The printer inventory is
// stored as JSON for operator queries, never read back for routing.
func (s *Store) UpsertAgent(info *protocol.RegisterInfo) error {
	printers, err := json.Marshal(info.Printers)
	if err != nil {
		return fmt.Errorf("failed to encode printer inventory: %w", err)
	}

	query := `INSERT INTO agents (device_id, tenant_id, role, printers, last_seen)
			  VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(device_id) DO UPDATE SET
				  tenant_id = excluded.tenant_id,
				  role = excluded.role,
				  printers = excluded.printers,
				  last_seen = CURRENT_TIMESTAMP`
	if _, err := s.db.Exec(query, info.DeviceID, info.TenantID, info.Role, string(printers)); err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// ListAgents returns every agent that has ever registered, most
// recently seen first.
func (s *Store) ListAgents() ([]*AgentRecord, error) {
	query := `SELECT device_id, tenant_id, COALESCE(role, ''), COALESCE(printers, ''), first_seen, last_seen
			  FROM agents ORDER BY last_seen DESC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		var a AgentRecord
		if err := rows.Scan(&a.DeviceID, &a.TenantID, &a.Role, &a.Printers, &a.FirstSeen, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// Alert operations

// RecordAlert persists one raised alert.
func (s *Store) RecordAlert(event events.Event) error {
	query := `INSERT INTO alerts (type, severity, device_id, target_id, message, created_at)
			  VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, event.Type, event.Severity, event.DeviceID, event.TargetID, event.Message, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

// RecentAlerts returns the newest alerts, most recent first.
func (s *Store) RecentAlerts(limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, type, severity, COALESCE(device_id, ''), COALESCE(target_id, ''), message, created_at
			  FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var alert Alert
		err := rows.Scan(
			&alert.ID, &alert.Type, &alert.Severity, &alert.DeviceID,
			&alert.TargetID, &alert.Message, &alert.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}

	return alerts, nil
}

// Dispatch audit operations

// RecordDispatch persists one dispatch outcome. It satisfies the
// dispatcher's AuditSink interface.
func (s *Store) RecordDispatch(record *broker.AuditRecord) error {
	query := `INSERT INTO dispatch_audit
			  (correlation_id, target_id, tenant_id, operation_type, idempotency_key, outcome, error, elapsed_ms, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		record.CorrelationID, record.TargetID, record.TenantID, record.OperationType,
		record.IdempotencyKey, record.Outcome, record.Error, record.ElapsedMs, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// RecentDispatches returns the newest audit records for a target, most
// recent first. An empty targetID returns records for all targets.
func (s *Store) RecentDispatches(targetID string, limit int) ([]*DispatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, correlation_id, target_id, COALESCE(tenant_id, ''), operation_type,
					 COALESCE(idempotency_key, ''), outcome, COALESCE(error, ''), elapsed_ms, created_at
			  FROM dispatch_audit`
	args := []interface{}{}
	if targetID != "" {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch audit: %w", err)
	}
	defer rows.Close()

	var records []*DispatchRecord
	for rows.Next() {
		var rec DispatchRecord
		err := rows.Scan(
			&rec.ID, &rec.CorrelationID, &rec.TargetID, &rec.TenantID, &rec.OperationType,
			&rec.IdempotencyKey, &rec.Outcome, &rec.Error, &rec.ElapsedMs, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, nil
}
