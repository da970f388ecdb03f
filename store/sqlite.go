package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/macawsecurity/secureAI/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			app_name TEXT NOT NULL,
			user_name TEXT,
			endpoint TEXT,
			intent_policy TEXT,
			capabilities TEXT,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			last_heartbeat DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			name TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			description TEXT,
			kind TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL DEFAULT 60000,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_agent ON tools(agent_id)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			invocation_id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			caller_agent_id TEXT NOT NULL,
			target_agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			args TEXT,
			result TEXT,
			error TEXT,
			attestation_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_target ON invocations(target_agent_id, status)`,
		`CREATE TABLE IF NOT EXISTS attestations (
			attestation_id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			for_agent TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			invocation_id TEXT,
			approval_criteria TEXT NOT NULL,
			one_time INTEGER NOT NULL DEFAULT 0,
			timeout_s INTEGER NOT NULL DEFAULT 300,
			time_to_live_s INTEGER NOT NULL DEFAULT 3600,
			status TEXT NOT NULL,
			value TEXT,
			decided_by TEXT,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			granted_at DATETIME,
			expires_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attestations_status ON attestations(status, for_agent)`,
		`CREATE INDEX IF NOT EXISTS idx_attestations_key ON attestations(key, for_agent, status)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id TEXT PRIMARY KEY,
			agent_id TEXT,
			invocation_id TEXT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_agent ON audit_events(agent_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_invocation ON audit_events(invocation_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RegisterAgent registers or updates an agent.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (agent_id, name, kind, app_name, user_name, endpoint, intent_policy, capabilities, status, last_heartbeat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.AgentID, agent.Name, agent.Kind, agent.AppName, agent.UserName, agent.Endpoint,
		nullableJSON(agent.IntentPolicy), nullableJSON(agent.Capabilities), agent.Status, agent.LastHeartbeat, agent.CreatedAt)
	return err
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, name, kind, app_name, user_name, endpoint, intent_policy, capabilities, status, last_heartbeat, created_at
		 FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgents lists all agents.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, name, kind, app_name, user_name, endpoint, intent_policy, capabilities, status, last_heartbeat, created_at
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus updates the status of an agent.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE agent_id = ?`, status, agentID)
	return err
}

// TouchHeartbeat records a heartbeat for an agent.
func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ?, status = ? WHERE agent_id = ?`, at, domain.AgentStatusActive, agentID)
	return err
}

// CreateTool creates or replaces a tool.
func (s *SQLiteStore) CreateTool(ctx context.Context, tool *domain.Tool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tools (name, agent_id, description, kind, timeout_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tool.Name, tool.AgentID, tool.Description, tool.Kind, tool.TimeoutMs, tool.CreatedAt)
	return err
}

// GetTool retrieves a tool by name.
func (s *SQLiteStore) GetTool(ctx context.Context, name string) (*domain.Tool, error) {
	var tool domain.Tool
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, agent_id, description, kind, timeout_ms, created_at FROM tools WHERE name = ?`,
		name).Scan(&tool.Name, &tool.AgentID, &description, &tool.Kind, &tool.TimeoutMs, &tool.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if description.Valid {
		tool.Description = description.String
	}
	return &tool, nil
}

// ListTools lists all registered tools.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]domain.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, agent_id, description, kind, timeout_ms, created_at FROM tools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []domain.Tool
	for rows.Next() {
		var tool domain.Tool
		var description sql.NullString
		if err := rows.Scan(&tool.Name, &tool.AgentID, &description, &tool.Kind, &tool.TimeoutMs, &tool.CreatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			tool.Description = description.String
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// DeleteAgentTools removes all tools published by an agent.
func (s *SQLiteStore) DeleteAgentTools(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE agent_id = ?`, agentID)
	return err
}

// CreateInvocation creates a new invocation record.
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *domain.Invocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (invocation_id, tool_name, caller_agent_id, target_agent_id, status, args, result, error, attestation_id, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.InvocationID, inv.ToolName, inv.CallerAgentID, inv.TargetAgentID, inv.Status,
		nullableJSON(inv.Args), nullableJSON(inv.Result), nullableJSON(inv.Error),
		nullString(inv.AttestationID), inv.CreatedAt, inv.CompletedAt)
	return err
}

// GetInvocation retrieves an invocation by ID.
func (s *SQLiteStore) GetInvocation(ctx context.Context, invocationID string) (*domain.Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT invocation_id, tool_name, caller_agent_id, target_agent_id, status, args, result, error, attestation_id, created_at, completed_at
		 FROM invocations WHERE invocation_id = ?`, invocationID)
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ListAgentWork lists dispatched invocations waiting on an agent.
func (s *SQLiteStore) ListAgentWork(ctx context.Context, agentID string) ([]domain.Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation_id, tool_name, caller_agent_id, target_agent_id, status, args, result, error, attestation_id, created_at, completed_at
		 FROM invocations WHERE target_agent_id = ? AND status = ? ORDER BY created_at`,
		agentID, domain.InvocationStatusDispatched)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []domain.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invs = append(invs, *inv)
	}
	return invs, rows.Err()
}

// UpdateInvocationStatus updates the status of an invocation.
func (s *SQLiteStore) UpdateInvocationStatus(ctx context.Context, invocationID string, status domain.InvocationStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ? WHERE invocation_id = ?`, status, invocationID)
	return err
}

// UpdateInvocationResult records a terminal outcome for an invocation.
func (s *SQLiteStore) UpdateInvocationResult(ctx context.Context, invocationID string, status domain.InvocationStatus, result, errData []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, result = ?, error = ?, completed_at = ? WHERE invocation_id = ?`,
		status, nullableJSON(result), nullableJSON(errData), now, invocationID)
	return err
}

// UpdateInvocationAttestation links an invocation to the attestation blocking it.
func (s *SQLiteStore) UpdateInvocationAttestation(ctx context.Context, invocationID, attestationID string, status domain.InvocationStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET attestation_id = ?, status = ? WHERE invocation_id = ?`,
		attestationID, status, invocationID)
	return err
}

// CreateAttestation creates a new attestation record.
func (s *SQLiteStore) CreateAttestation(ctx context.Context, att *domain.Attestation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attestations (attestation_id, key, for_agent, requested_by, invocation_id, approval_criteria, one_time, timeout_s, time_to_live_s, status, value, decided_by, reason, created_at, granted_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.AttestationID, att.Key, att.ForAgent, att.RequestedBy, nullString(att.InvocationID),
		att.ApprovalCriteria, att.OneTime, att.TimeoutS, att.TimeToLiveS, att.Status,
		nullableJSON(att.Value), nullString(att.DecidedBy), nullString(att.Reason),
		att.CreatedAt, att.GrantedAt, att.ExpiresAt)
	return err
}

// GetAttestation retrieves an attestation by ID.
func (s *SQLiteStore) GetAttestation(ctx context.Context, attestationID string) (*domain.Attestation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT attestation_id, key, for_agent, requested_by, invocation_id, approval_criteria, one_time, timeout_s, time_to_live_s, status, value, decided_by, reason, created_at, granted_at, expires_at
		 FROM attestations WHERE attestation_id = ?`, attestationID)
	att, err := scanAttestation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return att, nil
}

// ListAttestations lists attestations matching the filter.
func (s *SQLiteStore) ListAttestations(ctx context.Context, filter AttestationFilter) ([]domain.Attestation, error) {
	query := `SELECT attestation_id, key, for_agent, requested_by, invocation_id, approval_criteria, one_time, timeout_s, time_to_live_s, status, value, decided_by, reason, created_at, granted_at, expires_at
		 FROM attestations WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.ForAgent != "" {
		query += ` AND for_agent = ?`
		args = append(args, filter.ForAgent)
	}

	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []domain.Attestation
	for rows.Next() {
		att, err := scanAttestation(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, *att)
	}
	return atts, rows.Err()
}

// UpdateAttestationDecision records an approve/deny decision.
func (s *SQLiteStore) UpdateAttestationDecision(ctx context.Context, attestationID string, status domain.AttestationStatus, decidedBy, reason string, value json.RawMessage, grantedAt, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attestations SET status = ?, decided_by = ?, reason = ?, value = COALESCE(?, value), granted_at = ?, expires_at = ? WHERE attestation_id = ?`,
		status, decidedBy, reason, nullableJSON(value), grantedAt, expiresAt, attestationID)
	return err
}

// ConsumeAttestation marks a one-time grant as used.
func (s *SQLiteStore) ConsumeAttestation(ctx context.Context, attestationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attestations SET status = ? WHERE attestation_id = ? AND status = ?`,
		domain.AttestationStatusConsumed, attestationID, domain.AttestationStatusGranted)
	return err
}

// FindGrant finds a live granted attestation for key/agent, if any.
func (s *SQLiteStore) FindGrant(ctx context.Context, key, forAgent string, now time.Time) (*domain.Attestation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT attestation_id, key, for_agent, requested_by, invocation_id, approval_criteria, one_time, timeout_s, time_to_live_s, status, value, decided_by, reason, created_at, granted_at, expires_at
		 FROM attestations
		 WHERE key = ? AND for_agent = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY granted_at DESC LIMIT 1`,
		key, forAgent, domain.AttestationStatusGranted, now)
	att, err := scanAttestation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return att, nil
}

// ExpireAttestations transitions overdue attestations to EXPIRED and returns them.
// Pending requests expire timeout_s after creation; grants expire at expires_at.
func (s *SQLiteStore) ExpireAttestations(ctx context.Context, now time.Time) ([]domain.Attestation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attestation_id, key, for_agent, requested_by, invocation_id, approval_criteria, one_time, timeout_s, time_to_live_s, status, value, decided_by, reason, created_at, granted_at, expires_at
		 FROM attestations
		 WHERE (status = ? AND datetime(created_at, '+' || timeout_s || ' seconds') <= datetime(?))
		    OR (status = ? AND expires_at IS NOT NULL AND expires_at <= ?)`,
		domain.AttestationStatusPending, now.UTC().Format("2006-01-02 15:04:05"),
		domain.AttestationStatusGranted, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []domain.Attestation
	for rows.Next() {
		att, err := scanAttestation(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *att)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range expired {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE attestations SET status = ? WHERE attestation_id = ?`,
			domain.AttestationStatusExpired, expired[i].AttestationID); err != nil {
			return nil, err
		}
		expired[i].Status = domain.AttestationStatusExpired
	}
	return expired, nil
}

// CreateEvent creates a new audit event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.AuditEvent) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, agent_id, invocation_id, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, nullString(event.AgentID), nullString(event.InvocationID), event.Ts, event.Type, payload)
	return err
}

// GetEvents retrieves audit events matching the filter.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]domain.AuditEvent, error) {
	query := `SELECT event_id, agent_id, invocation_id, ts, type, payload FROM audit_events WHERE 1=1`
	args := []interface{}{}

	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.InvocationID != "" {
		query += ` AND invocation_id = ?`
		args = append(args, filter.InvocationID)
	}
	if filter.AfterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, filter.AfterTs)
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var event domain.AuditEvent
		var agentID, invocationID, payload sql.NullString
		if err := rows.Scan(&event.EventID, &agentID, &invocationID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if agentID.Valid {
			event.AgentID = agentID.String
		}
		if invocationID.Valid {
			event.InvocationID = invocationID.String
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var agent domain.Agent
	var userName, endpoint, intentPolicy, caps sql.NullString
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&agent.AgentID, &agent.Name, &agent.Kind, &agent.AppName, &userName, &endpoint,
		&intentPolicy, &caps, &agent.Status, &lastHeartbeat, &agent.CreatedAt); err != nil {
		return nil, err
	}
	if userName.Valid {
		agent.UserName = userName.String
	}
	if endpoint.Valid {
		agent.Endpoint = endpoint.String
	}
	if intentPolicy.Valid && intentPolicy.String != "" {
		agent.IntentPolicy = json.RawMessage(intentPolicy.String)
	}
	if caps.Valid && caps.String != "" {
		agent.Capabilities = json.RawMessage(caps.String)
	}
	if lastHeartbeat.Valid {
		agent.LastHeartbeat = &lastHeartbeat.Time
	}
	return &agent, nil
}

func scanInvocation(row rowScanner) (*domain.Invocation, error) {
	var inv domain.Invocation
	var args, result, errData, attestationID sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&inv.InvocationID, &inv.ToolName, &inv.CallerAgentID, &inv.TargetAgentID, &inv.Status,
		&args, &result, &errData, &attestationID, &inv.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	if args.Valid && args.String != "" {
		inv.Args = json.RawMessage(args.String)
	}
	if result.Valid && result.String != "" {
		inv.Result = json.RawMessage(result.String)
	}
	if errData.Valid && errData.String != "" {
		inv.Error = json.RawMessage(errData.String)
	}
	if attestationID.Valid {
		inv.AttestationID = attestationID.String
	}
	if completedAt.Valid {
		inv.CompletedAt = &completedAt.Time
	}
	return &inv, nil
}

func scanAttestation(row rowScanner) (*domain.Attestation, error) {
	var att domain.Attestation
	var invocationID, value, decidedBy, reason sql.NullString
	var grantedAt, expiresAt sql.NullTime
	if err := row.Scan(&att.AttestationID, &att.Key, &att.ForAgent, &att.RequestedBy, &invocationID,
		&att.ApprovalCriteria, &att.OneTime, &att.TimeoutS, &att.TimeToLiveS, &att.Status,
		&value, &decidedBy, &reason, &att.CreatedAt, &grantedAt, &expiresAt); err != nil {
		return nil, err
	}
	if invocationID.Valid {
		att.InvocationID = invocationID.String
	}
	if value.Valid && value.String != "" {
		att.Value = json.RawMessage(value.String)
	}
	if decidedBy.Valid {
		att.DecidedBy = decidedBy.String
	}
	if reason.Valid {
		att.Reason = reason.String
	}
	if grantedAt.Valid {
		att.GrantedAt = &grantedAt.Time
	}
	if expiresAt.Valid {
		att.ExpiresAt = &expiresAt.Time
	}
	return &att, nil
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if len(data) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
