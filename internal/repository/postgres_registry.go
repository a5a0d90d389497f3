package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"waitless-queue/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const ticketCols = `ticket_id, ticket_number, service_id, patient_id, priority, status,
	position_in_queue, estimated_wait_seconds, created_at, called_at, completed_at,
	cancelled_at, cancelled_by, notes`

const ticketColsT = `t.ticket_id, t.ticket_number, t.service_id, t.patient_id, t.priority, t.status,
	t.position_in_queue, t.estimated_wait_seconds, t.created_at, t.called_at, t.completed_at,
	t.cancelled_at, t.cancelled_by, t.notes`

const serviceCols = `service_id, name, status, avg_wait_seconds, max_wait_seconds,
	default_priority, last_called_at, event_seq`

// queryable 由 *sql.DB 与 *sql.Tx 共同实现
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresRegistry Registry 的 PostgreSQL 实现（SERIALIZABLE 事务）
type PostgresRegistry struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRegistry 创建 PostgreSQL 注册表
func NewPostgresRegistry(db *sql.DB, logger *zap.Logger) *PostgresRegistry {
	return &PostgresRegistry{db: db, logger: logger}
}

// EnsureSchema creates tables, indexes and constraints if they do not exist.
func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// WithinTx retries once when the store is unavailable before any commit was attempted.
func (r *PostgresRegistry) WithinTx(ctx context.Context, fn func(tx RegistryTx) error) error {
	committing, err := r.runTx(ctx, fn)
	if err == nil || committing || !errors.Is(err, domain.ErrStoreUnavailable) || ctx.Err() != nil {
		return err
	}
	r.logger.Warn("Store unavailable, retrying transaction once", zap.Error(err))
	_, err = r.runTx(ctx, fn)
	return err
}

// runTx reports whether the failure happened at commit, where the outcome is unknown.
func (r *PostgresRegistry) runTx(ctx context.Context, fn func(tx RegistryTx) error) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return false, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return true, mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return false, nil
}

func (r *PostgresRegistry) GetService(ctx context.Context, serviceID int64) (*domain.Service, error) {
	return getService(ctx, r.db, serviceID, false)
}

func (r *PostgresRegistry) ListServices(ctx context.Context) ([]*domain.Service, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+serviceCols+` FROM services ORDER BY service_id`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query services: %w", err))
	}
	defer rows.Close()

	var out []*domain.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertService inserts a service (ServiceID == 0) or updates its descriptive
// fields. avg_wait_seconds is only written on insert; afterwards the estimator owns it.
func (r *PostgresRegistry) UpsertService(ctx context.Context, svc *domain.Service) (*domain.Service, error) {
	svc = svc.Clone()
	if svc.Status == "" {
		svc.Status = domain.ServiceActive
	}
	if svc.MaxWaitSeconds == 0 {
		svc.MaxWaitSeconds = 7200
	}
	if !svc.DefaultPriority.Valid() {
		svc.DefaultPriority = domain.PriorityMedium
	}

	var id int64
	var err error
	if svc.ServiceID == 0 {
		err = r.db.QueryRowContext(ctx, `
			INSERT INTO services (name, status, avg_wait_seconds, max_wait_seconds, default_priority)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING service_id
		`, svc.Name, string(svc.Status), svc.AvgWaitSeconds, svc.MaxWaitSeconds, int(svc.DefaultPriority)).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx, `
			INSERT INTO services (service_id, name, status, avg_wait_seconds, max_wait_seconds, default_priority)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (service_id) DO UPDATE SET
				name = EXCLUDED.name,
				status = EXCLUDED.status,
				max_wait_seconds = EXCLUDED.max_wait_seconds,
				default_priority = EXCLUDED.default_priority
			RETURNING service_id
		`, svc.ServiceID, svc.Name, string(svc.Status), svc.AvgWaitSeconds, svc.MaxWaitSeconds, int(svc.DefaultPriority)).Scan(&id)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to upsert service: %w", err))
	}
	return r.GetService(ctx, id)
}

func (r *PostgresRegistry) GetTicket(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	return getTicket(ctx, r.db, ticketID, false)
}

func (r *PostgresRegistry) ListWaiting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error) {
	return listByStatus(ctx, r.db, serviceID, domain.StatusWaiting, "position_in_queue ASC")
}

// IntegrityCheck returns missing and duplicated waiting positions for a service.
func (r *PostgresRegistry) IntegrityCheck(ctx context.Context, serviceID int64) (*IntegrityReport, error) {
	query := `
		WITH w AS (
			SELECT position_in_queue AS p
			FROM tickets
			WHERE service_id = $1 AND status = 'waiting'
		), m AS (
			SELECT COALESCE(MAX(p), 0) AS mx FROM w
		)
		SELECT
			ARRAY(
				SELECT g FROM generate_series(1, (SELECT mx FROM m)) AS g
				WHERE NOT EXISTS (SELECT 1 FROM w WHERE w.p = g)
				ORDER BY g
			) AS missing_positions,
			ARRAY(
				SELECT p FROM w WHERE p IS NOT NULL GROUP BY p HAVING COUNT(*) > 1 ORDER BY p
			) AS duplicate_positions,
			(SELECT mx FROM m) AS max_position
	`
	var missing, dups pq.Int64Array
	var maxPos int
	if err := r.db.QueryRowContext(ctx, query, serviceID).Scan(&missing, &dups, &maxPos); err != nil {
		return nil, mapError(fmt.Errorf("failed to check queue integrity: %w", err))
	}
	return &IntegrityReport{
		ServiceID:   serviceID,
		Missing:     toInts(missing),
		Duplicates:  toInts(dups),
		MaxPosition: maxPos,
	}, nil
}

func (r *PostgresRegistry) RecomputeWaitTimes(ctx context.Context, serviceID int64, avgWaitSeconds int) (int, error) {
	return recomputeWaitTimes(ctx, r.db, serviceID, avgWaitSeconds)
}

func (r *PostgresRegistry) SaveServiceAverage(ctx context.Context, serviceID int64, avgWaitSeconds int, lastCalledAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE services
		SET avg_wait_seconds = $2, last_called_at = $3
		WHERE service_id = $1
	`, serviceID, avgWaitSeconds, lastCalledAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to save service average: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service %d: %w", serviceID, domain.ErrServiceNotActive)
	}
	return nil
}

// pgTx RegistryTx 的事务实现
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockService(ctx context.Context, serviceID int64) (*domain.Service, error) {
	return getService(ctx, t.tx, serviceID, true)
}

func (t *pgTx) HasActiveTicket(ctx context.Context, patientID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tickets
			WHERE patient_id = $1 AND status IN ('waiting', 'consulting')
		)
	`, patientID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active ticket: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CountPatientTickets(ctx context.Context, patientID int64, from, to time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tickets
		WHERE patient_id = $1 AND created_at >= $2 AND created_at < $3
	`, patientID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count patient tickets: %w", err)
	}
	return n, nil
}

func (t *pgTx) TicketNumberTaken(ctx context.Context, number string) (bool, error) {
	var taken bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tickets WHERE ticket_number = $1)`, number).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check ticket number: %w", err)
	}
	return taken, nil
}

func (t *pgTx) ReservePosition(ctx context.Context, serviceID int64, priority domain.Priority) (int, error) {
	var ahead int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tickets
		WHERE service_id = $1 AND status = 'waiting' AND priority >= $2
	`, serviceID, int(priority)).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve position: %w", err)
	}
	return ahead + 1, nil
}

func (t *pgTx) InsertTicket(ctx context.Context, tk *domain.Ticket) (int, error) {
	pos := tk.Position()
	if pos < 1 {
		return 0, fmt.Errorf("insert ticket: position must be >= 1, got %d", pos)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tickets
		SET position_in_queue = position_in_queue + 1
		WHERE service_id = $1 AND status = 'waiting' AND position_in_queue >= $2
	`, tk.ServiceID, pos)
	if err != nil {
		return 0, fmt.Errorf("failed to shift positions: %w", err)
	}
	shifted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO tickets (
			ticket_number, service_id, patient_id, priority, status,
			position_in_queue, estimated_wait_seconds, created_at, notes
		) VALUES ($1, $2, $3, $4, 'waiting', $5, $6, $7, $8)
		RETURNING ticket_id
	`, tk.TicketNumber, tk.ServiceID, tk.PatientID, int(tk.Priority),
		pos, tk.EstimatedWaitSeconds, tk.CreatedAt, nullString(tk.Notes)).Scan(&tk.TicketID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ticket: %w", err)
	}
	return int(shifted), nil
}

func (t *pgTx) PopHead(ctx context.Context, serviceID int64, at time.Time) (*domain.Ticket, error) {
	row := t.tx.QueryRowContext(ctx, `
		WITH head AS (
			SELECT ticket_id FROM tickets
			WHERE service_id = $1 AND status = 'waiting'
			ORDER BY position_in_queue ASC
			LIMIT 1
			FOR UPDATE
		)
		UPDATE tickets t
		SET status = 'consulting', called_at = $2, position_in_queue = NULL, estimated_wait_seconds = 0
		FROM head
		WHERE t.ticket_id = head.ticket_id
		RETURNING `+ticketColsT, serviceID, at)
	tk, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop head: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE tickets
		SET position_in_queue = position_in_queue - 1
		WHERE service_id = $1 AND status = 'waiting'
	`, serviceID); err != nil {
		return nil, fmt.Errorf("failed to close head gap: %w", err)
	}
	return tk, nil
}

func (t *pgTx) Head(ctx context.Context, serviceID int64) (*domain.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRowContext(ctx, `
		SELECT `+ticketCols+`
		FROM tickets
		WHERE service_id = $1 AND status = 'waiting' AND position_in_queue = 1
	`, serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue head: %w", err)
	}
	return tk, nil
}

func (t *pgTx) GetTicketForUpdate(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	return getTicket(ctx, t.tx, ticketID, true)
}

func (t *pgTx) ListConsulting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error) {
	return listByStatus(ctx, t.tx, serviceID, domain.StatusConsulting, "called_at ASC, ticket_id ASC")
}

func (t *pgTx) ListWaiting(ctx context.Context, serviceID int64) ([]*domain.Ticket, error) {
	return listByStatus(ctx, t.tx, serviceID, domain.StatusWaiting, "position_in_queue ASC")
}

func (t *pgTx) Cancel(ctx context.Context, ticketID int64, by string, at time.Time) (int, error) {
	return t.leave(ctx, ticketID, domain.StatusCancelled, at, by)
}

func (t *pgTx) Complete(ctx context.Context, ticketID int64, at time.Time) error {
	_, err := t.leave(ctx, ticketID, domain.StatusCompleted, at, "")
	return err
}

// leave transitions a ticket out of its current state and closes the gap it
// leaves behind when it was waiting.
func (t *pgTx) leave(ctx context.Context, ticketID int64, to domain.TicketStatus, at time.Time, by string) (int, error) {
	var serviceID int64
	var status string
	var pos sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT service_id, status, position_in_queue
		FROM tickets WHERE ticket_id = $1
		FOR UPDATE
	`, ticketID).Scan(&serviceID, &status, &pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ticket %d: %w", ticketID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load ticket: %w", err)
	}
	from := domain.TicketStatus(status)
	if !domain.CanTransition(from, to) {
		return 0, fmt.Errorf("ticket %d %s -> %s: %w", ticketID, from, to, domain.ErrIllegalTransition)
	}

	switch to {
	case domain.StatusCompleted:
		_, err = t.tx.ExecContext(ctx, `
			UPDATE tickets
			SET status = 'completed', completed_at = $2, position_in_queue = NULL, estimated_wait_seconds = 0
			WHERE ticket_id = $1
		`, ticketID, at)
	default:
		_, err = t.tx.ExecContext(ctx, `
			UPDATE tickets
			SET status = $2, cancelled_at = $3, cancelled_by = $4, position_in_queue = NULL, estimated_wait_seconds = 0
			WHERE ticket_id = $1
		`, ticketID, string(to), at, nullString(optional(by)))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update ticket status: %w", err)
	}

	if from != domain.StatusWaiting || !pos.Valid {
		return 0, nil
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE tickets
		SET position_in_queue = position_in_queue - 1
		WHERE service_id = $1 AND status = 'waiting' AND position_in_queue > $2
	`, serviceID, pos.Int64); err != nil {
		return 0, fmt.Errorf("failed to close queue gap: %w", err)
	}
	return int(pos.Int64), nil
}

func (t *pgTx) ExpireStale(ctx context.Context, serviceID int64, cutoff, at time.Time) ([]*domain.Ticket, error) {
	rows, err := t.tx.QueryContext(ctx, `
		UPDATE tickets t
		SET status = 'expired', cancelled_at = $3, position_in_queue = NULL, estimated_wait_seconds = 0
		FROM services s
		WHERE s.service_id = t.service_id
		  AND t.service_id = $1
		  AND t.status = 'waiting'
		  AND t.created_at + make_interval(secs => s.max_wait_seconds) < $2
		RETURNING `+ticketColsT, serviceID, cutoff, at)
	if err != nil {
		return nil, fmt.Errorf("failed to expire tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (t *pgTx) Renumber(ctx context.Context, serviceID int64) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		WITH ranked AS (
			SELECT ticket_id,
			       ROW_NUMBER() OVER (ORDER BY priority DESC, created_at ASC, ticket_id ASC) AS rn
			FROM tickets
			WHERE service_id = $1 AND status = 'waiting'
		)
		UPDATE tickets t
		SET position_in_queue = ranked.rn
		FROM ranked
		WHERE t.ticket_id = ranked.ticket_id
		  AND t.position_in_queue IS DISTINCT FROM ranked.rn
	`, serviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to renumber queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (t *pgTx) RecomputeWaitTimes(ctx context.Context, serviceID int64, avgWaitSeconds int) (int, error) {
	return recomputeWaitTimes(ctx, t.tx, serviceID, avgWaitSeconds)
}

func (t *pgTx) NextEventToken(ctx context.Context, serviceID int64) (int64, error) {
	var token int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE services SET event_seq = event_seq + 1
		WHERE service_id = $1
		RETURNING event_seq
	`, serviceID).Scan(&token)
	if err != nil {
		return 0, fmt.Errorf("failed to advance event token: %w", err)
	}
	return token, nil
}

// ---- shared helpers ----

func getService(ctx context.Context, q queryable, serviceID int64, forUpdate bool) (*domain.Service, error) {
	query := `SELECT ` + serviceCols + ` FROM services WHERE service_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanService(q.QueryRowContext(ctx, query, serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %d: %w", serviceID, domain.ErrServiceNotActive)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load service: %w", err))
	}
	return s, nil
}

func getTicket(ctx context.Context, q queryable, ticketID int64, forUpdate bool) (*domain.Ticket, error) {
	query := `SELECT ` + ticketCols + ` FROM tickets WHERE ticket_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	tk, err := scanTicket(q.QueryRowContext(ctx, query, ticketID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", ticketID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load ticket: %w", err))
	}
	return tk, nil
}

func listByStatus(ctx context.Context, q queryable, serviceID int64, status domain.TicketStatus, orderBy string) ([]*domain.Ticket, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+ticketCols+`
		FROM tickets
		WHERE service_id = $1 AND status = $2
		ORDER BY `+orderBy, serviceID, string(status))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query %s tickets: %w", status, err))
	}
	defer rows.Close()
	return scanTickets(rows)
}

func recomputeWaitTimes(ctx context.Context, q queryable, serviceID int64, avgWaitSeconds int) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tickets
		SET estimated_wait_seconds = (position_in_queue - 1) * $2
		WHERE service_id = $1 AND status = 'waiting'
	`, serviceID, avgWaitSeconds)
	if err != nil {
		return 0, mapError(fmt.Errorf("failed to recompute wait times: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanService(row rowScanner) (*domain.Service, error) {
	var s domain.Service
	var status string
	var prio int
	var lastCalled sql.NullTime
	if err := row.Scan(&s.ServiceID, &s.Name, &status, &s.AvgWaitSeconds, &s.MaxWaitSeconds,
		&prio, &lastCalled, &s.EventSeq); err != nil {
		return nil, err
	}
	s.Status = domain.ServiceStatus(status)
	s.DefaultPriority = domain.Priority(prio)
	if lastCalled.Valid {
		v := lastCalled.Time
		s.LastCalledAt = &v
	}
	return &s, nil
}

func scanTicket(row rowScanner) (*domain.Ticket, error) {
	var tk domain.Ticket
	var prio int
	var status string
	var pos sql.NullInt64
	var calledAt, completedAt, cancelledAt sql.NullTime
	var cancelledBy, notes sql.NullString
	if err := row.Scan(&tk.TicketID, &tk.TicketNumber, &tk.ServiceID, &tk.PatientID, &prio, &status,
		&pos, &tk.EstimatedWaitSeconds, &tk.CreatedAt, &calledAt, &completedAt,
		&cancelledAt, &cancelledBy, &notes); err != nil {
		return nil, err
	}
	tk.Priority = domain.Priority(prio)
	tk.Status = domain.TicketStatus(status)
	if pos.Valid {
		tk.PositionInQueue = domain.IntPtr(int(pos.Int64))
	}
	tk.CalledAt = timePtr(calledAt)
	tk.CompletedAt = timePtr(completedAt)
	tk.CancelledAt = timePtr(cancelledAt)
	if cancelledBy.Valid {
		tk.CancelledBy = domain.StringPtr(cancelledBy.String)
	}
	if notes.Valid {
		tk.Notes = domain.StringPtr(notes.String)
	}
	return &tk, nil
}

func scanTickets(rows *sql.Rows) ([]*domain.Ticket, error) {
	var out []*domain.Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		out = append(out, tk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toInts(a pq.Int64Array) []int {
	out := make([]int, 0, len(a))
	for _, v := range a {
		out = append(out, int(v))
	}
	return out
}
