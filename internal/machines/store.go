// Package machines is the postgres-backed machine directory: which
// machines exist, which accounts they are linked to, and the metadata the
// hypervisor does not carry.
package machines

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/database"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

// ErrNotFound is returned when a machine uuid is not in the directory.
var ErrNotFound = errors.New("machine not found")

// Store provides directory queries over the shared postgres pool.
type Store struct {
	db     database.PostgresConn
	logger logging.Logger
}

// NewStore wraps the shared connection pool.
func NewStore(db database.PostgresConn, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const machineColumns = `uuid, name, title, description, tags, os, vcpu, ram_max_mib, boot_timestamp, created_at, updated_at`

func scanMachine(row interface{ Scan(...interface{}) error }) (models.Machine, error) {
	var m models.Machine
	var tags pq.StringArray
	err := row.Scan(&m.UUID, &m.Name, &m.Title, &m.Description, &tags, &m.OS,
		&m.VCPU, &m.RAMMax, &m.BootTimestamp, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Machine{}, err
	}
	m.Tags = tags
	return m, nil
}

// Machine fetches one machine with its linked user uuids.
func (s *Store) Machine(ctx context.Context, id string) (models.Machine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE uuid = $1`, id)
	m, err := scanMachine(row)
	if errors.Is(err, database.ErrNoRows) {
		return models.Machine{}, ErrNotFound
	}
	if err != nil {
		return models.Machine{}, fmt.Errorf("query machine %s: %w", id, err)
	}

	users, err := s.LinkedUsers(ctx, id)
	if err != nil {
		return models.Machine{}, err
	}
	m.UserUUIDs = users
	return m, nil
}

// Exists reports whether the directory manages the machine.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM machines WHERE uuid = $1`, id).Scan(&one)
	if errors.Is(err, database.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check machine %s: %w", id, err)
	}
	return true, nil
}

// List returns every machine in the directory.
func (s *Store) List(ctx context.Context) ([]models.Machine, error) {
	return s.listWhere(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY name`)
}

// ListByUser returns the machines linked to one account.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]models.Machine, error) {
	return s.listWhere(ctx,
		`SELECT `+machineColumns+` FROM machines
		 WHERE uuid IN (SELECT machine_uuid FROM machine_users WHERE user_uuid = $1)
		 ORDER BY name`, userID)
}

func (s *Store) listWhere(ctx context.Context, query string, args ...interface{}) ([]models.Machine, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var out []models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AllMachineIDs returns the uuid of every managed machine.
func (s *Store) AllMachineIDs(ctx context.Context) ([]string, error) {
	return s.idsWhere(ctx, `SELECT uuid FROM machines`)
}

// UserMachineIDs returns the uuids of all machines linked to the account,
// owned and assigned alike.
func (s *Store) UserMachineIDs(ctx context.Context, userID string) ([]string, error) {
	return s.idsWhere(ctx,
		`SELECT machine_uuid FROM machine_users WHERE user_uuid = $1`, userID)
}

func (s *Store) idsWhere(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query machine uuids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LinkedUsers returns every account linked to the machine, owner included.
func (s *Store) LinkedUsers(ctx context.Context, machineID string) ([]string, error) {
	return s.idsWhere(ctx,
		`SELECT user_uuid FROM machine_users WHERE machine_uuid = $1`, machineID)
}

// IsLinked reports whether the account may see the machine.
func (s *Store) IsLinked(ctx context.Context, machineID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM machine_users WHERE machine_uuid = $1 AND user_uuid = $2`,
		machineID, userID).Scan(&one)
	if errors.Is(err, database.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check machine link: %w", err)
	}
	return true, nil
}

// Owner returns the administrator who provisioned the machine, or nil if
// the owner account has been deleted.
func (s *Store) Owner(ctx context.Context, machineID string) (*cherryd.AccountRef, error) {
	var ref cherryd.AccountRef
	err := s.db.QueryRowContext(ctx,
		`SELECT u.uuid, u.username FROM machine_users mu
		 JOIN users u ON u.uuid = mu.user_uuid
		 WHERE mu.machine_uuid = $1 AND mu.role = 'owner'`, machineID).
		Scan(&ref.UUID, &ref.Username)
	if errors.Is(err, database.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query machine owner: %w", err)
	}
	return &ref, nil
}

// AssignedClients returns the client accounts assigned to the machine,
// keyed by account uuid.
func (s *Store) AssignedClients(ctx context.Context, machineID string) (map[string]cherryd.AccountRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.uuid, u.username FROM machine_users mu
		 JOIN users u ON u.uuid = mu.user_uuid
		 WHERE mu.machine_uuid = $1 AND mu.role = 'client'`, machineID)
	if err != nil {
		return nil, fmt.Errorf("query assigned clients: %w", err)
	}
	defer rows.Close()

	clients := make(map[string]cherryd.AccountRef)
	for rows.Next() {
		var ref cherryd.AccountRef
		if err := rows.Scan(&ref.UUID, &ref.Username); err != nil {
			return nil, err
		}
		clients[ref.UUID] = ref
	}
	return clients, rows.Err()
}

// Connections returns the remote-access endpoints of the machine keyed by
// protocol.
func (s *Store) Connections(ctx context.Context, machineID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT protocol, address FROM machine_connections WHERE machine_uuid = $1`,
		machineID)
	if err != nil {
		return nil, fmt.Errorf("query machine connections: %w", err)
	}
	defer rows.Close()

	conns := make(map[string]string)
	for rows.Next() {
		var protocol, address string
		if err := rows.Scan(&protocol, &address); err != nil {
			return nil, err
		}
		conns[protocol] = address
	}
	return conns, rows.Err()
}

// ActiveConnections returns the client addresses of live remote sessions.
func (s *Store) ActiveConnections(ctx context.Context, machineID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_addr FROM remote_sessions WHERE machine_uuid = $1 ORDER BY connected_at`,
		machineID)
	if err != nil {
		return nil, fmt.Errorf("query remote sessions: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// Create inserts the machine and its links in one transaction. The owner
// gets role owner, clients role client.
func (s *Store) Create(ctx context.Context, m models.Machine, ownerID string, clientIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create machine: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO machines (uuid, name, title, description, tags, os, vcpu, ram_max_mib)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.UUID, m.Name, m.Title, m.Description, pq.Array(m.Tags), m.OS, m.VCPU, m.RAMMax)
	if err != nil {
		return fmt.Errorf("insert machine %s: %w", m.UUID, err)
	}

	if ownerID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO machine_users (machine_uuid, user_uuid, role) VALUES ($1, $2, 'owner')`,
			m.UUID, ownerID)
		if err != nil {
			return fmt.Errorf("link machine owner: %w", err)
		}
	}
	for _, clientID := range clientIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO machine_users (machine_uuid, user_uuid, role) VALUES ($1, $2, 'client')
			 ON CONFLICT DO NOTHING`,
			m.UUID, clientID)
		if err != nil {
			return fmt.Errorf("link machine client: %w", err)
		}
	}

	return tx.Commit()
}

// Update applies non-nil modifications to the machine row.
func (s *Store) Update(ctx context.Context, id string, name, title, description *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET
		   name        = COALESCE($2, name),
		   title       = COALESCE($3, title),
		   description = COALESCE($4, description),
		   updated_at  = now()
		 WHERE uuid = $1`,
		id, name, title, description)
	if err != nil {
		return fmt.Errorf("update machine %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetClients replaces the assigned client links, leaving the owner link
// untouched.
func (s *Store) SetClients(ctx context.Context, id string, clientIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set clients: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM machine_users WHERE machine_uuid = $1 AND role = 'client'`, id); err != nil {
		return fmt.Errorf("clear machine clients: %w", err)
	}
	for _, clientID := range clientIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO machine_users (machine_uuid, user_uuid, role) VALUES ($1, $2, 'client')
			 ON CONFLICT DO NOTHING`, id, clientID); err != nil {
			return fmt.Errorf("link machine client: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes the machine row; links cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM machines WHERE uuid = $1`, id)
	if err != nil {
		return fmt.Errorf("delete machine %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetBootTimestamp records when the machine came up; nil clears it on
// shutdown.
func (s *Store) SetBootTimestamp(ctx context.Context, id string, ts *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET boot_timestamp = $2, updated_at = now() WHERE uuid = $1`, id, ts)
	if err != nil {
		return fmt.Errorf("set boot timestamp for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// BootTimestamp returns the recorded boot time, nil when powered off.
func (s *Store) BootTimestamp(ctx context.Context, id string) (*time.Time, error) {
	var ts *time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT boot_timestamp FROM machines WHERE uuid = $1`, id).Scan(&ts)
	if errors.Is(err, database.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query boot timestamp: %w", err)
	}
	return ts, nil
}

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
