package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/types"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// claimLease is how long a ClaimCleanup batch is reserved for its caller
// before another worker is allowed to reclaim it. A worker that crashes
// mid-task simply lets the lease lapse; the task is picked up again on the
// next claim, preserving at-least-once semantics.
const claimLease = 30 * time.Second

// SQLiteStore is the Store implementation backing a single quiltd process.
// It opens one *sql.DB in WAL journal mode: SQLite serializes writers
// internally, so every mutating method here is a short transaction that
// never straddles a clone/netlink/wait4 call in pkg/engine.
type SQLiteStore struct {
	db *sql.DB
}

// NewStore opens (creating if absent) the SQLite database under dataDir
// and applies the embedded schema. Safe to call against an existing
// database; every statement in schema.sql is idempotent.
func NewStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.NewStore", "create data dir", err)
	}

	dbPath := filepath.Join(dataDir, "quilt.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.NewStore", "open database", err)
	}

	// A single connection keeps every caller on one SQLite connection,
	// which combined with WAL mode gives us serialized writers without
	// "database is locked" errors under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, quilterr.Wrap(quilterr.IoError, "storage.NewStore", "enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, quilterr.Wrap(quilterr.IoError, "storage.NewStore", "enable foreign keys", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, quilterr.Wrap(quilterr.IoError, "storage.NewStore", "apply schema", err)
	}

	log.WithComponent("storage").Info().Str("path", dbPath).Msg("store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func macString(mac net.HardwareAddr) sql.NullString {
	if len(mac) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: mac.String(), Valid: true}
}

func ipString(ip net.IP) sql.NullString {
	if ip == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ip.String(), Valid: true}
}

func (s *SQLiteStore) CreateContainer(ctx context.Context, c *types.Container) error {
	specJSON, err := json.Marshal(c.Spec)
	if err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "storage.CreateContainer", "marshal spec", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.CreateContainer", "begin tx", err)
	}
	defer tx.Rollback()

	var name sql.NullString
	if c.Name != "" {
		name = sql.NullString{String: c.Name, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO containers (id, name, state, spec_json, pid, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		c.ID, name, string(c.State), string(specJSON), c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return quilterr.Wrap(quilterr.NameConflict, "storage.CreateContainer", fmt.Sprintf("name %q in use", c.Name), err)
		}
		return quilterr.Wrap(quilterr.IoError, "storage.CreateContainer", "insert container", err)
	}

	for i, m := range c.Spec.Mounts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mounts (container_id, seq, kind, source, target, read_only, size_mb)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, i, string(m.Kind), m.Source, m.Target, m.ReadOnly, m.SizeMB)
		if err != nil {
			return quilterr.Wrap(quilterr.IoError, "storage.CreateContainer", "insert mount", err)
		}
	}

	return quilterr.WrapNilable(quilterr.IoError, "storage.CreateContainer", "commit", tx.Commit())
}

const containerColumns = `id, name, state, spec_json, pid, exit_code, error, ip, mac,
	host_veth, ctr_veth, network_up, created_at, started_at, finished_at`

func scanContainer(row interface{ Scan(...any) error }) (*types.Container, error) {
	var (
		c            types.Container
		name         sql.NullString
		exitCode     sql.NullInt64
		errMsg       sql.NullString
		ipStr        sql.NullString
		macStr       sql.NullString
		hostVeth     sql.NullString
		ctrVeth      sql.NullString
		specJSON     string
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		networkUp   int
		state        string
	)
	if err := row.Scan(&c.ID, &name, &state, &specJSON, &c.PID, &exitCode, &errMsg,
		&ipStr, &macStr, &hostVeth, &ctrVeth, &networkUp, &c.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	c.Name = name.String
	c.State = types.ContainerState(state)
	c.NetworkUp = networkUp != 0
	c.Error = errMsg.String
	c.HostVeth = hostVeth.String
	c.CtrVeth = ctrVeth.String
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		c.ExitCode = &ec
	}
	if ipStr.Valid {
		c.IP = net.ParseIP(ipStr.String)
	}
	if macStr.Valid {
		if mac, err := net.ParseMAC(macStr.String); err == nil {
			c.MAC = mac
		}
	}
	if startedAt.Valid {
		c.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		c.FinishedAt = finishedAt.Time
	}

	var spec types.ContainerSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	c.Spec = &spec

	return &c, nil
}

func (s *SQLiteStore) Get(ctx context.Context, idOrName string) (*types.Container, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+containerColumns+` FROM containers
		WHERE id = ? OR (name = ? AND state != 'REMOVED')
		ORDER BY id = ? DESC
		LIMIT 1`, idOrName, idOrName, idOrName)

	c, err := scanContainer(row)
	if err == sql.ErrNoRows {
		return nil, quilterr.New(quilterr.NotFound, "storage.Get", fmt.Sprintf("container %q not found", idOrName))
	}
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.Get", "scan", err)
	}
	return c, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter types.ListFilter) ([]*types.Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers WHERE 1=1`
	var args []any

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += fmt.Sprintf(" AND state IN (%s)", strings.Join(placeholders, ","))
	}
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.List", "query", err)
	}
	defer rows.Close()

	var out []*types.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, quilterr.Wrap(quilterr.IoError, "storage.List", "scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetState(ctx context.Context, id string, from, to types.ContainerState, patch types.StatePatch) error {
	return s.setState(ctx, id, from, to, patch, nil)
}

func (s *SQLiteStore) SetStateWithCleanup(ctx context.Context, id string, from, to types.ContainerState, patch types.StatePatch, tasks []*types.CleanupTask) error {
	return s.setState(ctx, id, from, to, patch, tasks)
}

func (s *SQLiteStore) setState(ctx context.Context, id string, from, to types.ContainerState, patch types.StatePatch, tasks []*types.CleanupTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.SetState", "begin tx", err)
	}
	defer tx.Rollback()

	set := []string{"state = ?"}
	args := []any{string(to)}

	if patch.PID != nil {
		set = append(set, "pid = ?")
		args = append(args, *patch.PID)
	}
	if patch.ExitCode != nil {
		set = append(set, "exit_code = ?")
		args = append(args, *patch.ExitCode)
	}
	if patch.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.IP != nil {
		set = append(set, "ip = ?")
		args = append(args, ipString(patch.IP))
	}
	if patch.MAC != nil {
		set = append(set, "mac = ?")
		args = append(args, macString(patch.MAC))
	}
	if patch.HostVeth != "" {
		set = append(set, "host_veth = ?")
		args = append(args, patch.HostVeth)
	}
	if patch.CtrVeth != "" {
		set = append(set, "ctr_veth = ?")
		args = append(args, patch.CtrVeth)
	}
	if patch.NetworkUp != nil {
		set = append(set, "network_up = ?")
		args = append(args, *patch.NetworkUp)
	}
	if patch.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *patch.StartedAt)
	}
	if patch.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, *patch.FinishedAt)
	}

	args = append(args, id, string(from))
	query := fmt.Sprintf("UPDATE containers SET %s WHERE id = ? AND state = ?", strings.Join(set, ", "))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.SetState", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.SetState", "rows affected", err)
	}
	if n == 0 {
		row := tx.QueryRowContext(ctx, "SELECT state FROM containers WHERE id = ?", id)
		var current string
		if scanErr := row.Scan(&current); scanErr == sql.ErrNoRows {
			return quilterr.New(quilterr.NotFound, "storage.SetState", fmt.Sprintf("container %q not found", id))
		}
		return quilterr.New(quilterr.IllegalTransition, "storage.SetState",
			fmt.Sprintf("container %q is %s, not %s", id, current, from))
	}

	for _, task := range tasks {
		if err := insertCleanupTask(ctx, tx, task); err != nil {
			return err
		}
	}

	return quilterr.WrapNilable(quilterr.IoError, "storage.SetState", "commit", tx.Commit())
}

func (s *SQLiteStore) DeleteContainer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.DeleteContainer", "begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mounts WHERE container_id = ?", id); err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.DeleteContainer", "delete mounts", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE container_id = ?", id); err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.DeleteContainer", "delete events", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM containers WHERE id = ?", id)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.DeleteContainer", "delete container", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return quilterr.New(quilterr.NotFound, "storage.DeleteContainer", fmt.Sprintf("container %q not found", id))
	}

	return quilterr.WrapNilable(quilterr.IoError, "storage.DeleteContainer", "commit", tx.Commit())
}

func (s *SQLiteStore) ReserveIP(ctx context.Context, ip net.IP, containerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_allocations (ip, container_id, allocated_at) VALUES (?, ?, ?)`,
		ip.String(), containerID, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return quilterr.New(quilterr.ResourceExhausted, "storage.ReserveIP", fmt.Sprintf("%s already allocated", ip))
		}
		return quilterr.Wrap(quilterr.IoError, "storage.ReserveIP", "insert", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseIP(ctx context.Context, ip net.IP) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM ip_allocations WHERE ip = ?", ip.String())
	return quilterr.WrapNilable(quilterr.IoError, "storage.ReleaseIP", "delete", err)
}

func (s *SQLiteStore) ListAllocatedIPs(ctx context.Context) ([]types.IPAllocation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT ip, container_id, allocated_at FROM ip_allocations")
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.ListAllocatedIPs", "query", err)
	}
	defer rows.Close()

	var out []types.IPAllocation
	for rows.Next() {
		var ipStr string
		var alloc types.IPAllocation
		if err := rows.Scan(&ipStr, &alloc.ContainerID, &alloc.AllocatedAt); err != nil {
			return nil, quilterr.Wrap(quilterr.IoError, "storage.ListAllocatedIPs", "scan", err)
		}
		alloc.IP = net.ParseIP(ipStr)
		out = append(out, alloc)
	}
	return out, rows.Err()
}

func insertCleanupTask(ctx context.Context, tx *sql.Tx, t *types.CleanupTask) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cleanup_tasks (id, container_id, kind, payload, attempts, next_attempt, stuck, created_at)
		VALUES (?, ?, ?, ?, 0, ?, 0, ?)`,
		t.ID, t.ContainerID, string(t.Kind), t.Payload, time.Now(), time.Now())
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.EnqueueCleanup", "insert", err)
	}
	return nil
}

func (s *SQLiteStore) EnqueueCleanup(ctx context.Context, task *types.CleanupTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.EnqueueCleanup", "begin tx", err)
	}
	defer tx.Rollback()
	if err := insertCleanupTask(ctx, tx, task); err != nil {
		return err
	}
	return quilterr.WrapNilable(quilterr.IoError, "storage.EnqueueCleanup", "commit", tx.Commit())
}

// ClaimCleanup atomically reserves up to batch due, unclaimed tasks for
// claimLease and returns them. Callers must call CompleteCleanup or
// BumpRetry before the lease expires, or another worker will reclaim the
// same task — at-least-once, never at-most-once.
func (s *SQLiteStore) ClaimCleanup(ctx context.Context, now time.Time, batch int) ([]*types.CleanupTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE cleanup_tasks
		SET claimed_until = ?
		WHERE id IN (
			SELECT id FROM cleanup_tasks
			WHERE stuck = 0
			  AND next_attempt <= ?
			  AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY next_attempt
			LIMIT ?
		)
		RETURNING id, container_id, kind, payload, attempts, next_attempt, stuck, created_at`,
		now.Add(claimLease), now, now, batch)
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.ClaimCleanup", "claim", err)
	}
	defer rows.Close()

	var out []*types.CleanupTask
	for rows.Next() {
		var t types.CleanupTask
		var kind string
		var stuck int
		if err := rows.Scan(&t.ID, &t.ContainerID, &kind, &t.Payload, &t.Attempts, &t.NextAttempt, &stuck, &t.CreatedAt); err != nil {
			return nil, quilterr.Wrap(quilterr.IoError, "storage.ClaimCleanup", "scan", err)
		}
		t.Kind = types.CleanupTaskKind(kind)
		t.Stuck = stuck != 0
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CompleteCleanup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cleanup_tasks WHERE id = ?", id)
	return quilterr.WrapNilable(quilterr.IoError, "storage.CompleteCleanup", "delete", err)
}

// BumpRetry reschedules a task after a failed attempt, or marks it stuck
// (kept, never dropped, per invariant 5) once the caller's retry budget is
// exhausted.
func (s *SQLiteStore) BumpRetry(ctx context.Context, id string, next time.Time, markStuck bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cleanup_tasks
		SET attempts = attempts + 1, next_attempt = ?, claimed_until = NULL, stuck = ?
		WHERE id = ?`, next, markStuck, id)
	return quilterr.WrapNilable(quilterr.IoError, "storage.BumpRetry", "update", err)
}

func (s *SQLiteStore) HasOutstandingCleanup(ctx context.Context, containerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM cleanup_tasks WHERE container_id = ?", containerID).Scan(&n)
	if err != nil {
		return false, quilterr.Wrap(quilterr.IoError, "storage.HasOutstandingCleanup", "query", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CountPendingCleanupTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM cleanup_tasks WHERE stuck = 0").Scan(&n)
	if err != nil {
		return 0, quilterr.Wrap(quilterr.IoError, "storage.CountPendingCleanupTasks", "query", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountStuckCleanupTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM cleanup_tasks WHERE stuck = 1").Scan(&n)
	if err != nil {
		return 0, quilterr.Wrap(quilterr.IoError, "storage.CountStuckCleanupTasks", "query", err)
	}
	return n, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *types.Event) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "storage.AppendEvent", "marshal attributes", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (container_id, sequence, kind, timestamp, attributes_json)
		VALUES (?, ?, ?, ?, ?)`,
		e.ContainerID, e.Sequence, string(e.Kind), e.Timestamp, string(attrs))
	return quilterr.WrapNilable(quilterr.IoError, "storage.AppendEvent", "insert", err)
}

func (s *SQLiteStore) ListEventsSince(ctx context.Context, containerID string, sinceSeq uint64) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT container_id, sequence, kind, timestamp, attributes_json
		FROM events WHERE container_id = ? AND sequence > ? ORDER BY sequence`,
		containerID, sinceSeq)
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.ListEventsSince", "query", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var e types.Event
		var kind, attrs string
		if err := rows.Scan(&e.ContainerID, &e.Sequence, &kind, &e.Timestamp, &attrs); err != nil {
			return nil, quilterr.Wrap(quilterr.IoError, "storage.ListEventsSince", "scan", err)
		}
		e.Kind = types.EventKind(kind)
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateVolume(ctx context.Context, v *types.Volume) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (name, driver, mount_path, created_at) VALUES (?, ?, ?, ?)`,
		v.Name, v.Driver, v.MountPath, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return quilterr.New(quilterr.NameConflict, "storage.CreateVolume", fmt.Sprintf("volume %q exists", v.Name))
		}
		return quilterr.Wrap(quilterr.IoError, "storage.CreateVolume", "insert", err)
	}
	return nil
}

func (s *SQLiteStore) GetVolume(ctx context.Context, name string) (*types.Volume, error) {
	var v types.Volume
	err := s.db.QueryRowContext(ctx, "SELECT name, driver, mount_path, created_at FROM volumes WHERE name = ?", name).
		Scan(&v.Name, &v.Driver, &v.MountPath, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, quilterr.New(quilterr.NotFound, "storage.GetVolume", fmt.Sprintf("volume %q not found", name))
	}
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.GetVolume", "scan", err)
	}
	return &v, nil
}

func (s *SQLiteStore) ListVolumes(ctx context.Context) ([]*types.Volume, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, driver, mount_path, created_at FROM volumes ORDER BY name")
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "storage.ListVolumes", "query", err)
	}
	defer rows.Close()

	var out []*types.Volume
	for rows.Next() {
		var v types.Volume
		if err := rows.Scan(&v.Name, &v.Driver, &v.MountPath, &v.CreatedAt); err != nil {
			return nil, quilterr.Wrap(quilterr.IoError, "storage.ListVolumes", "scan", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteVolume(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM volumes WHERE name = ?", name)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "storage.DeleteVolume", "delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return quilterr.New(quilterr.NotFound, "storage.DeleteVolume", fmt.Sprintf("volume %q not found", name))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
