package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"kelda/api/model"
)

const serverColumns = `id, name, host, port, username, password, private_key, role, status, cluster_status, sudo_nopasswd, created_at, updated_at`

// Servers implements model.ServerDirectory on the servers table.
type Servers struct {
	db *DB
}

func (db *DB) Servers() *Servers { return &Servers{db: db} }

func (s *Servers) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *Servers) Insert(rec *model.ServerRecord) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO servers (id, name, host, port, username, password, private_key, role, status, cluster_status, sudo_nopasswd)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Name, rec.Host, rec.Port, rec.Username, rec.Password, rec.PrivateKey,
		rec.Role, rec.Status, rec.ClusterStatus, rec.SudoNopasswd,
	)
	return err
}

func (s *Servers) FindByID(id string) (*model.ServerRecord, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	return scanServer(row)
}

// FindByRole returns one AVAILABLE server carrying the role, or nil
// when none is assigned.
func (s *Servers) FindByRole(role model.ServerRole) (*model.ServerRecord, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers
		 WHERE role = $1 AND cluster_status = $2
		 ORDER BY created_at LIMIT 1`,
		role, model.ClusterAvailable,
	)
	return scanServer(row)
}

func (s *Servers) FindAvailable() ([]*model.ServerRecord, error) {
	return s.list(`WHERE cluster_status = 'AVAILABLE'`)
}

func (s *Servers) List() ([]*model.ServerRecord, error) {
	return s.list("")
}

func (s *Servers) list(where string) ([]*model.ServerRecord, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers `+where+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ServerRecord
	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Servers) UpdateStatus(id string, status model.ServerStatus) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.db.pool.Exec(ctx,
		`UPDATE servers SET status = $1, updated_at = now() WHERE id = $2`,
		status, id,
	)
	return err
}

func (s *Servers) UpdateAssignment(id string, role model.ServerRole, cs model.ClusterStatus) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.db.pool.Exec(ctx,
		`UPDATE servers SET role = $1, cluster_status = $2, updated_at = now() WHERE id = $3`,
		role, cs, id,
	)
	return err
}

func (s *Servers) Delete(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.db.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id)
	return err
}

func scanServer(row pgx.Row) (*model.ServerRecord, error) {
	var rec model.ServerRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.Host, &rec.Port, &rec.Username, &rec.Password,
		&rec.PrivateKey, &rec.Role, &rec.Status, &rec.ClusterStatus, &rec.SudoNopasswd,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
