package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"kelda/api/model"
)

const unitColumns = `id, short_id, owner_id, project_id, component, framework, method, image, domain, namespace, status, source_archive_path, manifest_path, error, created_at, updated_at`

// Units implements model.UnitStore on the deployment_units table.
type Units struct {
	db *DB
}

func (db *DB) Units() *Units { return &Units{db: db} }

func (u *Units) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// Save upserts by id so the pipeline can persist every status
// transition with one call.
func (u *Units) Save(unit *model.DeploymentUnit) error {
	ctx, cancel := u.ctx()
	defer cancel()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now()
	}
	unit.UpdatedAt = time.Now()
	_, err := u.db.pool.Exec(ctx,
		`INSERT INTO deployment_units (id, short_id, owner_id, project_id, component, framework, method, image, domain, namespace, status, source_archive_path, manifest_path, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   image = EXCLUDED.image,
		   source_archive_path = EXCLUDED.source_archive_path,
		   manifest_path = EXCLUDED.manifest_path,
		   error = EXCLUDED.error,
		   updated_at = EXCLUDED.updated_at`,
		unit.ID, unit.ShortID, unit.OwnerID, unit.ProjectID, unit.Component, unit.Framework,
		unit.Method, unit.Image, unit.Domain, unit.Namespace, unit.Status,
		unit.SourceArchivePath, unit.ManifestPath, unit.Error, unit.CreatedAt, unit.UpdatedAt,
	)
	return err
}

func (u *Units) FindByID(id string) (*model.DeploymentUnit, error) {
	ctx, cancel := u.ctx()
	defer cancel()
	row := u.db.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM deployment_units WHERE id = $1`, id)
	return scanUnit(row)
}

func (u *Units) FindByShortID(shortID string) (*model.DeploymentUnit, error) {
	ctx, cancel := u.ctx()
	defer cancel()
	row := u.db.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM deployment_units WHERE short_id = $1`, shortID)
	return scanUnit(row)
}

func (u *Units) List() ([]*model.DeploymentUnit, error) {
	ctx, cancel := u.ctx()
	defer cancel()
	rows, err := u.db.pool.Query(ctx, `SELECT `+unitColumns+` FROM deployment_units ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DeploymentUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, unit)
	}
	return out, rows.Err()
}

func (u *Units) Delete(id string) error {
	ctx, cancel := u.ctx()
	defer cancel()
	_, err := u.db.pool.Exec(ctx, `DELETE FROM deployment_units WHERE id = $1`, id)
	return err
}

func scanUnit(row pgx.Row) (*model.DeploymentUnit, error) {
	var unit model.DeploymentUnit
	err := row.Scan(&unit.ID, &unit.ShortID, &unit.OwnerID, &unit.ProjectID, &unit.Component,
		&unit.Framework, &unit.Method, &unit.Image, &unit.Domain, &unit.Namespace,
		&unit.Status, &unit.SourceArchivePath, &unit.ManifestPath, &unit.Error,
		&unit.CreatedAt, &unit.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &unit, nil
}
