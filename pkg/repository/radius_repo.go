package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tendant/mini-nac/pkg/domain"
)

// RadiusRepository writes guest credentials into the FreeRADIUS SQL tables
// and reads its accounting table.
type RadiusRepository struct {
	db *sql.DB
}

// NewRadiusRepository creates a new RADIUS repository.
func NewRadiusRepository(db *sql.DB) *RadiusRepository {
	return &RadiusRepository{db: db}
}

// Provision replaces any rows held by the username with the record's check
// and reply rows in one transaction.
func (r *RadiusRepository) Provision(ctx context.Context, rec domain.CredentialRecord) error {
	err := Tx(ctx, r.db, func(tx *sql.Tx) error {
		if err := deleteCredentialRows(ctx, tx, rec.Username); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO radcheck (username, attribute, op, value) VALUES ($1, $2, ':=', $3)`,
			rec.Username, domain.AttrCleartextPassword, rec.Secret,
		)
		if err != nil {
			return err
		}

		for _, attr := range rec.ReplyAttributes() {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO radreply (username, attribute, op, value) VALUES ($1, $2, '=', $3)`,
				rec.Username, attr.Name, attr.Value,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrProvisioning, rec.Username, err)
	}
	return nil
}

// Deprovision removes every row held by the username. Absence is success.
func (r *RadiusRepository) Deprovision(ctx context.Context, username string) error {
	err := Tx(ctx, r.db, func(tx *sql.Tx) error {
		return deleteCredentialRows(ctx, tx, username)
	})
	if err != nil {
		return fmt.Errorf("%w: removing %s: %w", domain.ErrProvisioning, username, err)
	}
	return nil
}

func deleteCredentialRows(ctx context.Context, q Querier, username string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM radcheck WHERE username = $1`, username); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `DELETE FROM radreply WHERE username = $1`, username)
	return err
}

// OpenAccountingSessions lists accounting records without a stop time.
func (r *RadiusRepository) OpenAccountingSessions(ctx context.Context) ([]domain.AccountingSession, error) {
	query := `
		SELECT COALESCE(username, ''), COALESCE(host(nasipaddress), ''), COALESCE(host(framedipaddress), ''),
			acctstarttime, acctstoptime, COALESCE(acctinputoctets, 0), COALESCE(acctoutputoctets, 0)
		FROM radacct
		WHERE acctstoptime IS NULL
		ORDER BY acctstarttime ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []domain.AccountingSession{}
	for rows.Next() {
		var s domain.AccountingSession
		if err := rows.Scan(
			&s.Username,
			&s.NASIPAddress,
			&s.FramedIPAddress,
			&s.StartTime,
			&s.StopTime,
			&s.InputOctets,
			&s.OutputOctets,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
