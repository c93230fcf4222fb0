package postgres

import (
	"context"
)

// PatientExists reports whether a clinical patient record exists within the
// tenant. The patients table belongs to the clinical system; this store only
// reads it to gate registration.
func (d *DB) PatientExists(ctx context.Context, companyID, patientID string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		`select exists(select 1 from patients where company_id=$1 and id=$2)`,
		companyID, patientID,
	).Scan(&exists)
	return exists, err
}
