package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/carewire/portalauth/audit"
)

var _ audit.Store = (*AuditStore)(nil)

// AuditStore is the append-only audit trail. Entries are never updated; the
// only deletion path is the retention sweep.
type AuditStore struct {
	db *sql.DB
}

const auditColumns = `id, created_at, company_id, user_id, user_email,
	action, module, resource_id, resource_name, patient_id,
	description, ip_address, user_agent,
	previous_values, new_values, changed_fields,
	severity, success, error_message`

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	prev, err := marshalValues(entry.PreviousValues)
	if err != nil {
		return err
	}
	next, err := marshalValues(entry.NewValues)
	if err != nil {
		return err
	}
	changed, err := json.Marshal(entry.ChangedFields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs(`+auditColumns+`)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		entry.ID, entry.Timestamp, entry.CompanyID, entry.UserID, entry.UserEmail,
		entry.Action, entry.Module, entry.ResourceID, entry.ResourceName, entry.PatientID,
		entry.Description, entry.IPAddress, entry.UserAgent,
		prev, next, changed,
		entry.Severity, entry.Success, entry.ErrorMessage,
	)
	return err
}

// Query applies the filter's non-zero fields as AND conditions and returns
// one page newest-first, plus the unpaged total.
func (s *AuditStore) Query(ctx context.Context, filter audit.Filter) ([]*audit.Entry, int64, error) {
	where, args := buildWhere(filter)

	var total int64
	countQuery := `select count(*) from audit_logs` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(
		`select `+auditColumns+` from audit_logs%s order by created_at desc limit $%d offset $%d`,
		where, len(args)-1, len(args),
	)

	entries, err := s.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *AuditStore) ResourceHistory(ctx context.Context, companyID, module, resourceID string, limit int) ([]*audit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEntries(ctx, `
		select `+auditColumns+` from audit_logs
		where company_id=$1 and module=$2 and resource_id=$3
		order by created_at desc limit $4`,
		companyID, module, resourceID, limit,
	)
}

func (s *AuditStore) PatientHistory(ctx context.Context, companyID, patientID string, limit int) ([]*audit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEntries(ctx, `
		select `+auditColumns+` from audit_logs
		where company_id=$1 and patient_id=$2
		order by created_at desc limit $3`,
		companyID, patientID, limit,
	)
}

func (s *AuditStore) UserActivity(ctx context.Context, companyID, userID string, from, to time.Time) (*audit.ActivitySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		select action, module, to_char(created_at, 'YYYY-MM-DD') as day, count(*)
		from audit_logs
		where company_id=$1 and user_id=$2 and created_at >= $3 and created_at < $4
		group by action, module, day`,
		companyID, userID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &audit.ActivitySummary{
		ByAction: map[string]int64{},
		ByModule: map[string]int64{},
		ByDay:    map[string]int64{},
	}
	for rows.Next() {
		var (
			action, module, day string
			count               int64
		)
		if err := rows.Scan(&action, &module, &day, &count); err != nil {
			return nil, err
		}
		summary.Total += count
		summary.ByAction[action] += count
		summary.ByModule[module] += count
		summary.ByDay[day] += count
	}
	return summary, rows.Err()
}

func (s *AuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from audit_logs where created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildWhere(filter audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.CompanyID != "" {
		add("company_id=$%d", filter.CompanyID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	if filter.UserID != "" {
		add("user_id=$%d", filter.UserID)
	}
	if filter.PatientID != "" {
		add("patient_id=$%d", filter.PatientID)
	}
	if filter.Module != "" {
		add("module=$%d", filter.Module)
	}
	if filter.Action != "" {
		add("action=$%d", string(filter.Action))
	}
	if filter.ResourceID != "" {
		add("resource_id=$%d", filter.ResourceID)
	}
	if filter.Severity != "" {
		add("severity=$%d", string(filter.Severity))
	}
	if filter.Success != nil {
		add("success=$%d", *filter.Success)
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(description ilike $%d or resource_name ilike $%d or patient_id ilike $%d or user_email ilike $%d)",
			n, n, n, n,
		))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

func (s *AuditStore) queryEntries(ctx context.Context, query string, args ...any) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			prev    []byte
			next    []byte
			changed []byte
		)
		err := rows.Scan(
			&e.ID, &e.Timestamp, &e.CompanyID, &e.UserID, &e.UserEmail,
			&e.Action, &e.Module, &e.ResourceID, &e.ResourceName, &e.PatientID,
			&e.Description, &e.IPAddress, &e.UserAgent,
			&prev, &next, &changed,
			&e.Severity, &e.Success, &e.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &e.PreviousValues); err != nil {
				return nil, err
			}
		}
		if len(next) > 0 {
			if err := json.Unmarshal(next, &e.NewValues); err != nil {
				return nil, err
			}
		}
		if len(changed) > 0 {
			if err := json.Unmarshal(changed, &e.ChangedFields); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func marshalValues(values map[string]any) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	return json.Marshal(values)
}
