package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/carewire/portalauth/audit"
)

var auditRowColumns = []string{
	"id", "created_at", "company_id", "user_id", "user_email",
	"action", "module", "resource_id", "resource_name", "patient_id",
	"description", "ip_address", "user_agent",
	"previous_values", "new_values", "changed_fields",
	"severity", "success", "error_message",
}

func TestAuditStoreAppend(t *testing.T) {
	store, mock := newMockDB(t)

	mock.ExpectExec(`insert into audit_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &audit.Entry{
		ID:        "01J0000000000000000000TEST",
		Timestamp: time.Now().UTC(),
		CompanyID: "clinic-1",
		UserID:    "u1",
		Action:    audit.ActionUpdate,
		Module:    "patients",
		PreviousValues: map[string]any{
			"phone": "+1555",
		},
		NewValues: map[string]any{
			"phone": "+1666",
		},
		ChangedFields: []string{"phone"},
		Severity:      audit.SeverityWarning,
		Success:       true,
	}
	if err := store.Audit().Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAuditStoreQueryBuildsFilter(t *testing.T) {
	store, mock := newMockDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`select count\(\*\) from audit_logs where company_id=\$1 and module=\$2 and action=\$3`).
		WithArgs("clinic-1", "patients", "DELETE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	rows := sqlmock.NewRows(auditRowColumns).AddRow(
		"e1", now, "clinic-1", "u1", "alice@example.com",
		"DELETE", "patients", "p1", "Chart", "pat-1",
		"record deleted", "10.0.0.1", "ua",
		nil, nil, []byte(`[]`),
		"critical", true, "",
	)
	mock.ExpectQuery(`select .* from audit_logs where company_id=\$1 and module=\$2 and action=\$3 order by created_at desc limit \$4 offset \$5`).
		WithArgs("clinic-1", "patients", "DELETE", 25, 25).
		WillReturnRows(rows)

	entries, total, err := store.Audit().Query(context.Background(), audit.Filter{
		CompanyID: "clinic-1",
		Module:    "patients",
		Action:    audit.ActionDelete,
		Page:      2,
		PageSize:  25,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 7 || len(entries) != 1 {
		t.Fatalf("total=%d entries=%d", total, len(entries))
	}
	if entries[0].Severity != audit.SeverityCritical {
		t.Fatalf("severity = %q", entries[0].Severity)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAuditStoreQueryNoFilter(t *testing.T) {
	store, mock := newMockDB(t)

	mock.ExpectQuery(`select count\(\*\) from audit_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`select .* from audit_logs order by created_at desc limit \$1 offset \$2`).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(auditRowColumns))

	entries, total, err := store.Audit().Query(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 0 || len(entries) != 0 {
		t.Fatalf("expected empty result, got total=%d entries=%d", total, len(entries))
	}
}

func TestAuditStoreUserActivity(t *testing.T) {
	store, mock := newMockDB(t)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	rows := sqlmock.NewRows([]string{"action", "module", "day", "count"}).
		AddRow("READ", "lab_results", "2026-08-03", int64(4)).
		AddRow("READ", "patients", "2026-08-03", int64(2)).
		AddRow("LOGIN", "portal_auth", "2026-08-04", int64(1))
	mock.ExpectQuery(`select action, module, to_char`).
		WithArgs("clinic-1", "u1", from, to).
		WillReturnRows(rows)

	summary, err := store.Audit().UserActivity(context.Background(), "clinic-1", "u1", from, to)
	if err != nil {
		t.Fatalf("UserActivity: %v", err)
	}
	if summary.Total != 7 {
		t.Fatalf("total = %d, want 7", summary.Total)
	}
	if summary.ByAction["READ"] != 6 || summary.ByModule["portal_auth"] != 1 {
		t.Fatalf("bad aggregation: %+v", summary)
	}
	if summary.ByDay["2026-08-03"] != 6 {
		t.Fatalf("by day = %v", summary.ByDay)
	}
}

func TestAuditStoreDeleteOlderThan(t *testing.T) {
	store, mock := newMockDB(t)
	cutoff := time.Now().UTC().AddDate(-7, 0, 0)

	mock.ExpectExec(`delete from audit_logs where created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := store.Audit().DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 12 {
		t.Fatalf("deleted = %d, want 12", n)
	}
}
