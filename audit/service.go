package audit

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultRetention approximates the seven-year clinical record-keeping
// requirement.
const DefaultRetention = 7 * 365 * 24 * time.Hour

const defaultPageSize = 50

// Store is the durable, append-only persistence surface for audit entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter) ([]*Entry, int64, error)
	ResourceHistory(ctx context.Context, companyID, module, resourceID string, limit int) ([]*Entry, error)
	PatientHistory(ctx context.Context, companyID, patientID string, limit int) ([]*Entry, error)
	UserActivity(ctx context.Context, companyID, userID string, from, to time.Time) (*ActivitySummary, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Filter selects audit entries. Zero-valued fields are not applied.
type Filter struct {
	CompanyID  string
	From       *time.Time
	To         *time.Time
	UserID     string
	PatientID  string
	Module     string
	Action     Action
	ResourceID string
	Severity   Severity
	Success    *bool
	// Search matches description, resource name, patient id and user email.
	Search   string
	Page     int
	PageSize int
}

// QueryResult carries one page of entries plus pagination totals.
type QueryResult struct {
	Entries   []*Entry
	Total     int64
	Page      int
	PageCount int
}

// ActivitySummary aggregates a user's recorded actions over a date range.
type ActivitySummary struct {
	Total    int64
	ByAction map[string]int64
	ByModule map[string]int64
	ByDay    map[string]int64
}

// Actor identifies who performed the recorded action.
type Actor struct {
	CompanyID string
	UserID    string
	UserEmail string
	IPAddress string
	UserAgent string
}

// Config tunes the audit service.
type Config struct {
	Retention time.Duration
	PageSize  int
}

// Service derives severity, computes diffs and writes entries through a
// [Store]. Write failures are contained here: the triggering operation never
// sees them.
type Service struct {
	store            Store
	config           Config
	logger           *log.Logger
	criticalFailures atomic.Uint64
}

// NewService creates the audit [Service]. A nil logger falls back to the
// standard logger.
func NewService(store Store, cfg Config, logger *log.Logger) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// CriticalWriteFailures reports how many critical-severity entries failed to
// persist. A non-zero value is an operational alert condition.
func (s *Service) CriticalWriteFailures() uint64 {
	if s == nil {
		return 0
	}
	return s.criticalFailures.Load()
}

// Record persists one entry, filling ID, timestamp and severity. The
// returned error is always nil for store failures — they are logged, counted
// when critical, and swallowed so the business operation is never aborted.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.store == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Severity == "" {
		entry.Severity = DeriveSeverity(entry.Module, entry.Action)
	}

	if err := s.store.Append(ctx, &entry); err != nil {
		if entry.Severity == SeverityCritical {
			s.criticalFailures.Add(1)
			s.logger.Printf("ALERT: critical audit write failed: action=%s module=%s resource=%s err=%v",
				entry.Action, entry.Module, entry.ResourceID, err)
		} else {
			s.logger.Printf("audit write failed: action=%s module=%s err=%v", entry.Action, entry.Module, err)
		}
		return nil
	}
	return nil
}

// LogCreate records a resource creation.
func (s *Service) LogCreate(ctx context.Context, actor Actor, module, resourceID, resourceName, patientID string, newValues map[string]any) error {
	return s.Record(ctx, s.entry(actor, ActionCreate, module, resourceID, resourceName, patientID, Entry{
		NewValues: newValues,
		Success:   true,
	}))
}

// LogRead records access to a resource.
func (s *Service) LogRead(ctx context.Context, actor Actor, module, resourceID, resourceName, patientID string) error {
	return s.Record(ctx, s.entry(actor, ActionRead, module, resourceID, resourceName, patientID, Entry{Success: true}))
}

// LogUpdate records a mutation with a before/after diff. Bookkeeping fields
// (updated_at, updated_by, version) never count as changes.
func (s *Service) LogUpdate(ctx context.Context, actor Actor, module, resourceID, resourceName, patientID string, previous, next map[string]any) error {
	return s.Record(ctx, s.entry(actor, ActionUpdate, module, resourceID, resourceName, patientID, Entry{
		PreviousValues: previous,
		NewValues:      next,
		ChangedFields:  ChangedFields(previous, next),
		Success:        true,
	}))
}

// LogDelete records a deletion, retaining the destroyed values.
func (s *Service) LogDelete(ctx context.Context, actor Actor, module, resourceID, resourceName, patientID string, previous map[string]any) error {
	return s.Record(ctx, s.entry(actor, ActionDelete, module, resourceID, resourceName, patientID, Entry{
		PreviousValues: previous,
		Success:        true,
	}))
}

// LogExport records a bulk data export.
func (s *Service) LogExport(ctx context.Context, actor Actor, module, description string) error {
	return s.Record(ctx, Entry{
		CompanyID:   actor.CompanyID,
		UserID:      actor.UserID,
		UserEmail:   actor.UserEmail,
		IPAddress:   actor.IPAddress,
		UserAgent:   actor.UserAgent,
		Action:      ActionExport,
		Module:      module,
		Description: description,
		Success:     true,
	})
}

// LogLogin records an authentication attempt outcome.
func (s *Service) LogLogin(ctx context.Context, actor Actor, success bool, errorMessage string) error {
	action := ActionLogin
	if !success {
		action = ActionLoginFailed
	}
	return s.Record(ctx, Entry{
		CompanyID:    actor.CompanyID,
		UserID:       actor.UserID,
		UserEmail:    actor.UserEmail,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		Action:       action,
		Module:       "portal_auth",
		Success:      success,
		ErrorMessage: errorMessage,
	})
}

// LogLogout records a session termination.
func (s *Service) LogLogout(ctx context.Context, actor Actor, sessionID string) error {
	return s.Record(ctx, Entry{
		CompanyID:  actor.CompanyID,
		UserID:     actor.UserID,
		UserEmail:  actor.UserEmail,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		Action:     ActionLogout,
		Module:     "portal_auth",
		ResourceID: sessionID,
		Success:    true,
	})
}

// LogPasswordChange records a credential change or reset.
func (s *Service) LogPasswordChange(ctx context.Context, actor Actor, description string) error {
	return s.Record(ctx, Entry{
		CompanyID:   actor.CompanyID,
		UserID:      actor.UserID,
		UserEmail:   actor.UserEmail,
		IPAddress:   actor.IPAddress,
		UserAgent:   actor.UserAgent,
		Action:      ActionPasswordChange,
		Module:      "portal_auth",
		Description: description,
		Success:     true,
	})
}

// LogAccessDenied records a rejected access attempt.
func (s *Service) LogAccessDenied(ctx context.Context, actor Actor, module, resourceID, reason string) error {
	return s.Record(ctx, Entry{
		CompanyID:    actor.CompanyID,
		UserID:       actor.UserID,
		UserEmail:    actor.UserEmail,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		Action:       ActionAccessDenied,
		Module:       module,
		ResourceID:   resourceID,
		Success:      false,
		ErrorMessage: reason,
	})
}

func (s *Service) entry(actor Actor, action Action, module, resourceID, resourceName, patientID string, base Entry) Entry {
	base.CompanyID = actor.CompanyID
	base.UserID = actor.UserID
	base.UserEmail = actor.UserEmail
	base.IPAddress = actor.IPAddress
	base.UserAgent = actor.UserAgent
	base.Action = action
	base.Module = module
	base.ResourceID = resourceID
	base.ResourceName = resourceName
	base.PatientID = patientID
	return base
}

// Query returns one page of matching entries with totals.
func (s *Service) Query(ctx context.Context, filter Filter) (*QueryResult, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = s.config.PageSize
	}

	entries, total, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	pageCount := int((total + int64(filter.PageSize) - 1) / int64(filter.PageSize))
	return &QueryResult{
		Entries:   entries,
		Total:     total,
		Page:      filter.Page,
		PageCount: pageCount,
	}, nil
}

// ResourceHistory returns the most recent entries for one resource.
func (s *Service) ResourceHistory(ctx context.Context, companyID, module, resourceID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = s.config.PageSize
	}
	return s.store.ResourceHistory(ctx, companyID, module, resourceID, limit)
}

// PatientHistory returns the most recent entries linked to one patient.
func (s *Service) PatientHistory(ctx context.Context, companyID, patientID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = s.config.PageSize
	}
	return s.store.PatientHistory(ctx, companyID, patientID, limit)
}

// UserActivity aggregates a user's recorded actions by action, module and day.
func (s *Service) UserActivity(ctx context.Context, companyID, userID string, from, to time.Time) (*ActivitySummary, error) {
	return s.store.UserActivity(ctx, companyID, userID, from, to)
}

// Cleanup deletes entries older than the retention window and reports how
// many were removed. This is the only sanctioned deletion path.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.Retention)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Printf("audit cleanup removed %d entries older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}
