package audit

import (
	"encoding/json"
	"sort"
	"time"
)

// Action classifies what happened to a resource.
type Action string

const (
	ActionCreate           Action = "CREATE"
	ActionRead             Action = "READ"
	ActionUpdate           Action = "UPDATE"
	ActionDelete           Action = "DELETE"
	ActionExport           Action = "EXPORT"
	ActionPrint            Action = "PRINT"
	ActionLogin            Action = "LOGIN"
	ActionLogout           Action = "LOGOUT"
	ActionLoginFailed      Action = "LOGIN_FAILED"
	ActionPasswordChange   Action = "PASSWORD_CHANGE"
	ActionPermissionChange Action = "PERMISSION_CHANGE"
	ActionAccessDenied     Action = "ACCESS_DENIED"
)

// Severity grades how sensitive a recorded action is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Entry is one immutable audit record.
type Entry struct {
	ID             string
	Timestamp      time.Time
	CompanyID      string
	UserID         string
	UserEmail      string
	Action         Action
	Module         string
	ResourceID     string
	ResourceName   string
	PatientID      string
	Description    string
	IPAddress      string
	UserAgent      string
	PreviousValues map[string]any
	NewValues      map[string]any
	ChangedFields  []string
	Severity       Severity
	Success        bool
	ErrorMessage   string
}

// Modules whose records carry clinical weight. Destroying or exporting them
// escalates severity.
var sensitiveModules = map[string]bool{
	"patients":      true,
	"prescriptions": true,
	"lab_results":   true,
}

// DeriveSeverity is a pure function of (module, action).
func DeriveSeverity(module string, action Action) Severity {
	sensitive := sensitiveModules[module]
	switch {
	case action == ActionDelete && sensitive:
		return SeverityCritical
	case action == ActionDelete || action == ActionExport || action == ActionPermissionChange:
		return SeverityWarning
	case (action == ActionCreate || action == ActionUpdate) && sensitive:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Bookkeeping fields excluded from diffs.
var ignoredDiffFields = map[string]bool{
	"updated_at": true,
	"updated_by": true,
	"version":    true,
}

// ChangedFields returns the sorted set of top-level keys present in next
// whose canonical JSON serialization differs from prev. encoding/json
// serializes map keys in sorted order, so structurally equal nested maps
// compare equal regardless of insertion order.
func ChangedFields(prev, next map[string]any) []string {
	changed := make([]string, 0, len(next))
	for key, nextVal := range next {
		if ignoredDiffFields[key] {
			continue
		}
		prevVal, ok := prev[key]
		if !ok {
			changed = append(changed, key)
			continue
		}
		if canonicalJSON(prevVal) != canonicalJSON(nextVal) {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

func canonicalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Unmarshalable values still participate in the diff deterministically.
		return "!" + err.Error()
	}
	return string(data)
}
