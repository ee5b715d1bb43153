// Package policy joins Service Explorer policies with their observed settings
// and flattens the result into export rows.
package policy

import (
	"bytes"
	"encoding/json"
)

// Defaults substituted for missing fields.
const (
	NotAvailable = "N/A"
	UnknownName  = "UNKNOWN_NAME"
	ZeroScore    = "0"
)

// Record is one raw object from a "results" array.
type Record map[string]json.RawMessage

// Policy is a validated policy listing entry.
type Policy struct {
	ID            string
	Category      string
	CategoryLabel string
	Name          string
}

// Setting is one observed setting of a policy, with defaults applied.
type Setting struct {
	APIName          string
	Name             string
	CurrentValue     string
	Criticality      string
	CriticalityScore string
	ServiceCategory  string
	CategoryLabel    string
}

// ExportRow is one policy/setting pair, flattened.
type ExportRow struct {
	PolicyCategory       string
	PolicyCategoryLabel  string
	PolicyName           string
	PolicyID             string
	APIName              string
	SettingName          string
	CurrentValue         string
	Criticality          string
	CriticalityScore     string
	ServiceCategory      string
	SettingCategoryLabel string
}

// DecodeRecords keeps the items of a "results" array that are JSON objects.
// It also returns how many items were not objects.
func DecodeRecords(items []json.RawMessage) ([]Record, int) {
	records := make([]Record, 0, len(items))
	malformed := 0
	for _, item := range items {
		var r Record
		if err := json.Unmarshal(item, &r); err != nil || r == nil {
			malformed++
			continue
		}
		records = append(records, r)
	}
	return records, malformed
}

// NewExportRow combines a policy with one of its settings.
func NewExportRow(p Policy, s Setting) ExportRow {
	return ExportRow{
		PolicyCategory:       p.Category,
		PolicyCategoryLabel:  p.CategoryLabel,
		PolicyName:           p.Name,
		PolicyID:             p.ID,
		APIName:              s.APIName,
		SettingName:          s.Name,
		CurrentValue:         s.CurrentValue,
		Criticality:          s.Criticality,
		CriticalityScore:     s.CriticalityScore,
		ServiceCategory:      s.ServiceCategory,
		SettingCategoryLabel: s.CategoryLabel,
	}
}

// NormalizePolicy validates a listing entry. The identifier is "id", falling
// back to "policy_id" when "id" is absent, null, empty or zero. Entries
// without an identifier or a category are not policies and report false.
func NormalizePolicy(r Record) (Policy, bool) {
	id := key(r["id"])
	if id == "" {
		id = key(r["policy_id"])
	}
	category := key(r["policy_category"])

	if id == "" || category == "" {
		return Policy{}, false
	}

	return Policy{
		ID:            id,
		Category:      category,
		CategoryLabel: text(r, "policy_category_label", NotAvailable),
		Name:          text(r, "name", UnknownName),
	}, true
}

// NormalizeSetting applies per-field defaults to a settings entry.
func NormalizeSetting(r Record) Setting {
	return Setting{
		APIName:          text(r, "api_name", NotAvailable),
		Name:             text(r, "setting", NotAvailable),
		CurrentValue:     text(r, "current_value", NotAvailable),
		Criticality:      text(r, "criticality", NotAvailable),
		CriticalityScore: text(r, "criticality_score", ZeroScore),
		ServiceCategory:  text(r, "service_category", NotAvailable),
		CategoryLabel:    text(r, "category_label", NotAvailable),
	}
}

// key renders a join key. Only non-empty strings and non-zero numbers count.
// Strings are used verbatim, surrounding whitespace included.
func key(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return ""
		}
		if f, err := n.Float64(); err == nil && f == 0 {
			return ""
		}
		return n.String()
	default:
		return ""
	}
}

// text renders field name of r as a cell value, or def when absent or null.
// Strings are unquoted; numbers, booleans, arrays and objects keep their
// compact JSON form.
func text(r Record, name, def string) string {
	raw := bytes.TrimSpace(r[name])
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return def
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return def
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return def
	}
	return buf.String()
}
