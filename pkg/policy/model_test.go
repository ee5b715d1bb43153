package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, raw string) Record {
	t.Helper()
	var r Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

func TestNormalizePolicy(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  Policy
		valid bool
	}{
		{
			name:  "full entry",
			raw:   `{"id":1,"policy_category":"P1","policy_category_label":"Alpha","name":"N"}`,
			want:  Policy{ID: "1", Category: "P1", CategoryLabel: "Alpha", Name: "N"},
			valid: true,
		},
		{
			name:  "policy_id fallback",
			raw:   `{"policy_id":"abc","policy_category":"P1"}`,
			want:  Policy{ID: "abc", Category: "P1", CategoryLabel: NotAvailable, Name: UnknownName},
			valid: true,
		},
		{
			name:  "id wins over policy_id",
			raw:   `{"id":7,"policy_id":8,"policy_category":"P1","name":"N"}`,
			want:  Policy{ID: "7", Category: "P1", CategoryLabel: NotAvailable, Name: "N"},
			valid: true,
		},
		{
			name:  "zero id falls back",
			raw:   `{"id":0,"policy_id":3,"policy_category":"P1","name":"N"}`,
			want:  Policy{ID: "3", Category: "P1", CategoryLabel: NotAvailable, Name: "N"},
			valid: true,
		},
		{
			name:  "null id falls back",
			raw:   `{"id":null,"policy_id":3,"policy_category":"P1","name":"N"}`,
			want:  Policy{ID: "3", Category: "P1", CategoryLabel: NotAvailable, Name: "N"},
			valid: true,
		},
		{name: "no identifier", raw: `{"policy_category":"P1","name":"N"}`},
		{name: "empty identifier", raw: `{"id":"","policy_category":"P1"}`},
		{name: "no category", raw: `{"id":5,"name":"N"}`},
		{name: "empty category", raw: `{"id":5,"policy_category":""}`},
		{name: "object identifier", raw: `{"id":{"x":1},"policy_category":"P1"}`},
		{name: "neither", raw: `{"name":"orphan"}`},
		{
			name:  "whitespace kept verbatim",
			raw:   `{"id":" 7 ","policy_category":" "}`,
			want:  Policy{ID: " 7 ", Category: " ", CategoryLabel: NotAvailable, Name: UnknownName},
			valid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizePolicy(record(t, tt.raw))
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNormalizeSetting_Defaults(t *testing.T) {
	got := NormalizeSetting(record(t, `{}`))

	assert.Equal(t, Setting{
		APIName:          NotAvailable,
		Name:             NotAvailable,
		CurrentValue:     NotAvailable,
		Criticality:      NotAvailable,
		CriticalityScore: ZeroScore,
		ServiceCategory:  NotAvailable,
		CategoryLabel:    NotAvailable,
	}, got)
}

func TestNormalizeSetting_Values(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string", `{"current_value":"on"}`, "on"},
		{"empty string kept", `{"current_value":""}`, ""},
		{"null uses default", `{"current_value":null}`, NotAvailable},
		{"number", `{"current_value":42}`, "42"},
		{"float", `{"current_value":1.5}`, "1.5"},
		{"boolean", `{"current_value":false}`, "false"},
		{"array compacted", `{"current_value":[ "a", "b" ]}`, `["a","b"]`},
		{"object compacted", `{"current_value":{ "k" : 1 }}`, `{"k":1}`},
		{"unicode", `{"current_value":"grün"}`, "grün"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSetting(record(t, tt.raw)).CurrentValue)
		})
	}
}

func TestNormalizeSetting_Score(t *testing.T) {
	assert.Equal(t, "9", NormalizeSetting(record(t, `{"criticality_score":9}`)).CriticalityScore)
	assert.Equal(t, ZeroScore, NormalizeSetting(record(t, `{"criticality_score":null}`)).CriticalityScore)
}

func TestDecodeRecords(t *testing.T) {
	items := []json.RawMessage{
		json.RawMessage(`{"id":1,"policy_category":"A"}`),
		json.RawMessage(`"banner"`),
		json.RawMessage(`3`),
		json.RawMessage(`[{"id":2}]`),
		json.RawMessage(`null`),
		json.RawMessage(`{}`),
	}

	records, malformed := DecodeRecords(items)
	require.Len(t, records, 2)
	assert.Equal(t, 4, malformed)
	assert.Equal(t, json.RawMessage(`1`), records[0]["id"])
	assert.Empty(t, records[1])
}

func TestNewExportRow(t *testing.T) {
	p := Policy{ID: "1", Category: "P1", CategoryLabel: "Alpha", Name: "N"}
	s := Setting{
		APIName:          "s1",
		Name:             "S1",
		CurrentValue:     "on",
		Criticality:      "High",
		CriticalityScore: "9",
		ServiceCategory:  "Core",
		CategoryLabel:    "Sec",
	}

	assert.Equal(t, ExportRow{
		PolicyCategory:       "P1",
		PolicyCategoryLabel:  "Alpha",
		PolicyName:           "N",
		PolicyID:             "1",
		APIName:              "s1",
		SettingName:          "S1",
		CurrentValue:         "on",
		Criticality:          "High",
		CriticalityScore:     "9",
		ServiceCategory:      "Core",
		SettingCategoryLabel: "Sec",
	}, NewExportRow(p, s))
}

func TestFilter(t *testing.T) {
	records := []Record{
		record(t, `{"id":1,"policy_category":"A"}`),
		record(t, `{"name":"orphan"}`),
		record(t, `{"policy_id":2,"policy_category":"B"}`),
		record(t, `{"id":3}`),
	}

	got := Filter(records)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
	assert.Empty(t, Filter(nil))
}

func TestEndpoints(t *testing.T) {
	e := Endpoints{Origin: "https://acme.appomni.com/", Service: "o365", MonitoredServiceID: "12"}

	assert.Equal(t, "https://acme.appomni.com/api/v1/o365/svcexp/12/policy/", e.PolicyList())
	assert.Equal(t,
		"https://acme.appomni.com/api/v1/o365/svcexp/12/policy/policy_settings/"+
			"?ordering=-criticality,setting&policy_category=Mail+Flow&policy_id=a%26b",
		e.PolicySettings(Policy{ID: "a&b", Category: "Mail Flow"}))
}
