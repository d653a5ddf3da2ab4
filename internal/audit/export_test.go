package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func seedExportChain(t *testing.T) (*Chain, time.Time) {
	t.Helper()
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	chain := NewChain(NewInMemoryRepository(), ChainConfig{
		Logger: newTestLogger(),
		Now:    steppingClock(start),
	})

	inputs := []Input{
		{PrincipalID: "user1", Action: ActionCaseCreate, ResourceType: "case", ResourceID: "case-1"},
		{PrincipalID: "user1", Action: ActionCaseUpdate, ResourceType: "case", ResourceID: "case-1", Metadata: map[string]string{"field": "status"}},
		{PrincipalID: "user2", Action: ActionInvoiceCreate, ResourceType: "invoice", ResourceID: "inv-1"},
		{Action: ActionUserLogin, ResourceType: "session", ResourceID: "anon"},
	}
	for _, in := range inputs {
		if _, err := chain.Append(context.Background(), in); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	return chain, start
}

func TestExport_CSV_ByPrincipal(t *testing.T) {
	chain, _ := seedExportChain(t)

	data, err := chain.Export(context.Background(), ExportOptions{
		Format:      ExportFormatCSV,
		PrincipalID: "user1",
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 CSV rows (header + 2 data), got %d", len(records))
	}

	for _, col := range records[0] {
		if strings.Contains(strings.ToLower(col), "hash") {
			t.Errorf("CSV header exposes hash column %q", col)
		}
	}
	for i := 1; i < len(records); i++ {
		if records[i][3] != "user1" {
			t.Errorf("Row %d Principal ID = %q, want user1", i, records[i][3])
		}
	}
	// Newest first.
	if records[1][4] != string(ActionCaseUpdate) {
		t.Errorf("first row action = %q, want %q", records[1][4], ActionCaseUpdate)
	}
	if records[1][9] != `{"field":"status"}` {
		t.Errorf("metadata column = %q", records[1][9])
	}
}

func TestExport_JSON_All(t *testing.T) {
	chain, _ := seedExportChain(t)

	data, err := chain.Export(context.Background(), ExportOptions{Format: ExportFormatJSON})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if strings.Contains(string(data), "hash") {
		t.Error("JSON export contains hash fields")
	}

	var views []View
	if err := json.Unmarshal(data, &views); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if len(views) != 4 {
		t.Fatalf("len(views) = %d, want 4", len(views))
	}
	if views[0].PrincipalID != nil {
		t.Errorf("anonymous entry principal = %v, want nil", *views[0].PrincipalID)
	}
}

func TestExport_TimeRangeAndLimit(t *testing.T) {
	chain, start := seedExportChain(t)

	// Entries are stamped start+1s .. start+4s.
	data, err := chain.Export(context.Background(), ExportOptions{
		Format: ExportFormatJSON,
		From:   start.Add(2 * time.Second),
		To:     start.Add(4 * time.Second),
		Limit:  2,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var views []View
	if err := json.Unmarshal(data, &views); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len(views) = %d, want 2", len(views))
	}
	if views[0].Seq != 4 || views[1].Seq != 3 {
		t.Errorf("seqs = %d,%d, want 4,3", views[0].Seq, views[1].Seq)
	}
}

func TestExport_InvalidFormat(t *testing.T) {
	chain, _ := seedExportChain(t)
	if _, err := chain.Export(context.Background(), ExportOptions{Format: "xml"}); err == nil {
		t.Error("Export() error = nil, want unsupported format")
	}
}

func TestParseExportFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    ExportFormat
		wantErr bool
	}{
		{"", ExportFormatJSON, false},
		{"json", ExportFormatJSON, false},
		{"csv", ExportFormatCSV, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseExportFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseExportFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}
