package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports entries as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports entries as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ParseExportFormat converts s into an ExportFormat; empty means JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format: %s", s)
}

// ExportOptions configures an export.
type ExportOptions struct {
	Format      ExportFormat // csv or json
	From        time.Time    // Start of time range (inclusive)
	To          time.Time    // End of time range (inclusive)
	PrincipalID string       // Filter by principal (optional)
	Action      Action       // Filter by action (optional)
	Limit       int          // Maximum number of entries to export (0 = no limit)
}

// Export renders entries matching opts, newest first. Hash fields are
// never exported.
func (c *Chain) Export(ctx context.Context, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	entries, err := c.repo.List(ctx, Filter{
		PrincipalID: opts.PrincipalID,
		Action:      opts.Action,
		From:        opts.From,
		To:          opts.To,
		Limit:       opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}

	views := make([]View, len(entries))
	for i, e := range entries {
		views[i] = NewView(e)
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(views)
	}
	return exportToJSON(views)
}

// exportToCSV exports entries to CSV format.
func exportToCSV(views []View) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Seq",
		"Timestamp (UTC)",
		"Principal ID",
		"Action",
		"Resource Type",
		"Resource ID",
		"IP Address",
		"User Agent",
		"Metadata",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, v := range views {
		principal := ""
		if v.PrincipalID != nil {
			principal = *v.PrincipalID
		}
		metadata := ""
		if len(v.Metadata) > 0 {
			data, err := json.Marshal(v.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to encode metadata: %w", err)
			}
			metadata = string(data)
		}

		row := []string{
			v.ID,
			strconv.FormatInt(v.Seq, 10),
			v.CreatedAt.UTC().Format(time.RFC3339),
			principal,
			string(v.Action),
			v.ResourceType,
			v.ResourceID,
			v.IP,
			v.UserAgent,
			metadata,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// exportToJSON exports entries to JSON format.
func exportToJSON(views []View) ([]byte, error) {
	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
