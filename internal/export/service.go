// Package export renders an entity's history stream as a flat table, one row
// per changed field, for download as CSV or XLSX.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/entrack/internal/domain"
	"github.com/rpattn/entrack/internal/repository"
)

// Format selects the output encoding of an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a query-string value to a Format.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", value)
	}
}

// MimeType returns the content type to serve the format with.
func (f Format) MimeType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

var headers = []string{
	"recorded_at",
	"seq",
	"action",
	"actor_id",
	"provenance_id",
	"field",
	"old",
	"new",
}

// Service streams history exports. Rows are written in event order; within
// one event, fields are written alphabetically.
type Service struct {
	history repository.HistoryRepository
}

// NewService creates an export service over the history ledger.
func NewService(history repository.HistoryRepository) *Service {
	return &Service{history: history}
}

// Request identifies the history stream to export.
type Request struct {
	EntityType string
	EntityID   uuid.UUID
	Range      domain.TimeRange
}

// FileName builds a download file name for the request.
func (r Request) FileName(format Format) string {
	base := sanitizeFileComponent(r.EntityType)
	if base == "" {
		base = "history"
	}
	return fmt.Sprintf("%s-%s.%s", base, r.EntityID.String(), format)
}

// WriteCSV writes the export as CSV and reports the bytes written.
func (s *Service) WriteCSV(ctx context.Context, req Request, w io.Writer) (int64, error) {
	rows, err := s.rows(ctx, req)
	if err != nil {
		return 0, err
	}

	buffered := bufio.NewWriter(w)
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if err := csvWriter.Write(headers); err != nil {
		return counter.count, fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		if err := csvWriter.Write(row); err != nil {
			return counter.count, fmt.Errorf("write row: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return counter.count, fmt.Errorf("flush rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return counter.count, fmt.Errorf("flush buffered rows: %w", err)
	}
	return counter.count, nil
}

// WriteXLSX writes the export as a single-sheet workbook.
func (s *Service) WriteXLSX(ctx context.Context, req Request, w io.Writer) error {
	rows, err := s.rows(ctx, req)
	if err != nil {
		return err
	}

	workbook := excelize.NewFile()
	defer workbook.Close()

	const sheet = "History"
	index, err := workbook.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	workbook.SetActiveSheet(index)
	if err := workbook.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	writeRow := func(rowIndex int, values []string) error {
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, rowIndex)
			if err != nil {
				return err
			}
			if err := workbook.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
		return nil
	}

	if err := writeRow(1, headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		if err := writeRow(i+2, row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := workbook.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// rows flattens the event stream: a CREATE or DELETE snapshot becomes one
// row per field (old empty for CREATE, new empty for DELETE), an UPDATE
// becomes one row per changed field.
func (s *Service) rows(ctx context.Context, req Request) ([][]string, error) {
	events, err := s.history.ListByEntity(ctx, req.EntityType, req.EntityID, req.Range)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNoHistory, req.EntityType, req.EntityID)
	}

	rows := [][]string{}
	for _, event := range events {
		prefix := eventColumns(event)
		switch event.Action {
		case domain.ActionUpdate:
			changes, err := event.ChangeSetPayload()
			if err != nil {
				return nil, err
			}
			for _, field := range sortedChangeFields(changes) {
				record := changes[field]
				rows = append(rows, appendRow(prefix, field, formatValue(record.Old), formatValue(record.New)))
			}
		default:
			snapshot, err := event.SnapshotPayload()
			if err != nil {
				return nil, err
			}
			for _, field := range sortedSnapshotFields(snapshot) {
				value := formatValue(snapshot[field].Value)
				if event.Action == domain.ActionDelete {
					rows = append(rows, appendRow(prefix, field, value, ""))
					continue
				}
				rows = append(rows, appendRow(prefix, field, "", value))
			}
		}
	}
	return rows, nil
}

func eventColumns(event domain.HistoryEvent) []string {
	actor := ""
	if event.ActorID != nil {
		actor = event.ActorID.String()
	}
	provenance := ""
	if event.ProvenanceID != nil {
		provenance = event.ProvenanceID.String()
	}
	return []string{
		event.RecordedAt.UTC().Format(time.RFC3339Nano),
		fmt.Sprintf("%d", event.Seq),
		string(event.Action),
		actor,
		provenance,
	}
}

func appendRow(prefix []string, field, old, new string) []string {
	row := make([]string, 0, len(prefix)+3)
	row = append(row, prefix...)
	return append(row, field, old, new)
}

func sortedChangeFields(changes domain.ChangeSet) []string {
	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func sortedSnapshotFields(snapshot domain.Snapshot) []string {
	fields := make([]string, 0, len(snapshot))
	for field := range snapshot {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	return strings.Trim(builder.String(), "-")
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
