package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/rawblock/btn-forensics/pkg/models"
)

// CSV Record Decoding
//
// Two column layouts are accepted per direction (input/output):
//
//   single:  input_address,  input_value
//   multi:   input_addresses, input_values   list literal "['a', 'b']"
//                                            or delimited "a,b"
//
// A missing values column means every address carries 1.0. An unparseable
// values cell turns the whole row's values into 1.0. Empty and "nan"
// addresses are dropped. Parsed amounts are kept as given, unrounded.
// Every default applied is reported as a substitution.

var ErrMissingHeader = errors.New("ingest: csv has no header row")

var (
	txIDColumns      = []string{"hash", "transaction_id", "txid"}
	timestampLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}
)

// Report describes what decoding had to repair
type Report struct {
	Rows          int                   `json:"rows"`
	Substitutions []models.Substitution `json:"substitutions,omitempty"`
}

type decoder struct {
	cols   map[string]int
	now    float64
	report *Report
}

// DecodeCSV reads every row of r into records. now stands in for rows
// without a timestamp.
func DecodeCSV(r io.Reader, now time.Time) ([]models.Record, Report, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, Report{}, ErrMissingHeader
	}
	if err != nil {
		return nil, Report{}, fmt.Errorf("read csv header: %w", err)
	}

	var report Report
	d := &decoder{
		cols:   make(map[string]int, len(header)),
		now:    float64(now.UnixNano()) / 1e9,
		report: &report,
	}
	for i, name := range header {
		d.cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var records []models.Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, report, fmt.Errorf("read csv row %d: %w", report.Rows+1, err)
		}
		records = append(records, d.decodeRow(report.Rows, row))
		report.Rows++
	}
	return records, report, nil
}

func (d *decoder) cell(row []string, name string) (string, bool) {
	i, ok := d.cols[name]
	if !ok || i >= len(row) {
		return "", false
	}
	return strings.TrimSpace(row[i]), true
}

func (d *decoder) note(idx int, txID, field, reason string) {
	d.report.Substitutions = append(d.report.Substitutions, models.Substitution{
		RecordIndex: idx,
		TxID:        txID,
		Field:       field,
		Reason:      reason,
	})
}

func (d *decoder) decodeRow(idx int, row []string) models.Record {
	rec := models.Record{}
	for _, name := range txIDColumns {
		if v, ok := d.cell(row, name); ok && v != "" {
			rec.TxID = v
			break
		}
	}

	raw, ok := d.cell(row, "timestamp")
	switch ts, err := parseTimestamp(raw); {
	case !ok || raw == "":
		rec.Timestamp = d.now
		d.note(idx, rec.TxID, "timestamp", "missing timestamp replaced with load time")
	case err != nil:
		rec.Timestamp = d.now
		d.note(idx, rec.TxID, "timestamp", "unparseable timestamp replaced with load time")
	default:
		rec.Timestamp = ts
	}

	rec.Inputs = d.transfers(idx, rec.TxID, row, "input")
	rec.Outputs = d.transfers(idx, rec.TxID, row, "output")
	return rec
}

func parseTimestamp(raw string) (float64, error) {
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return float64(t.Unix()), nil
		}
	}
	return 0, fmt.Errorf("unrecognised timestamp %q", raw)
}

func (d *decoder) transfers(idx int, txID string, row []string, dir string) []models.Transfer {
	if addr, ok := d.cell(row, dir+"_address"); ok {
		if _, hasValue := d.cols[dir+"_value"]; hasValue {
			raw, _ := d.cell(row, dir+"_value")
			if !usableAddress(addr) {
				return nil
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				d.note(idx, txID, dir+"_value", "unparseable value replaced with 1.0")
				v = 1.0
			}
			return []models.Transfer{{Address: addr, Amount: d.amount(idx, txID, dir+"_value", v)}}
		}
	}

	rawAddrs, ok := d.cell(row, dir+"_addresses")
	if !ok {
		return nil
	}
	addrs := splitList(rawAddrs)

	var values []float64
	rawValues, hasValues := d.cell(row, dir+"_values")
	if hasValues {
		parsed, err := parseValues(rawValues)
		if err != nil {
			d.note(idx, txID, dir+"_values", "unparseable values replaced with 1.0")
			parsed = nil
		}
		values = parsed
	} else {
		d.note(idx, txID, dir+"_values", "missing values column, using 1.0")
	}

	out := make([]models.Transfer, 0, len(addrs))
	for i, addr := range addrs {
		if !usableAddress(addr) {
			continue
		}
		v := 1.0
		if i < len(values) {
			v = values[i]
		} else if hasValues && values != nil {
			d.note(idx, txID, dir+"_values", "missing value for "+addr+", using 1.0")
		}
		out = append(out, models.Transfer{Address: addr, Amount: d.amount(idx, txID, dir+"_values", v)})
	}
	return out
}

// amount passes v through; non-finite values become 1.0
func (d *decoder) amount(idx int, txID, field string, v float64) float64 {
	if _, err := btcutil.NewAmount(v); err != nil {
		d.note(idx, txID, field, "invalid amount replaced with 1.0")
		return 1.0
	}
	return v
}

func usableAddress(addr string) bool {
	return addr != "" && !strings.EqualFold(addr, "nan")
}

// splitList accepts "['a', 'b']", "[a,b]" and "a,b"
func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(strings.TrimSpace(p), `'"`))
	}
	return out
}

func parseValues(raw string) ([]float64, error) {
	parts := splitList(raw)
	values := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}
