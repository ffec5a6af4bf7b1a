package partition

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
)

// Serialize produces the byte payload for one client's buffer in the
// given format. Element/row order always equals the buffer's
// insertion order.
func Serialize(buf *Buffer, format string) ([]byte, error) {
	switch format {
	case "json":
		return serializeJSON(buf)
	case "jsonl":
		return serializeJSONL(buf)
	case "csv":
		return serializeCSV(buf)
	default:
		return nil, ErrUnknownFormat{Format: format}
	}
}

// serializeJSON encodes the buffer as a single top-level array, no
// trailing newline.
func serializeJSON(buf *Buffer) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, ev := range buf.Events {
		if i > 0 {
			b.WriteByte(',')
		}
		enc, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.EventID, err)
		}
		b.Write(enc)
	}
	b.WriteByte(']')
	return b.Bytes(), nil
}

// serializeJSONL encodes one event per line, every line (including
// the last) terminated by \n.
func serializeJSONL(buf *Buffer) ([]byte, error) {
	var b bytes.Buffer
	for _, ev := range buf.Events {
		enc, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.EventID, err)
		}
		b.Write(enc)
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

// serializeCSV writes a header of the union of top-level event keys
// (sorted lexicographically), one row per event, RFC 4180 quoting via
// encoding/csv, nested values compact-JSON-encoded, missing fields
// emitted as an empty cell.
func serializeCSV(buf *Buffer) ([]byte, error) {
	rows := make([]map[string]string, len(buf.Events))
	keySet := make(map[string]struct{})

	for i, ev := range buf.Events {
		row := map[string]string{
			"event_id":  ev.EventID,
			"client_id": ev.ClientID,
			"time":      ev.Time,
		}
		if len(ev.Payload) > 0 {
			row["payload"] = string(ev.Payload)
		} else {
			row["payload"] = ""
		}
		for k := range row {
			keySet[k] = struct{}{}
		}
		rows[i] = row
	}

	headers := make([]string, 0, len(keySet))
	for k := range keySet {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	var b bytes.Buffer
	w := csv.NewWriter(&b)
	if err := w.Write(headers); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			record[i] = row[h] // zero value "" when a row never set this key
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
