// Package bulkimport implements the out-of-band seeding and export format:
// gzipped NDJSON files, one {"Item": record} object per line, exchanged
// through the blob store. The same encoding is used in both directions:
// preparing seed files for the store's bulk-load path and reading full-table
// exports back out for ETL.
package bulkimport

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"

	"github.com/mkalish/videodb-crawler/internal/tracker"
)

// EncodeRecords serializes records to the gzipped NDJSON wire form.
func EncodeRecords(recs []tracker.Record) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, rec := range recs {
		line, err := json.Marshal(tracker.Line{Item: rec})
		if err != nil {
			return nil, fmt.Errorf("encode record %q: %w", rec.TaskID, err)
		}
		if _, err := gz.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("write line: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecords parses the gzipped NDJSON wire form back into records.
func DecodeRecords(data []byte) ([]tracker.Record, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer gz.Close()

	var recs []tracker.Record
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var wrapped tracker.Line
		if err := json.Unmarshal(line, &wrapped); err != nil {
			return nil, fmt.Errorf("decode line: %w", err)
		}
		recs = append(recs, wrapped.Item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan lines: %w", err)
	}
	return recs, nil
}
