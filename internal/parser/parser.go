package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Event kinds in a trace
const (
	KindFix   = "fix"
	KindBegin = "begin"
)

// Event is one row of a GPS trace: either a location fix or a route
// selection that begins a session.
type Event struct {
	Kind      string    `json:"event"`
	VanGUID   string    `json:"van_guid"`
	Timestamp time.Time `json:"timestamp"`
	RouteID   int32     `json:"route_id,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// Parser handles parsing of GPS trace files
type Parser struct {
	format string
	logger *slog.Logger
}

// NewParser creates a new parser with the specified format (csv, json or log)
func NewParser(format string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{format: format, logger: logger.With("component", "parser")}
}

// ParseFile parses a trace file. Invalid rows are logged and skipped; the
// result is ordered by timestamp.
func (p *Parser) ParseFile(filename string) ([]Event, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return p.Parse(file)
}

// Parse parses a trace from r
func (p *Parser) Parse(r io.Reader) ([]Event, error) {
	var (
		events []Event
		err    error
	)
	switch strings.ToLower(p.format) {
	case "csv":
		events, err = p.parseCSV(r)
	case "json":
		events, err = p.parseJSON(r)
	case "log":
		events, err = p.parseLog(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
	if err != nil {
		return events, err
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}

// parseCSV parses a trace with header: event,van_guid,timestamp,route_id,latitude,longitude.
// The event column may be omitted or empty for fixes.
func (p *Parser) parseCSV(r io.Reader) ([]Event, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable fields

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var results []Event
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}
		lineNum++

		e, err := recordToEvent(record, indices)
		if err == nil {
			if errs := ValidateEvent(&e); len(errs) > 0 {
				err = fmt.Errorf("%s", errs[0])
			}
		}
		if err != nil {
			p.logger.Warn("skipping row", "line", lineNum, "error", err)
			continue
		}
		results = append(results, e)
	}

	return results, nil
}

func recordToEvent(record []string, indices map[string]int) (Event, error) {
	var e Event
	var err error

	getValue := func(key string) string {
		if idx, ok := indices[key]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	e.Kind = normalizeKind(getValue("event"))
	e.VanGUID = getValue("van_guid")

	e.Timestamp, err = parseTimestamp(getValue("timestamp"))
	if err != nil {
		return e, fmt.Errorf("invalid timestamp: %w", err)
	}

	if e.Kind == KindBegin {
		id, err := strconv.ParseInt(getValue("route_id"), 10, 32)
		if err != nil {
			return e, fmt.Errorf("invalid route_id: %w", err)
		}
		e.RouteID = int32(id)
		return e, nil
	}

	if e.Latitude, err = strconv.ParseFloat(getValue("latitude"), 64); err != nil {
		return e, fmt.Errorf("invalid latitude: %w", err)
	}
	if e.Longitude, err = strconv.ParseFloat(getValue("longitude"), 64); err != nil {
		return e, fmt.Errorf("invalid longitude: %w", err)
	}
	return e, nil
}

// jsonEvent accepts timestamps as strings or epoch numbers
type jsonEvent struct {
	Kind      string          `json:"event"`
	VanGUID   string          `json:"van_guid"`
	Timestamp json.RawMessage `json:"timestamp"`
	RouteID   int32           `json:"route_id"`
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
}

func (j jsonEvent) toEvent() (Event, error) {
	ts, err := parseTimestamp(strings.Trim(string(j.Timestamp), `"`))
	if err != nil {
		return Event{}, err
	}
	return Event{
		Kind:      normalizeKind(j.Kind),
		VanGUID:   j.VanGUID,
		Timestamp: ts,
		RouteID:   j.RouteID,
		Latitude:  j.Latitude,
		Longitude: j.Longitude,
	}, nil
}

// parseJSON parses a JSON array of events or newline-delimited JSON
func (p *Parser) parseJSON(r io.Reader) ([]Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var rows []jsonEvent
	if err := json.Unmarshal(data, &rows); err == nil {
		var results []Event
		for i, row := range rows {
			if e, ok := p.accept(row, i+1); ok {
				results = append(results, e)
			}
		}
		return results, nil
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]Event, error) {
	var results []Event
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}

		// Remove trailing comma if present
		line = strings.TrimSuffix(line, ",")

		var row jsonEvent
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			p.logger.Warn("skipping row", "line", lineNum, "error", err)
			continue
		}
		if e, ok := p.accept(row, lineNum); ok {
			results = append(results, e)
		}
	}

	return results, scanner.Err()
}

func (p *Parser) accept(row jsonEvent, line int) (Event, bool) {
	e, err := row.toEvent()
	if err != nil {
		p.logger.Warn("skipping row", "line", line, "error", err)
		return Event{}, false
	}
	if errs := ValidateEvent(&e); len(errs) > 0 {
		p.logger.Warn("skipping row", "line", line, "error", errs[0])
		return Event{}, false
	}
	return e, true
}

// parseLog parses pipe-delimited lines:
//
//	timestamp|van_guid|lat,lon
//	timestamp|van_guid|begin|route_id
func (p *Parser) parseLog(r io.Reader) ([]Event, error) {
	var results []Event
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			p.logger.Warn("skipping row", "line", lineNum, "error", "insufficient fields")
			continue
		}

		e, err := logLineToEvent(parts)
		if err == nil {
			if errs := ValidateEvent(&e); len(errs) > 0 {
				err = fmt.Errorf("%s", errs[0])
			}
		}
		if err != nil {
			p.logger.Warn("skipping row", "line", lineNum, "error", err)
			continue
		}
		results = append(results, e)
	}

	return results, scanner.Err()
}

func logLineToEvent(parts []string) (Event, error) {
	var e Event
	var err error

	e.Timestamp, err = parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return e, err
	}
	e.VanGUID = strings.TrimSpace(parts[1])

	if strings.EqualFold(strings.TrimSpace(parts[2]), KindBegin) {
		if len(parts) < 4 {
			return e, fmt.Errorf("begin without route_id")
		}
		id, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 32)
		if err != nil {
			return e, fmt.Errorf("invalid route_id: %w", err)
		}
		e.Kind = KindBegin
		e.RouteID = int32(id)
		return e, nil
	}

	e.Kind = KindFix
	coords := strings.Split(parts[2], ",")
	if len(coords) != 2 {
		return e, fmt.Errorf("invalid coordinates %q", parts[2])
	}
	if e.Latitude, err = strconv.ParseFloat(strings.TrimSpace(coords[0]), 64); err != nil {
		return e, fmt.Errorf("invalid latitude: %w", err)
	}
	if e.Longitude, err = strconv.ParseFloat(strings.TrimSpace(coords[1]), 64); err != nil {
		return e, fmt.Errorf("invalid longitude: %w", err)
	}
	return e, nil
}

func normalizeKind(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), KindBegin) {
		return KindBegin
	}
	return KindFix
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds; it is
// in 1973 as milliseconds and in the year 5138 as seconds.
const epochMillisCutoff = 100_000_000_000

// parseTimestamp tries multiple timestamp formats. Results are UTC.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	// Unix timestamp, seconds or milliseconds
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ts >= epochMillisCutoff {
			return time.UnixMilli(ts).UTC(), nil
		}
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidateEvent validates a trace event
func ValidateEvent(e *Event) []string {
	var errors []string

	if e.VanGUID == "" {
		errors = append(errors, "van_guid is required")
	}
	if e.Timestamp.IsZero() {
		errors = append(errors, "timestamp is required")
	}
	if e.Kind == KindBegin {
		if e.RouteID <= 0 {
			errors = append(errors, "route_id must be positive")
		}
		return errors
	}
	if e.Latitude < -90 || e.Latitude > 90 {
		errors = append(errors, "latitude must be between -90 and 90")
	}
	if e.Longitude < -180 || e.Longitude > 180 {
		errors = append(errors, "longitude must be between -180 and 180")
	}

	return errors
}
