// Package ingest turns the append-only JSONL event log into observations.
//
// The log is consumed from the byte offset committed by the previous run.
// Each chunk of lines is inserted together with the new offset in one
// transaction, so a crash replays at most one chunk and INSERT OR IGNORE
// absorbs the duplicates. A trailing line without a newline is left for the
// next run because the writer may still be appending to it.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

// DefaultChunkSize is the number of lines committed per transaction.
const DefaultChunkSize = 500

var validate = validator.New()

// Record is one line of the event log. Unknown fields are ignored.
// Producers write the payload as either raw or raw_json.
type Record struct {
	ID          string          `json:"id" validate:"required,max=200"`
	Timestamp   string          `json:"timestamp" validate:"required"`
	SessionID   string          `json:"session_id" validate:"required,max=200"`
	ProjectPath string          `json:"project_path"`
	EventType   string          `json:"event_type" validate:"required,oneof=pre_tool post_tool notification stop"`
	ToolName    string          `json:"tool_name"`
	ToolSuccess Flag            `json:"tool_success"`
	ToolError   string          `json:"tool_error"`
	Friction    map[string]int  `json:"friction"`
	Raw         json.RawMessage `json:"raw"`
	RawJSON     json.RawMessage `json:"raw_json"`
}

// Flag is an optional boolean that also accepts 0 and 1.
type Flag struct {
	Set   bool
	Value bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "null":
		*f = Flag{}
	case "true", "1":
		*f = Flag{Set: true, Value: true}
	case "false", "0":
		*f = Flag{Set: true}
	default:
		return fmt.Errorf("tool_success: want true, false, 0 or 1, got %s", b)
	}
	return nil
}

// Ptr returns nil when the flag was absent.
func (f Flag) Ptr() *bool {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

// Result summarizes one ingestion run.
type Result struct {
	Path          string   `json:"path"`
	Lines         int      `json:"lines"`
	Inserted      int      `json:"inserted"`
	Duplicates    int      `json:"duplicates"`
	Rejected      int      `json:"rejected"`
	UsageRecorded int      `json:"usage_recorded"`
	Offset        int64    `json:"offset"`
	Diagnostics   []string `json:"diagnostics,omitempty"`
}

// Ingester reads event logs into the store.
type Ingester struct {
	store     *store.Store
	log       zerolog.Logger
	chunkSize int
}

// New creates an Ingester.
func New(s *store.Store, log zerolog.Logger) *Ingester {
	return &Ingester{store: s, log: log.With().Str("component", "ingest").Logger(), chunkSize: DefaultChunkSize}
}

// WithChunkSize overrides the number of lines per transaction.
func (in *Ingester) WithChunkSize(n int) *Ingester {
	if n > 0 {
		in.chunkSize = n
	}
	return in
}

// Ingest consumes path from its committed offset to the last complete line.
// A missing file is not an error: there is simply nothing to ingest yet.
func (in *Ingester) Ingest(ctx context.Context, path string) (*Result, error) {
	res := &Result{Path: path}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		done, err := in.ingestChunk(ctx, f, res)
		if err != nil {
			return res, err
		}
		if done {
			break
		}
	}

	in.log.Info().
		Str("path", path).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Int("rejected", res.Rejected).
		Int64("offset", res.Offset).
		Msg("ingested event log")
	return res, nil
}

// ingestChunk processes up to chunkSize lines in one transaction. It reports
// true when the end of the complete lines was reached.
func (in *Ingester) ingestChunk(ctx context.Context, f *os.File, res *Result) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("ingest: stat %s: %w", res.Path, err)
	}

	tx, err := in.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	offset, err := tx.IngestOffset(ctx, res.Path)
	if err != nil {
		return false, err
	}
	if offset > info.Size() {
		res.Diagnostics = append(res.Diagnostics,
			fmt.Sprintf("%s shrank below the committed offset %d; reading from the start", res.Path, offset))
		in.log.Warn().Str("path", res.Path).Int64("offset", offset).Msg("event log truncated, restarting")
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return false, fmt.Errorf("ingest: seek: %w", err)
	}

	capabilities, err := tx.ActiveCapabilityNames(ctx)
	if err != nil {
		return false, err
	}

	r := bufio.NewReader(f)
	lines := 0
	done := false
	for lines < in.chunkSize {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("ingest: read: %w", err)
		}
		if err != nil {
			// EOF, possibly with a partial line still being written.
			done = true
			break
		}
		start := offset
		offset += int64(len(line))
		lines++
		res.Lines++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		obs, err := Decode(line)
		if err != nil {
			res.Rejected++
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("line at offset %d: %v", start, err))
			in.log.Debug().Int64("offset", start).Err(err).Msg("rejected event")
			continue
		}
		inserted, err := tx.InsertObservation(ctx, obs)
		if err != nil {
			return false, err
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		res.Inserted++

		n, err := recordUsage(ctx, tx, capabilities, obs)
		if err != nil {
			return false, err
		}
		res.UsageRecorded += n
	}

	if err := tx.SetIngestOffset(ctx, res.Path, offset); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	res.Offset = offset
	return done || lines == 0, nil
}

// Decode validates one JSON line and converts it into an observation with
// redacted, truncated text fields and a UTC timestamp.
func Decode(line []byte) (*store.Observation, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	if err := validate.Struct(rec); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q", rec.Timestamp)
	}

	raw := payload(rec.Raw)
	if raw == "" {
		raw = payload(rec.RawJSON)
	}

	return &store.Observation{
		ID:          rec.ID,
		Timestamp:   ts.UTC().Format(lifecycle.TimeFormat),
		SessionID:   rec.SessionID,
		ProjectPath: rec.ProjectPath,
		EventType:   rec.EventType,
		ToolName:    rec.ToolName,
		ToolSuccess: rec.ToolSuccess.Ptr(),
		ToolError:   store.Truncate(Redact(rec.ToolError), MaxToolError),
		Friction:    rec.Friction,
		RawExcerpt:  store.Truncate(Redact(raw), MaxRawExcerpt),
	}, nil
}

// payload returns the raw event text. Plain strings are stored unquoted;
// objects stay JSON for raw.<path> lookups.
func payload(m json.RawMessage) string {
	if len(m) == 0 || string(m) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(m, &s) == nil {
		return s
	}
	return string(m)
}

// recordUsage notes a use of every active capability the observation names,
// either as the tool itself or inside the payload.
func recordUsage(ctx context.Context, tx *store.Tx, capabilities map[string]string, obs *store.Observation) (int, error) {
	if len(capabilities) == 0 {
		return 0, nil
	}
	text := strings.ToLower(obs.ToolName + " " + obs.RawExcerpt)
	n := 0
	for name, id := range capabilities {
		if !strings.Contains(text, strings.ToLower(name)) {
			continue
		}
		if err := tx.RecordUsage(ctx, id, obs.SessionID, obs.ToolName); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
