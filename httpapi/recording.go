package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/schema"
)

const maxRecordLine = 16 << 20

// Record is one line of a recording. Exactly one of a batch (Stream with
// BatchID and Patches), a finish marker (Stream with Finished) or a process
// upsert (Process) is set.
type Record struct {
	Stream   StreamKey                `json:"stream,omitempty"`
	BatchID  uint64                   `json:"batch_id,omitempty"`
	Patches  json.RawMessage          `json:"patches,omitempty"`
	Finished bool                     `json:"finished,omitempty"`
	Process  *schema.ExecutionProcess `json:"process,omitempty"`
}

// Recording is an ordered timeline of records.
type Recording struct {
	Records []Record
}

// LoadRecordingFile reads a JSON-lines recording from disk.
func LoadRecordingFile(path string) (Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return Recording{}, err
	}
	defer func() { _ = f.Close() }()
	rec, err := ReadRecording(f)
	if err != nil {
		return Recording{}, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// ReadRecording parses JSON-lines records. Blank lines and lines starting
// with # are skipped.
func ReadRecording(r io.Reader) (Recording, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLine)
	var out Recording
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return Recording{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := record.validate(); err != nil {
			return Recording{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out.Records = append(out.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return Recording{}, err
	}
	return out, nil
}

func (r Record) validate() error {
	if r.Process != nil {
		if r.Stream != "" {
			return fmt.Errorf("%w: process record must not name a stream", schema.ErrInvalidRequest)
		}
		return schema.ValidateProcessID(r.Process.ID)
	}
	if strings.TrimSpace(string(r.Stream)) == "" {
		return fmt.Errorf("%w: record stream is required", schema.ErrInvalidRequest)
	}
	if r.Finished {
		return nil
	}
	data, err := json.Marshal(schema.PatchBatch{BatchID: r.BatchID, Patches: r.Patches})
	if err != nil {
		return err
	}
	_, err = schema.DecodePatchBatch(data)
	return err
}

// Streams lists the distinct stream keys in order of first appearance.
func (r Recording) Streams() []StreamKey {
	seen := make(map[StreamKey]struct{})
	var out []StreamKey
	for _, record := range r.Records {
		if record.Stream == "" {
			continue
		}
		if _, ok := seen[record.Stream]; ok {
			continue
		}
		seen[record.Stream] = struct{}{}
		out = append(out, record.Stream)
	}
	return out
}

// Play feeds a recording into the hub and the process table. Batch records
// are paced by interval. Streams are finished after the recording unless
// hold is set. Play returns when the recording is exhausted or ctx ends.
func Play(ctx context.Context, rec Recording, hub *Hub, procs *ProcessTable, interval time.Duration, hold bool) error {
	log := pslog.Ctx(ctx)
	log.Info("replay start", "records", len(rec.Records), "interval_ms", interval.Milliseconds(), "hold", hold)
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
	}
	published := 0
	for _, record := range rec.Records {
		switch {
		case record.Process != nil:
			procs.Upsert(*record.Process)
		case record.Finished:
			hub.Finish(record.Stream)
		default:
			if timer != nil && published > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
				}
				timer.Reset(interval)
			}
			if hub.Publish(record.Stream, schema.PatchBatch{BatchID: record.BatchID, Patches: record.Patches}) {
				published++
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if !hold {
		for _, key := range rec.Streams() {
			hub.Finish(key)
		}
	}
	log.Info("replay done", "published", published)
	return nil
}
