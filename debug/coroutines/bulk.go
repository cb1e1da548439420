package coroutines

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/mirror"
)

// record is one entry of the bulk dump JSON. Every field is optional.
type record struct {
	Name           *string
	ID             *int64
	Dispatcher     *string
	SequenceNumber *int64
	State          State
}

// parseRecords decodes the JSON of a bulk dump. Only a document that is
// not an array fails; unreadable entries and fields read as absent.
func parseRecords(data string) ([]record, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, &common.MalformedDumpError{Reason: fmt.Sprintf("coroutine JSON is not an array: %v", err)}
	}
	records := make([]record, 0, len(raw))
	for _, entry := range raw {
		records = append(records, parseRecord(entry))
	}
	return records, nil
}

func parseRecord(entry json.RawMessage) record {
	rec := record{State: StateUnknown}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return rec
	}
	rec.Name = jsonString(fields["name"])
	rec.Dispatcher = jsonString(fields["dispatcher"])
	rec.ID = jsonInt(fields["id"])
	rec.SequenceNumber = jsonInt(fields["sequenceNumber"])
	if s := jsonString(fields["state"]); s != nil {
		rec.State = ParseState(*s)
	}
	return rec
}

func jsonString(raw json.RawMessage) *string {
	if raw == nil {
		return nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return s
}

// jsonInt accepts numbers and numeric strings
func jsonInt(raw json.RawMessage) *int64 {
	if raw == nil {
		return nil
	}
	var n *int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	s := jsonString(raw)
	if s == nil {
		return nil
	}
	v, err := strconv.ParseInt(*s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// dumpBulk runs the bulk strategy. The remote call returns
// (json, threads, frames, infos); the three arrays are parallel to the
// JSON entries.
func (d *dump) dumpBulk(ctx context.Context, probes *mirror.DebugProbes) ([]*Snapshot, error) {
	instance, err := probes.Instance(ctx, d.reader)
	if err != nil {
		return nil, err
	}
	result, err := probes.BulkDump(ctx, d.reader, instance)
	if err != nil {
		return nil, err
	}
	if result.Kind != common.KindArray {
		return nil, &common.MalformedDumpError{Reason: fmt.Sprintf("bulk dump returned %s, want array", result.Kind)}
	}
	parts, err := d.reader.Elements(ctx, result)
	if err != nil {
		return nil, err
	}
	if len(parts) != 4 {
		return nil, &common.MalformedDumpError{Reason: fmt.Sprintf("bulk dump has %d parts, want 4", len(parts))}
	}
	text, ok := mirror.String(parts[0])
	if !ok {
		return nil, &common.MalformedDumpError{Reason: fmt.Sprintf("bulk dump JSON is %s, want string", parts[0].Kind)}
	}
	records, err := parseRecords(text)
	if err != nil {
		return nil, err
	}
	var arrays [3][]common.Value
	for i := range arrays {
		if arrays[i], err = d.reader.Elements(ctx, parts[i+1]); err != nil {
			return nil, err
		}
	}
	threads, frames, infos := arrays[0], arrays[1], arrays[2]
	if len(threads) != len(records) || len(frames) != len(records) || len(infos) != len(records) {
		return nil, &common.MalformedDumpError{Reason: fmt.Sprintf("parallel arrays differ in length: json=%d threads=%d frames=%d infos=%d",
			len(records), len(threads), len(frames), len(infos))}
	}

	snapshots := make([]*Snapshot, 0, len(records))
	for i, rec := range records {
		s := &Snapshot{
			Name:               rec.Name,
			Dispatcher:         rec.Dispatcher,
			State:              rec.State,
			LastObservedThread: objectRef(threads[i]),
			LastObservedFrame:  objectRef(frames[i]),
			Info:               objectRef(infos[i]),
		}
		if rec.SequenceNumber != nil {
			s.SequenceNumber = *rec.SequenceNumber
		}
		s.ID = s.SequenceNumber
		if rec.ID != nil {
			s.ID = *rec.ID
		}
		if s.Info != nil {
			if s.CreationFrames, err = d.creationFrames(ctx, *s.Info); err != nil {
				return nil, fmt.Errorf("creation stack of coroutine %d: %w", s.ID, err)
			}
		}
		s.frames = d.frames(s.LastObservedFrame)
		s.reader = d.reader
		s.exec = d.exec
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

func objectRef(v common.Value) *common.ObjectRef {
	obj, ok := v.Object()
	if !ok {
		return nil
	}
	return &obj
}
