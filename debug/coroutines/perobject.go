package coroutines

import (
	"context"
	"fmt"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/mirror"
)

// dumpPerObject enumerates the coroutine info objects and reads each one
// field by field
func (d *dump) dumpPerObject(ctx context.Context, probes *mirror.DebugProbes) ([]*Snapshot, error) {
	if d.collections == nil {
		return nil, &common.MalformedDumpError{Reason: "java.util.Collection is not available"}
	}
	instance, err := probes.Instance(ctx, d.reader)
	if err != nil {
		return nil, err
	}
	list, err := probes.InfoDump(ctx, d.reader, instance)
	if err != nil {
		return nil, err
	}
	infos, err := d.collections.ToArray(ctx, d.reader, list)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*Snapshot, 0, len(infos))
	for i, v := range infos {
		info, ok := v.Object()
		if !ok {
			return nil, &common.MalformedDumpError{Reason: fmt.Sprintf("coroutine info %d is %s", i, v.Kind)}
		}
		s, err := d.readInfo(ctx, info)
		if err != nil {
			return nil, fmt.Errorf("coroutine info %s: %w", info, err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

func (d *dump) readInfo(ctx context.Context, info common.ObjectRef) (*Snapshot, error) {
	m, ok := mirror.CoroutineInfoOf(ctx, d.resolver, info.ClassName)
	if !ok {
		return nil, &common.MalformedDumpError{Reason: "unknown coroutine info class " + info.ClassName}
	}
	rec, err := m.Read(ctx, d.reader, info)
	if err != nil {
		return nil, err
	}
	ref := info
	s := &Snapshot{
		Name:               rec.Name,
		Dispatcher:         rec.Dispatcher,
		State:              ParseState(rec.State),
		LastObservedThread: rec.LastObservedThread,
		LastObservedFrame:  rec.LastObservedFrame,
		Info:               &ref,
	}
	if rec.SequenceNumber != nil {
		s.SequenceNumber = *rec.SequenceNumber
	}
	s.ID = s.SequenceNumber
	if rec.Context != nil && d.contexts != nil {
		if s.Name == nil {
			s.Name = d.bestEffort(ctx, "name", func() (string, bool, error) {
				return d.contexts.Name(ctx, d.reader, *rec.Context)
			})
		}
		if s.Dispatcher == nil {
			s.Dispatcher = d.bestEffort(ctx, "dispatcher", func() (string, bool, error) {
				return d.contexts.Dispatcher(ctx, d.reader, *rec.Context)
			})
		}
	}
	if s.CreationFrames, err = d.creationFrames(ctx, info); err != nil {
		return nil, err
	}
	s.frames = d.frames(s.LastObservedFrame)
	s.reader = d.reader
	s.exec = d.exec
	return s, nil
}

// bestEffort runs an optional lookup; its failure reads as absent
func (d *dump) bestEffort(ctx context.Context, what string, lookup func() (string, bool, error)) *string {
	v, ok, err := lookup()
	if err != nil {
		d.logger.WithError(err).Debugf("read coroutine %s from context", what)
		return nil
	}
	if !ok {
		return nil
	}
	return &v
}
