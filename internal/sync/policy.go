package sync

import (
	"fmt"
	"math"
	"time"
)

// Policy decides a conflict without human input. Returning false leaves the
// conflict for manual resolution.
type Policy interface {
	Resolve(c *SyncConflict) (*Resolution, bool)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(c *SyncConflict) (*Resolution, bool)

// Resolve calls f.
func (f PolicyFunc) Resolve(c *SyncConflict) (*Resolution, bool) { return f(c) }

// Policy strategy names accepted by NewPolicy.
const (
	StrategyManual         = "manual"
	StrategyLastWriterWins = "last_writer_wins"
)

const (
	defaultTimestampField = "updated_at"
	lwwNoteFormat         = "last writer wins on %s (local %s, server %s)"
)

// ManualOnly never resolves anything. It is the default for every entity
// type because clinical and financial records must not be overwritten
// silently.
type ManualOnly struct{}

// Resolve always defers to a human.
func (ManualOnly) Resolve(*SyncConflict) (*Resolution, bool) { return nil, false }

// LastWriterWins settles concurrent edits by comparing the local mutation
// time with the server record's timestamp field. When Fields is non-empty it
// only acts if every conflict field is one of them, which limits it to
// counter-like or denormalized fields.
type LastWriterWins struct {
	Fields         []string
	TimestampField string
}

// Resolve picks the side with the later timestamp. Conflicts without a
// comparable server timestamp are left for manual resolution.
func (p LastWriterWins) Resolve(c *SyncConflict) (*Resolution, bool) {
	if c.Type != ConflictConcurrentEdit || len(c.ConflictFields) == 0 {
		return nil, false
	}

	if len(p.Fields) > 0 {
		governed := fieldSet(p.Fields)
		for _, f := range c.ConflictFields {
			if !governed[f] {
				return nil, false
			}
		}
	}

	field := p.TimestampField
	if field == "" {
		field = defaultTimestampField
	}

	serverAt, ok := timestampValue(c.ServerVersion[field])
	if !ok || c.LocalChangedAt.IsZero() {
		return nil, false
	}

	kind := ResolutionUseServer
	if c.LocalChangedAt.After(serverAt) {
		kind = ResolutionUseLocal
	}

	return &Resolution{
		Kind:       kind,
		ResolvedBy: ResolvedByAuto,
		Notes: fmt.Sprintf(lwwNoteFormat, field,
			c.LocalChangedAt.UTC().Format(time.RFC3339), serverAt.UTC().Format(time.RFC3339)),
	}, true
}

// NewPolicy builds a policy from its configured strategy name.
func NewPolicy(strategy string, fields []string, timestampField string) (Policy, error) {
	switch strategy {
	case "", StrategyManual:
		return ManualOnly{}, nil
	case StrategyLastWriterWins:
		return LastWriterWins{Fields: fields, TimestampField: timestampField}, nil
	default:
		return nil, fmt.Errorf("sync: unknown resolution strategy %q", strategy)
	}
}

// timestampFormats are tried in order when a server timestamp is a string.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// timestampValue reads a JSON timestamp: a string in one of the known
// layouts, or a number of Unix milliseconds.
func timestampValue(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		for _, layout := range timestampFormats {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	case float64:
		if x > 0 && !math.IsInf(x, 0) {
			return time.UnixMilli(int64(x)), true
		}
	case int64:
		return time.UnixMilli(x), true
	case int:
		return time.UnixMilli(int64(x)), true
	case time.Time:
		return x, !x.IsZero()
	}

	return time.Time{}, false
}
