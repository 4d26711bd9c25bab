package sync

// ClassificationKind is the outcome of comparing a local mutation with the
// current server state.
type ClassificationKind string

// Classification outcomes.
const (
	ClassClean    ClassificationKind = "CLEAN"
	ClassConflict ClassificationKind = "CONFLICT"
)

// Classification explains a CLEAN or CONFLICT decision.
type Classification struct {
	Kind ClassificationKind
	// Fields lists the true conflict fields, sorted. Empty for CLEAN.
	Fields        []string
	LocalChanged  []string
	ServerChanged []string
	Type          ConflictType
}

// Clean reports whether the mutation can be applied on top of the server state.
func (c Classification) Clean() bool {
	return c.Kind == ClassClean
}

// Detector classifies local mutations against server snapshots using the
// mutation's ancestor snapshot as the common base.
type Detector struct {
	ignore map[string]bool
}

// NewDetector returns a detector that skips metadata fields plus any extra
// fields named in ignore.
func NewDetector(ignore ...string) *Detector {
	return &Detector{ignore: fieldSet(ignore)}
}

// Classify decides whether item can be applied cleanly over server. A nil
// server record means the server copy no longer exists.
//
// localChanged is the set of payload fields that differ from the ancestor;
// serverChanged is the set of fields that differ between the ancestor and the
// server record. Disjoint sets merge cleanly at field level. Fields touched by
// both sides conflict unless both sides wrote the same value.
func (d *Detector) Classify(item *QueueItem, server Record) Classification {
	base := item.BaseSnapshot

	if item.Operation == OpDelete {
		return d.classifyDelete(base, server)
	}

	localChanged := changedFields(base, item.Payload, d.ignore)

	if server == nil {
		if item.Operation == OpCreate {
			return Classification{Kind: ClassClean, LocalChanged: localChanged}
		}

		fields := localChanged
		if len(fields) == 0 {
			fields = recordFields(item.Payload, d.ignore)
		}

		return Classification{
			Kind:         ClassConflict,
			Fields:       fields,
			LocalChanged: localChanged,
			Type:         ConflictDeleteEdit,
		}
	}

	serverChanged := diffFields(base, server, d.ignore)
	out := Classification{
		Kind:          ClassClean,
		LocalChanged:  localChanged,
		ServerChanged: serverChanged,
	}

	if len(serverChanged) == 0 {
		return out
	}

	touched := fieldSet(serverChanged)

	for _, f := range localChanged {
		if touched[f] && !valuesEqual(item.Payload[f], server[f]) {
			out.Fields = append(out.Fields, f)
		}
	}

	if len(out.Fields) > 0 {
		out.Kind = ClassConflict
		out.Type = ConflictConcurrentEdit
	}

	return out
}

// Behind reports whether server holds field values that item's ancestor
// snapshot does not. Such an item has to be classified again before it is
// pushed on top of server.
func (d *Detector) Behind(item *QueueItem, server Record) bool {
	return len(diffFields(item.BaseSnapshot, server, d.ignore)) > 0
}

// classifyDelete treats a local delete as touching every field. It is clean
// when the server has not moved since the ancestor or is already gone.
func (d *Detector) classifyDelete(base, server Record) Classification {
	localChanged := recordFields(base, d.ignore)

	if server == nil {
		return Classification{Kind: ClassClean, LocalChanged: localChanged}
	}

	serverChanged := diffFields(base, server, d.ignore)
	if len(serverChanged) == 0 {
		return Classification{Kind: ClassClean, LocalChanged: localChanged}
	}

	return Classification{
		Kind:          ClassConflict,
		Fields:        serverChanged,
		LocalChanged:  localChanged,
		ServerChanged: serverChanged,
		Type:          ConflictDeleteEdit,
	}
}
