package sync

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Resolver applies automatic policies and validates manual decisions. It
// turns a decision into the mutation that carries it to the server.
type Resolver struct {
	policies map[string]Policy
	fallback Policy
	ignore   map[string]bool
	logger   *slog.Logger
}

// NewResolver returns a resolver with per entity type policies. Types
// without a policy are never resolved automatically.
func NewResolver(policies map[string]Policy, logger *slog.Logger) *Resolver {
	if policies == nil {
		policies = make(map[string]Policy)
	}

	return &Resolver{
		policies: policies,
		fallback: ManualOnly{},
		logger:   logger,
	}
}

// ResolveAutomatic consults the entity type's policy.
func (r *Resolver) ResolveAutomatic(c *SyncConflict) (*Resolution, bool) {
	p, ok := r.policies[c.EntityType]
	if !ok {
		p = r.fallback
	}

	res, ok := p.Resolve(c)
	if !ok || res == nil {
		return nil, false
	}

	normalized, err := r.normalize(c, *res)
	if err != nil {
		r.logger.Warn("automatic policy produced an invalid resolution",
			slog.String("conflict_id", c.ID),
			slog.String("entity_type", c.EntityType),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	normalized.ResolvedBy = ResolvedByAuto

	return &normalized, true
}

// ResolveManual builds a MERGE resolution from a per-field choice map. Every
// conflict field needs a choice; partial maps are rejected.
func (r *Resolver) ResolveManual(c *SyncConflict, choices map[string]FieldChoice) (*Resolution, error) {
	res, err := r.normalize(c, Resolution{Kind: ResolutionMerge, FieldChoices: choices})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// normalize validates res against c and expands USE_LOCAL / USE_SERVER into
// a complete choice map.
func (r *Resolver) normalize(c *SyncConflict, res Resolution) (Resolution, error) {
	if res.ResolvedBy == "" {
		res.ResolvedBy = ResolvedByUser
	}

	switch res.Kind {
	case ResolutionUseLocal, ResolutionUseServer:
		side := ChooseLocal
		if res.Kind == ResolutionUseServer {
			side = ChooseServer
		}

		res.FieldChoices = make(map[string]FieldChoice, len(c.ConflictFields))
		for _, f := range c.ConflictFields {
			res.FieldChoices[f] = side
		}

		return res, nil

	case ResolutionMerge:
		if c.Type == ConflictDeleteEdit {
			return res, fmt.Errorf("%w: a delete conflict can only keep the local or the server side",
				ErrInvalidResolution)
		}

		return res, validateChoices(c.ConflictFields, res.FieldChoices)

	default:
		return res, fmt.Errorf("%w: unknown resolution %q", ErrInvalidResolution, res.Kind)
	}
}

func validateChoices(fields []string, choices map[string]FieldChoice) error {
	var missing, unknown, invalid []string

	want := fieldSet(fields)

	for _, f := range fields {
		if _, ok := choices[f]; !ok {
			missing = append(missing, f)
		}
	}

	for f, choice := range choices {
		if !want[f] {
			unknown = append(unknown, f)
			continue
		}

		if choice != ChooseLocal && choice != ChooseServer {
			invalid = append(invalid, f+"="+string(choice))
		}
	}

	sort.Strings(unknown)
	sort.Strings(invalid)

	switch {
	case len(missing) > 0:
		return fmt.Errorf("%w: missing %s", ErrIncompleteResolution, strings.Join(missing, ", "))
	case len(unknown) > 0:
		return fmt.Errorf("%w: %s", ErrUnknownField, strings.Join(unknown, ", "))
	case len(invalid) > 0:
		return fmt.Errorf("%w: choices must be %q or %q, got %s",
			ErrInvalidResolution, ChooseLocal, ChooseServer, strings.Join(invalid, ", "))
	}

	return nil
}

// resolutionPlan is the mutation that carries a decision to the server.
type resolutionPlan struct {
	Operation Operation
	Payload   Record
	// Noop means the server state already matches the decision and nothing
	// needs to be pushed.
	Noop bool
}

// plan merges the local and server records according to res. Fields only
// one side changed keep that side's value; conflict fields follow the
// choice map. Fields that already equal the server value are dropped.
func (r *Resolver) plan(c *SyncConflict, res Resolution) resolutionPlan {
	if c.LocalOperation == OpDelete {
		if res.Kind == ResolutionUseLocal {
			return resolutionPlan{Operation: OpDelete, Payload: Record{}}
		}

		return resolutionPlan{Noop: true}
	}

	if c.ServerVersion == nil {
		if res.Kind != ResolutionUseLocal {
			return resolutionPlan{Noop: true}
		}

		// The server copy is gone; keeping the local side recreates it.
		return resolutionPlan{
			Operation: OpCreate,
			Payload:   c.LocalVersion.Project(recordFields(c.LocalVersion, r.ignore)),
		}
	}

	conflicting := fieldSet(c.ConflictFields)
	payload := Record{}

	for _, f := range changedFields(c.BaseSnapshot, c.LocalVersion, r.ignore) {
		if conflicting[f] && res.FieldChoices[f] == ChooseServer {
			continue
		}

		payload[f] = c.LocalVersion[f]
	}

	for f, v := range payload {
		if sv, ok := c.ServerVersion[f]; ok && valuesEqual(v, sv) {
			delete(payload, f)
		}
	}

	if len(payload) == 0 {
		return resolutionPlan{Noop: true}
	}

	return resolutionPlan{Operation: OpUpdate, Payload: payload}
}
