package sync

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConflict() *SyncConflict {
	base := Record{"name": "Kwame", "blood_type": "O+", "phone": "0201", "ward": "3"}

	return &SyncConflict{
		ID:                  "c-1",
		EntityType:          "patient",
		EntityID:            "p1",
		Type:                ConflictConcurrentEdit,
		LocalOperation:      OpUpdate,
		LocalChangedAt:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		BaseSnapshot:        base,
		LocalVersion:        base.Overlay(Record{"blood_type": "A+", "phone": "0244"}),
		ServerVersion:       base.Overlay(Record{"blood_type": "B+", "ward": "5", "updated_at": "2026-03-02T08:30:00Z"}),
		ServerVersionNumber: 6,
		ConflictFields:      []string{"blood_type"},
	}
}

func TestResolveManual_Validation(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, slog.New(slog.DiscardHandler))
	c := testConflict()

	_, err := r.ResolveManual(c, map[string]FieldChoice{})
	require.ErrorIs(t, err, ErrIncompleteResolution)

	_, err = r.ResolveManual(c, map[string]FieldChoice{"blood_type": ChooseLocal, "phone": ChooseServer})
	require.ErrorIs(t, err, ErrUnknownField)

	_, err = r.ResolveManual(c, map[string]FieldChoice{"blood_type": "both"})
	require.ErrorIs(t, err, ErrInvalidResolution)

	res, err := r.ResolveManual(c, map[string]FieldChoice{"blood_type": ChooseServer})
	require.NoError(t, err)
	assert.Equal(t, ResolutionMerge, res.Kind)
	assert.Equal(t, ResolvedByUser, res.ResolvedBy)
}

func TestNormalize_ExpandsWholeSideChoices(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, slog.New(slog.DiscardHandler))
	c := testConflict()
	c.ConflictFields = []string{"blood_type", "phone"}

	res, err := r.normalize(c, Resolution{Kind: ResolutionUseServer})
	require.NoError(t, err)
	assert.Equal(t, map[string]FieldChoice{"blood_type": ChooseServer, "phone": ChooseServer}, res.FieldChoices)

	_, err = r.normalize(c, Resolution{Kind: "FLIP"})
	require.ErrorIs(t, err, ErrInvalidResolution)
}

func TestNormalize_MergeRejectedForDeleteConflicts(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, slog.New(slog.DiscardHandler))
	c := testConflict()
	c.Type = ConflictDeleteEdit

	_, err := r.normalize(c, Resolution{Kind: ResolutionMerge, FieldChoices: map[string]FieldChoice{"blood_type": ChooseLocal}})
	require.ErrorIs(t, err, ErrInvalidResolution)
}

func TestPlan(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, slog.New(slog.DiscardHandler))

	t.Run("local choice keeps every local edit", func(t *testing.T) {
		p := r.plan(testConflict(), Resolution{Kind: ResolutionMerge, FieldChoices: map[string]FieldChoice{"blood_type": ChooseLocal}})

		assert.False(t, p.Noop)
		assert.Equal(t, OpUpdate, p.Operation)
		assert.Equal(t, Record{"blood_type": "A+", "phone": "0244"}, p.Payload)
	})

	t.Run("server choice keeps non conflicting local edits", func(t *testing.T) {
		p := r.plan(testConflict(), Resolution{Kind: ResolutionMerge, FieldChoices: map[string]FieldChoice{"blood_type": ChooseServer}})

		assert.Equal(t, Record{"phone": "0244"}, p.Payload)
	})

	t.Run("nothing left to push", func(t *testing.T) {
		c := testConflict()
		c.LocalVersion = c.BaseSnapshot.Overlay(Record{"blood_type": "A+"})

		p := r.plan(c, Resolution{Kind: ResolutionUseServer})
		assert.True(t, p.Noop)
	})

	t.Run("local delete kept", func(t *testing.T) {
		c := testConflict()
		c.LocalOperation = OpDelete
		c.LocalVersion = nil

		p := r.plan(c, Resolution{Kind: ResolutionUseLocal})
		assert.Equal(t, OpDelete, p.Operation)

		assert.True(t, r.plan(c, Resolution{Kind: ResolutionUseServer}).Noop)
	})

	t.Run("edit kept over server delete recreates", func(t *testing.T) {
		c := testConflict()
		c.ServerVersion = nil
		c.LocalVersion = c.LocalVersion.Overlay(Record{"id": "p1"})

		p := r.plan(c, Resolution{Kind: ResolutionUseLocal})
		assert.Equal(t, OpCreate, p.Operation)
		assert.Equal(t, Record{"name": "Kwame", "blood_type": "A+", "phone": "0244", "ward": "3"}, p.Payload)

		assert.True(t, r.plan(c, Resolution{Kind: ResolutionUseServer}).Noop)
	})
}

func TestResolveAutomatic(t *testing.T) {
	t.Parallel()

	r := NewResolver(map[string]Policy{
		"bed": LastWriterWins{},
		"broken": PolicyFunc(func(*SyncConflict) (*Resolution, bool) {
			return &Resolution{Kind: ResolutionMerge}, true
		}),
	}, slog.New(slog.DiscardHandler))

	c := testConflict()

	_, ok := r.ResolveAutomatic(c)
	assert.False(t, ok, "patients default to manual resolution")

	c.EntityType = "bed"
	res, ok := r.ResolveAutomatic(c)
	require.True(t, ok)
	assert.Equal(t, ResolutionUseLocal, res.Kind)
	assert.Equal(t, ResolvedByAuto, res.ResolvedBy)
	assert.Equal(t, map[string]FieldChoice{"blood_type": ChooseLocal}, res.FieldChoices)

	c.EntityType = "broken"
	_, ok = r.ResolveAutomatic(c)
	assert.False(t, ok, "an incomplete automatic decision falls back to manual")
}
