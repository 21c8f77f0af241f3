package integrity_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/slotwarden/slotwarden/internal/integrity"
	"github.com/slotwarden/slotwarden/internal/model"
)

func hashedAction(seq int, typ string) model.ResolutionAction {
	a := model.ResolutionAction{
		ID:           uuid.New(),
		ResolutionID: uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Seq:          seq,
		ActionType:   typ,
		Description:  "executed " + typ,
		PerformedBy:  model.PerformedBySystem,
		PerformedAt:  time.Date(2026, 3, 2, 9, seq, 0, 0, time.UTC),
		Parameters:   map[string]any{"provider": "google"},
		Success:      true,
	}
	a.ContentHash = integrity.ComputeContentHash(integrity.FieldsOf(a))
	return a
}

func TestVerifyChain(t *testing.T) {
	actions := []model.ResolutionAction{hashedAction(1, "keep_internal"), hashedAction(2, "assign")}

	rep := integrity.VerifyChain(actions)
	assert.True(t, rep.Valid())
	assert.Equal(t, 2, rep.Verified)
	assert.Equal(t, integrity.BuildMerkleRoot([]string{actions[0].ContentHash, actions[1].ContentHash}), rep.MerkleRoot)

	actions[1].Description = "tampered"
	rep = integrity.VerifyChain(actions)
	assert.False(t, rep.Valid())
	assert.Equal(t, 1, rep.Verified)
	assert.Equal(t, []uuid.UUID{actions[1].ID}, rep.Mismatched)
}

func TestVerifyChainEmpty(t *testing.T) {
	rep := integrity.VerifyChain(nil)
	assert.True(t, rep.Valid())
	assert.Equal(t, "", rep.MerkleRoot)
}
