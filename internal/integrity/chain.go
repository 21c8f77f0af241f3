package integrity

import (
	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
)

// FieldsOf extracts the hashed fields of an action.
func FieldsOf(a model.ResolutionAction) ActionFields {
	return ActionFields{
		ID:           a.ID,
		ResolutionID: a.ResolutionID,
		ActionType:   a.ActionType,
		Description:  a.Description,
		PerformedBy:  a.PerformedBy,
		PerformedAt:  a.PerformedAt,
		Parameters:   a.Parameters,
		Result:       a.Result,
		Success:      a.Success,
	}
}

// VerifyAction reports whether a's stored hash matches its content.
func VerifyAction(a model.ResolutionAction) bool {
	return VerifyContentHash(a.ContentHash, FieldsOf(a))
}

// ChainReport is the verification result for an ordered action chain.
type ChainReport struct {
	Actions    int         `json:"actions"`
	Verified   int         `json:"verified"`
	Mismatched []uuid.UUID `json:"mismatched,omitempty"`
	MerkleRoot string      `json:"merkle_root"`
}

// Valid reports whether every action verified.
func (r ChainReport) Valid() bool { return len(r.Mismatched) == 0 }

// VerifyChain checks each action and builds the Merkle root over the stored
// hashes in the given order.
func VerifyChain(actions []model.ResolutionAction) ChainReport {
	rep := ChainReport{Actions: len(actions)}
	leaves := make([]string, 0, len(actions))
	for _, a := range actions {
		if VerifyAction(a) {
			rep.Verified++
		} else {
			rep.Mismatched = append(rep.Mismatched, a.ID)
		}
		leaves = append(leaves, a.ContentHash)
	}
	rep.MerkleRoot = BuildMerkleRoot(leaves)
	return rep
}
