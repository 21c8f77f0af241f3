package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testFields() ActionFields {
	result := "kept internal booking"
	return ActionFields{
		ID:           uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		ResolutionID: uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		ActionType:   "keep_internal",
		Description:  "Keep the earlier internal booking",
		PerformedBy:  "system",
		PerformedAt:  time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		Parameters:   map[string]any{"external_event_id": "evt-1", "provider": "google"},
		Result:       &result,
		Success:      true,
	}
}

func TestComputeContentHash_Deterministic(t *testing.T) {
	h1 := ComputeContentHash(testFields())
	h2 := ComputeContentHash(testFields())

	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if !strings.HasPrefix(h1, "v2:") || len(h1) != 3+64 {
		t.Fatalf("expected v2-prefixed 64-char hex SHA-256, got %q", h1)
	}
}

func TestComputeContentHash_NilResultAndParams(t *testing.T) {
	f := testFields()
	f.Result = nil
	f.Parameters = nil
	h1 := ComputeContentHash(f)

	empty := ""
	f.Result = &empty
	f.Parameters = map[string]any{}
	h2 := ComputeContentHash(f)

	if h1 != h2 {
		t.Fatalf("nil and empty optional fields should hash the same: %q != %q", h1, h2)
	}
}

func TestComputeContentHash_DifferentInputs(t *testing.T) {
	base := ComputeContentHash(testFields())

	mutations := map[string]func(*ActionFields){
		"action_type":  func(f *ActionFields) { f.ActionType = "reschedule" },
		"performed_by": func(f *ActionFields) { f.PerformedBy = "operator-1" },
		"success":      func(f *ActionFields) { f.Success = false },
		"parameters":   func(f *ActionFields) { f.Parameters["provider"] = "outlook" },
		"performed_at": func(f *ActionFields) { f.PerformedAt = f.PerformedAt.Add(time.Nanosecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := testFields()
			mutate(&f)
			if ComputeContentHash(f) == base {
				t.Fatalf("changing %s should change the hash", name)
			}
		})
	}
}

func TestComputeContentHash_TimezoneIndependent(t *testing.T) {
	f := testFields()
	h1 := ComputeContentHash(f)
	f.PerformedAt = f.PerformedAt.In(time.FixedZone("EST", -5*3600))
	if h2 := ComputeContentHash(f); h1 != h2 {
		t.Fatal("hash should not depend on the timestamp's location")
	}
}

func TestVerifyContentHash(t *testing.T) {
	hash := ComputeContentHash(testFields())

	if !VerifyContentHash(hash, testFields()) {
		t.Fatal("verification should succeed for matching inputs")
	}

	tampered := testFields()
	tampered.Description = "rewritten after the fact"
	if VerifyContentHash(hash, tampered) {
		t.Fatal("verification should fail for tampered inputs")
	}

	if VerifyContentHash(strings.TrimPrefix(hash, "v2:"), testFields()) {
		t.Fatal("unversioned hashes should not verify")
	}
}

func TestBuildMerkleRoot(t *testing.T) {
	if got := BuildMerkleRoot(nil); got != "" {
		t.Fatalf("empty leaves should give empty root, got %q", got)
	}
	if got := BuildMerkleRoot([]string{"a"}); got != "a" {
		t.Fatalf("single leaf should be its own root, got %q", got)
	}

	two := BuildMerkleRoot([]string{"a", "b"})
	if two != hashPair("a", "b") {
		t.Fatal("two-leaf root should be hashPair(a, b)")
	}

	three := BuildMerkleRoot([]string{"a", "b", "c"})
	want := hashPair(hashPair("a", "b"), hashPair("c", "c"))
	if three != want {
		t.Fatalf("odd leaf should pair with itself: got %q want %q", three, want)
	}

	if BuildMerkleRoot([]string{"b", "a"}) == two {
		t.Fatal("leaf order should matter")
	}
}
