package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkallio/fanout/internal/workitem"
)

// writeTestWorkflow creates a workflow file on disk and returns its path
// and content hash.
func writeTestWorkflow(t *testing.T, content string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	hash, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash workflow: %v", err)
	}
	return path, hash
}

// newTestCheckpoint builds a map-phase checkpoint with n pending items
// referencing a real workflow file.
func newTestCheckpoint(t *testing.T, jobID string, n int) *Checkpoint {
	t.Helper()
	path, hash := writeTestWorkflow(t, "name: test\n")

	var pending []workitem.Item
	for i := 0; i < n; i++ {
		pending = append(pending, workitem.New(itemID(i), json.RawMessage(`{}`)))
	}

	return &Checkpoint{
		Version:      Version,
		JobID:        jobID,
		Phase:        PhaseMap,
		WorkflowPath: path,
		WorkflowHash: hash,
		TotalItems:   n,
		PendingItems: pending,
		Variables:    map[string]string{},
		CreatedAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Reason:       ReasonItemInterval,
	}
}

func itemID(i int) string {
	return string(rune('0' + i))
}

func TestComputeIntegrityHash_RoundTrip(t *testing.T) {
	cp := newTestCheckpoint(t, "job-rt", 3)

	hash, err := ComputeIntegrityHash(cp)
	if err != nil {
		t.Fatalf("ComputeIntegrityHash: %v", err)
	}
	cp.IntegrityHash = hash

	data, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Checkpoint
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	recomputed, err := ComputeIntegrityHash(&decoded)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if recomputed != hash {
		t.Errorf("hash changed across serialize/deserialize: %s != %s", recomputed, hash)
	}

	ok, err := VerifyIntegrity(&decoded)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !ok {
		t.Error("round-tripped checkpoint failed integrity verification")
	}
}

func TestComputeIntegrityHash_ExcludesHashField(t *testing.T) {
	cp := newTestCheckpoint(t, "job-h", 1)

	h1, err := ComputeIntegrityHash(cp)
	if err != nil {
		t.Fatalf("ComputeIntegrityHash: %v", err)
	}
	cp.IntegrityHash = h1
	h2, err := ComputeIntegrityHash(cp)
	if err != nil {
		t.Fatalf("ComputeIntegrityHash: %v", err)
	}
	if h1 != h2 {
		t.Error("hash depends on the stored hash field; it must be computed with the field cleared")
	}
}

func TestVerifyIntegrity_DetectsTampering(t *testing.T) {
	cp := newTestCheckpoint(t, "job-t", 2)
	hash, err := ComputeIntegrityHash(cp)
	if err != nil {
		t.Fatalf("ComputeIntegrityHash: %v", err)
	}
	cp.IntegrityHash = hash

	cp.TotalItems = 99
	ok, err := VerifyIntegrity(cp)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if ok {
		t.Error("tampered checkpoint passed integrity verification")
	}
}

func TestVerifyIntegrity_EmptyHash(t *testing.T) {
	cp := newTestCheckpoint(t, "job-e", 1)
	ok, err := VerifyIntegrity(cp)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if ok {
		t.Error("checkpoint without a hash should not verify")
	}
}

func TestHashFile_ChangesWithContent(t *testing.T) {
	path, h1 := writeTestWorkflow(t, "name: one\n")
	if err := os.WriteFile(path, []byte("name: two\n"), 0644); err != nil {
		t.Fatalf("rewrite workflow: %v", err)
	}
	h2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h1 == h2 {
		t.Error("hash did not change with file content")
	}
}
