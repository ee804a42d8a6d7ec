package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/keys"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/store"
)

var testID = pool.Identity{SecretName: "api-key", Environment: "prod"}

func newTestLog(t *testing.T) (*Log, store.Store, string) {
	t.Helper()

	material, err := keys.LoadFromFile(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(material.Destroy)

	baseDir := t.TempDir()
	st := store.NewFileStore(baseDir)
	return NewLog(st, material), st, baseDir
}

func appendRotate(t *testing.T, log *Log, outcome Outcome) *Record {
	t.Helper()
	rec, err := log.Append(testID, Entry{
		Actor:       "alice",
		Action:      ActionRotate,
		Outcome:     outcome,
		Target:      ".env",
		Fingerprint: "***1234",
	})
	require.NoError(t, err)
	return rec
}

func TestAppendBuildsChain(t *testing.T) {
	log, _, _ := newTestLog(t)

	first := appendRotate(t, log, OutcomeCommitted)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Empty(t, first.PrevSignature)
	assert.NotEmpty(t, first.Signature)

	second := appendRotate(t, log, OutcomeFailed)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.Signature, second.PrevSignature)

	assert.NoError(t, log.VerifyChain(testID))
}

func TestVerifyEmptyChain(t *testing.T) {
	log, _, _ := newTestLog(t)
	assert.NoError(t, log.VerifyChain(testID))
}

func TestChainsDoNotCrossIdentities(t *testing.T) {
	log, _, _ := newTestLog(t)

	appendRotate(t, log, OutcomeCommitted)
	otherID := pool.Identity{SecretName: "db-pass", Environment: "prod"}
	rec, err := log.Append(otherID, Entry{Actor: "alice", Action: ActionRotate, Outcome: OutcomeCommitted})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Empty(t, rec.PrevSignature)
}

func TestTamperedRecordDetected(t *testing.T) {
	log, st, baseDir := newTestLog(t)

	appendRotate(t, log, OutcomeCommitted)
	appendRotate(t, log, OutcomeCommitted)
	appendRotate(t, log, OutcomeFailed)

	// flip one field of the middle record on disk
	data, err := st.ReadSeq("audit", testID.Key(), 2)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.Actor = "mallory"
	forged, err := json.Marshal(rec)
	require.NoError(t, err)

	overwriteSeq(t, baseDir, testID.Key(), 2, forged)

	err = log.VerifyChain(testID)
	var tamper errors.AuditTamperError
	require.ErrorAs(t, err, &tamper)
	assert.Equal(t, uint64(2), tamper.Sequence)
}

func TestAppendRefusesTamperedChain(t *testing.T) {
	log, st, baseDir := newTestLog(t)

	appendRotate(t, log, OutcomeCommitted)

	data, err := st.ReadSeq("audit", testID.Key(), 1)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.Fingerprint = "***0000"
	forged, err := json.Marshal(rec)
	require.NoError(t, err)
	overwriteSeq(t, baseDir, testID.Key(), 1, forged)

	_, err = log.Append(testID, Entry{Actor: "alice", Action: ActionRotate, Outcome: OutcomeCommitted})
	var tamper errors.AuditTamperError
	assert.ErrorAs(t, err, &tamper)
}

func TestLatestCommitted(t *testing.T) {
	log, _, _ := newTestLog(t)

	latest, err := log.LatestCommitted(testID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	committed := appendRotate(t, log, OutcomeCommitted)
	appendRotate(t, log, OutcomeFailed)
	appendRotate(t, log, OutcomeDryRun)

	latest, err = log.LatestCommitted(testID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, committed.Sequence, latest.Sequence)
}

func TestListTimeRange(t *testing.T) {
	log, _, _ := newTestLog(t)

	appendRotate(t, log, OutcomeCommitted)
	appendRotate(t, log, OutcomeFailed)

	all, err := log.List(testID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := log.List(testID, time.Now().Add(time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, none)

	past, err := log.List(testID, time.Time{}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestRollbackRecordReferencesOriginal(t *testing.T) {
	log, _, _ := newTestLog(t)

	committed := appendRotate(t, log, OutcomeCommitted)
	rb, err := log.Append(testID, Entry{
		Actor:      "alice",
		Action:     ActionRollback,
		Outcome:    OutcomeRolledBack,
		RollbackOf: committed.Sequence,
	})
	require.NoError(t, err)

	assert.Equal(t, committed.Sequence, rb.RollbackOf)
	assert.NoError(t, log.VerifyChain(testID))
}

// overwriteSeq rewrites a sequence file on disk, bypassing the store's
// append-only guarantee, to simulate out-of-band tampering.
func overwriteSeq(t *testing.T, baseDir, key string, seq uint64, data []byte) {
	t.Helper()
	path := filepath.Join(baseDir, "audit", key, fmt.Sprintf("%012d.json", seq))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
