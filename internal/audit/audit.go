// Package audit maintains one append-only, hash-chained record sequence per
// secret identity. Each record is signed with HMAC-SHA256 under a key derived
// from the master key, and the signature covers the previous record's
// signature so history cannot be rewritten without detection.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/keys"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/store"
)

const kindAudit = "audit"

// Action names what an audit record documents.
type Action string

const (
	ActionRotate   Action = "rotate"
	ActionRollback Action = "rollback"
	ActionReclaim  Action = "reclaim"
)

// Outcome is the terminal result of the recorded attempt.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeFailed     Outcome = "failed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeDryRun     Outcome = "dry_run"
)

// Record is one immutable chain entry. Fingerprint is the masked value
// fingerprint, never the full secret. RollbackOf references the committed
// sequence a rollback undid.
type Record struct {
	Sequence      uint64    `json:"sequence"`
	SecretName    string    `json:"secret_name"`
	Environment   string    `json:"environment"`
	Timestamp     time.Time `json:"timestamp"`
	Actor         string    `json:"actor"`
	Action        Action    `json:"action"`
	Outcome       Outcome   `json:"outcome"`
	Target        string    `json:"target"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	RollbackOf    uint64    `json:"rollback_of,omitempty"`
	PrevSignature string    `json:"prev_signature"`
	Signature     string    `json:"signature"`
}

// Entry is the caller-supplied portion of a record; sequence, timestamp and
// signatures are filled in by Append.
type Entry struct {
	Actor       string
	Action      Action
	Outcome     Outcome
	Target      string
	Fingerprint string
	RollbackOf  uint64
}

// Log reads and extends audit chains.
type Log struct {
	store  store.Store
	signer *signer
}

func NewLog(st store.Store, material *keys.Material) *Log {
	return &Log{store: st, signer: newSigner(material)}
}

// Append signs and persists a new record at the head of the identity's chain.
// A chain that no longer verifies is refused outright so a falsified history
// is never extended.
func (l *Log) Append(id pool.Identity, entry Entry) (*Record, error) {
	records, err := l.readChain(id)
	if err != nil {
		return nil, err
	}
	if err := l.verifyRecords(id, records); err != nil {
		return nil, err
	}

	var seq uint64 = 1
	prevSig := ""
	if n := len(records); n > 0 {
		seq = records[n-1].Sequence + 1
		prevSig = records[n-1].Signature
	}

	rec := &Record{
		Sequence:      seq,
		SecretName:    id.SecretName,
		Environment:   id.Environment,
		Timestamp:     time.Now().UTC(),
		Actor:         entry.Actor,
		Action:        entry.Action,
		Outcome:       entry.Outcome,
		Target:        entry.Target,
		Fingerprint:   entry.Fingerprint,
		RollbackOf:    entry.RollbackOf,
		PrevSignature: prevSig,
	}

	sig, err := l.signer.sign(canonicalBytes(rec))
	if err != nil {
		return nil, err
	}
	rec.Signature = sig

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := l.store.AppendSeq(kindAudit, id.Key(), seq, data); err != nil {
		return nil, fmt.Errorf("failed to append audit record: %w", err)
	}
	return rec, nil
}

// VerifyChain walks the identity's chain from genesis and reports the first
// sequence that fails contiguity or signature verification.
func (l *Log) VerifyChain(id pool.Identity) error {
	records, err := l.readChain(id)
	if err != nil {
		return err
	}
	return l.verifyRecords(id, records)
}

// List returns the identity's records, oldest first, filtered to the given
// time range. Zero bounds are open.
func (l *Log) List(id pool.Identity, since, until time.Time) ([]Record, error) {
	records, err := l.readChain(id)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, rec := range records {
		if !since.IsZero() && rec.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && rec.Timestamp.After(until) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LatestCommitted returns the most recent committed rotation record for the
// identity, or nil when none exists. The cooldown window derives from it.
func (l *Log) LatestCommitted(id pool.Identity) (*Record, error) {
	records, err := l.readChain(id)
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Action == ActionRotate && records[i].Outcome == OutcomeCommitted {
			rec := records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (l *Log) readChain(id pool.Identity) ([]Record, error) {
	seqs, err := l.store.ListSeq(kindAudit, id.Key())
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(seqs))
	for _, seq := range seqs {
		data, err := l.store.ReadSeq(kindAudit, id.Key(), seq)
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errors.AuditTamperError{
				SecretName:  id.SecretName,
				Environment: id.Environment,
				Sequence:    seq,
				Reason:      "record is not valid JSON",
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *Log) verifyRecords(id pool.Identity, records []Record) error {
	prevSig := ""
	for i, rec := range records {
		want := uint64(i + 1)
		if rec.Sequence != want {
			return errors.AuditTamperError{
				SecretName:  id.SecretName,
				Environment: id.Environment,
				Sequence:    want,
				Reason:      fmt.Sprintf("sequence gap: found %d", rec.Sequence),
			}
		}
		if rec.PrevSignature != prevSig {
			return errors.AuditTamperError{
				SecretName:  id.SecretName,
				Environment: id.Environment,
				Sequence:    rec.Sequence,
				Reason:      "previous-signature link broken",
			}
		}

		ok, err := l.signer.verify(canonicalBytes(&rec), rec.Signature)
		if err != nil {
			return err
		}
		if !ok {
			return errors.AuditTamperError{
				SecretName:  id.SecretName,
				Environment: id.Environment,
				Sequence:    rec.Sequence,
				Reason:      "signature mismatch",
			}
		}
		prevSig = rec.Signature
	}
	return nil
}

// canonicalBytes serializes every signed field with a length prefix so no two
// distinct records can share a byte representation.
func canonicalBytes(rec *Record) []byte {
	var buf []byte

	appendUint := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	appendField := func(s string) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(s)))
		buf = append(buf, b[:]...)
		buf = append(buf, s...)
	}

	appendUint(rec.Sequence)
	appendField(rec.SecretName)
	appendField(rec.Environment)
	appendField(rec.Timestamp.UTC().Format(time.RFC3339Nano))
	appendField(rec.Actor)
	appendField(string(rec.Action))
	appendField(string(rec.Outcome))
	appendField(rec.Target)
	appendField(rec.Fingerprint)
	appendUint(rec.RollbackOf)
	appendField(rec.PrevSignature)

	return buf
}
