package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AuditChainID is the partition every audit entry lives in; seq orders the chain.
const AuditChainID = "siren"

// SystemActor is recorded for transitions no human initiated.
const SystemActor = "system"

type SubjectKind string

const (
	SubjectIncident SubjectKind = "incident"
	SubjectEvent    SubjectKind = "event"
)

type AuditEntry struct {
	Chain       string      `json:"-" dynamo:"chain,hash"`
	Seq         int64       `json:"seq" dynamo:"seq,range"`
	At          time.Time   `json:"at" dynamo:"at"`
	Actor       string      `json:"actor" dynamo:"actor"`
	SubjectKind SubjectKind `json:"subject_kind" dynamo:"subject_kind"`
	SubjectID   string      `json:"subject_id" dynamo:"subject_id"`
	IncidentID  string      `json:"incident_id" dynamo:"incident_id"`
	Action      string      `json:"action" dynamo:"action"`
	From        string      `json:"from,omitempty" dynamo:"from"`
	To          string      `json:"to,omitempty" dynamo:"to"`
	Detail      string      `json:"detail,omitempty" dynamo:"detail"`
	PrevHash    string      `json:"prev_hash" dynamo:"prev_hash"`
	Hash        string      `json:"hash" dynamo:"hash"`
}

// ComputeHash hashes the entry content together with the previous entry's hash.
func (e *AuditEntry) ComputeHash() string {
	raw := strings.Join([]string{
		strconv.FormatInt(e.Seq, 10),
		e.At.UTC().Format(time.RFC3339Nano),
		e.Actor,
		string(e.SubjectKind),
		e.SubjectID,
		e.IncidentID,
		e.Action,
		e.From,
		e.To,
		e.Detail,
		e.PrevHash,
	}, "\x1f")
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Seal links e after prev (nil for the first entry) and stamps its hash.
func (e *AuditEntry) Seal(prev *AuditEntry) {
	e.Chain = AuditChainID
	if prev == nil {
		e.Seq = 1
		e.PrevHash = ""
	} else {
		e.Seq = prev.Seq + 1
		e.PrevHash = prev.Hash
	}
	e.Hash = e.ComputeHash()
}

// VerifyAuditChain checks that entries, ordered by seq, are contiguous, correctly linked,
// and unmodified. The first entry's link is only checked when it claims to be seq 1.
func VerifyAuditChain(entries []AuditEntry) error {
	for i := range entries {
		e := &entries[i]
		if e.Hash != e.ComputeHash() {
			return fmt.Errorf("audit entry %d: hash mismatch", e.Seq)
		}
		if i == 0 {
			if e.Seq == 1 && e.PrevHash != "" {
				return fmt.Errorf("audit entry 1: unexpected previous hash")
			}
			continue
		}
		prev := &entries[i-1]
		if e.Seq != prev.Seq+1 {
			return fmt.Errorf("audit entry %d: gap after %d", e.Seq, prev.Seq)
		}
		if e.PrevHash != prev.Hash {
			return fmt.Errorf("audit entry %d: broken link to %d", e.Seq, prev.Seq)
		}
	}
	return nil
}
