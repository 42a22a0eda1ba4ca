package audit

import (
	"bytes"
	"context"
	"fmt"

	"signupassist/internal/canon"
	"signupassist/internal/domain"
)

// Report summarizes a chain verification.
type Report struct {
	MandateID string `json:"mandate_id"`
	Entries   int    `json:"entries"`
	HeadHash  string `json:"head_hash,omitempty"`
	OK        bool   `json:"ok"`
	BrokenAt  int64  `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Verify recomputes every hash and link of a mandate's chain. A broken chain
// returns the report together with an error wrapping domain.ErrChainBroken.
func (l *Ledger) Verify(ctx context.Context, mandateID string) (Report, error) {
	entries, err := l.store.ListAudit(ctx, mandateID)
	if err != nil {
		return Report{MandateID: mandateID}, err
	}
	return VerifyChain(mandateID, entries)
}

// VerifyChain checks entries as returned by the store, ordered by Seq.
func VerifyChain(mandateID string, entries []domain.AuditEntry) (Report, error) {
	rep := Report{MandateID: mandateID, Entries: len(entries)}
	broken := func(e domain.AuditEntry, reason string) (Report, error) {
		rep.BrokenAt = e.Seq
		rep.Reason = reason
		return rep, fmt.Errorf("seq %d: %s: %w", e.Seq, reason, domain.ErrChainBroken)
	}

	var prev *domain.AuditEntry
	for i := range entries {
		e := entries[i]
		if e.MandateID != mandateID {
			return broken(e, "entry belongs to another mandate")
		}
		if want := int64(i + 1); e.Seq != want {
			return broken(e, fmt.Sprintf("sequence gap, want %d", want))
		}
		if prev == nil {
			if e.PrevHash != "" {
				return broken(e, "first entry links to a predecessor")
			}
		} else {
			if e.PrevHash != prev.EntryHash {
				return broken(e, "prev_hash does not match predecessor")
			}
			if !e.Timestamp.After(prev.Timestamp) {
				return broken(e, "timestamp not after predecessor")
			}
		}
		if reason := contentMismatch(e); reason != "" {
			return broken(e, reason)
		}
		h, err := EntryHash(e)
		if err != nil {
			return rep, err
		}
		if h != e.EntryHash {
			return broken(e, "entry_hash mismatch")
		}
		prev = &entries[i]
	}
	if prev != nil {
		rep.HeadHash = prev.EntryHash
	}
	rep.OK = true
	return rep, nil
}

func contentMismatch(e domain.AuditEntry) string {
	args, err := canon.JSON(e.Args)
	if err != nil || !bytes.Equal(args, e.Args) {
		return "args not canonical"
	}
	if canon.HashBytes(args) != e.ArgsHash {
		return "args_hash mismatch"
	}
	result, err := canon.JSON(e.Result)
	if err != nil || !bytes.Equal(result, e.Result) {
		return "result not canonical"
	}
	if canon.HashBytes(result) != e.ResultHash {
		return "result_hash mismatch"
	}
	return ""
}
