package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeHash links an event to the previous hash of its tenant chain:
// hex(sha256("prev:id:type:timestamp")).
func ComputeHash(e QueuedEvent, prevHash string) string {
	sum := sha256.Sum256([]byte(prevHash + ":" + e.ID + ":" + e.Type + ":" + e.Timestamp))
	return hex.EncodeToString(sum[:])
}

// ChainLink is the persisted part of an event needed to re-derive its hash.
type ChainLink struct {
	ID        string
	Type      string
	Timestamp string
	PrevHash  string
	Hash      string
}

// ChainBreakError reports the first link that does not verify.
type ChainBreakError struct {
	Index  int
	ID     string
	Reason string
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("chain broken at index %d (event %s): %s", e.Index, e.ID, e.Reason)
}

// VerifyChain walks links in chain order. The first link must start from
// the empty genesis hash; every later link must point at its predecessor.
func VerifyChain(links []ChainLink) error {
	prev := ""
	for i, l := range links {
		if l.PrevHash != prev {
			return &ChainBreakError{Index: i, ID: l.ID, Reason: "prev_hash does not match preceding hash"}
		}
		want := ComputeHash(QueuedEvent{ID: l.ID, Type: l.Type, Timestamp: l.Timestamp}, l.PrevHash)
		if l.Hash != want {
			return &ChainBreakError{Index: i, ID: l.ID, Reason: "hash does not recompute"}
		}
		prev = l.Hash
	}
	return nil
}
