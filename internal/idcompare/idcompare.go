// Package idcompare implements the total order over action ids that every
// other component (Store, Log, Node) relies on for "newest first"
// iteration and for deciding whether to apply removeReason criteria.
package idcompare

import (
	"strconv"
	"strings"

	"github.com/CanRau/logux-core/internal/types"
)

// Older reports whether a is strictly older than b under the comparator:
//
//  1. if one meta is absent (nil), the present one is not older.
//  2. compare Time numerically; smaller is older.
//  3. if equal, split ids and compare the node token lexicographically;
//     smaller is older.
//  4. if node tokens are equal, compare the seq token numerically;
//     smaller is older.
//  5. equal ids are neither older nor younger.
func Older(a, b *types.Meta) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	if a.ID == b.ID {
		return false
	}
	_, aNode, aSeq := types.SplitID(a.ID)
	_, bNode, bSeq := types.SplitID(b.ID)
	if aNode != bNode {
		return aNode < bNode
	}
	an, aerr := strconv.ParseInt(aSeq, 10, 64)
	bn, berr := strconv.ParseInt(bSeq, 10, 64)
	if aerr != nil || berr != nil {
		return aSeq < bSeq
	}
	return an < bn
}

// Compare returns -1 if a is older than b, 1 if b is older than a, and 0
// when the ids are equal (the only case where neither is older).
func Compare(a, b *types.Meta) int {
	switch {
	case Older(a, b):
		return -1
	case Older(b, a):
		return 1
	default:
		return 0
	}
}

// ValidID reports whether id satisfies the id format invariants: exactly
// three space-separated tokens, a decimal-digit time token, a node token
// without spaces or tabs, and a decimal seq token.
func ValidID(id string) bool {
	parts := strings.Split(id, " ")
	if len(parts) != 3 {
		return false
	}
	t, node, seq := parts[0], parts[1], parts[2]
	if t == "" || node == "" || seq == "" {
		return false
	}
	if strings.ContainsRune(node, '\t') {
		return false
	}
	if _, err := strconv.ParseInt(t, 10, 64); err != nil {
		return false
	}
	if _, err := strconv.ParseInt(seq, 10, 64); err != nil {
		return false
	}
	return true
}
