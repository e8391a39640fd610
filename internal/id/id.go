// Package id generates prefixed, K-sortable identifiers for ledger rows
// ("txn_01h2xcejqtf2nbrexx3vqjhp41").
package id

import (
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

const PrefixTransaction = "txn"

// NewTransactionID returns a fresh transaction id. Ids sort by creation time.
func NewTransactionID() string {
	tid, err := typeid.Generate(PrefixTransaction)
	if err != nil {
		// the prefix is a constant, so this is a programming error
		panic(fmt.Sprintf("id: generate %q: %v", PrefixTransaction, err))
	}
	return tid.String()
}

// ValidTransactionID reports whether s parses as a transaction id.
func ValidTransactionID(s string) bool {
	if !strings.HasPrefix(s, PrefixTransaction+"_") {
		return false
	}
	_, err := typeid.Parse(s)
	return err == nil
}
