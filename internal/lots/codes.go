package lots

import "fmt"

var sourcePrefixes = map[SourceType]string{
	SourcePurchase:   "PUR",
	SourceTransfer:   "TRF",
	SourceAdjustment: "ADJ",
	SourceMigration:  "MIG",
}

// deterministicLotCode builds the lot code from the originating document
// when one is known, so a retried creation produces the same code and hits
// the unique index instead of duplicating stock.
func deterministicLotCode(sourceType SourceType, sourceID string, line int) (string, bool) {
	prefix, ok := sourcePrefixes[sourceType]
	if !ok || sourceID == "" {
		return "", false
	}
	return fmt.Sprintf("LOT-%s-%s-%d", prefix, sourceID, line), true
}

// sequenceLotCode formats a code from the database sequence. Sourceless
// creations (manual adjustments without a document) land here; timestamps
// are never used.
func sequenceLotCode(seq int64) string {
	return fmt.Sprintf("LOT-SEQ-%08d", seq)
}
