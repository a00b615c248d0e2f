package fillsim

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// DayBucketLayout is the UTC date format used to bucket fallback draws.
const DayBucketLayout = "2006-01-02"

// DayBucket returns the UTC calendar date of t.
func DayBucket(t time.Time) string {
	return t.UTC().Format(DayBucketLayout)
}

// Draw returns a reproducible value in [0,1) for an order on a given day.
//
// The value is derived from SHA-256("orderID|dayBucket"): the first eight
// digest bytes are read big-endian and the top 53 bits are scaled by 2^-53,
// so the result can never reach 1. The same inputs always give the same
// draw; a new day bucket gives the order an independent chance to fill
// without persisting any RNG state.
func Draw(orderID, dayBucket string) float64 {
	sum := sha256.Sum256([]byte(orderID + "|" + dayBucket))
	prefix := binary.BigEndian.Uint64(sum[:8])
	return float64(prefix>>11) / (1 << 53)
}

// DrawAt is Draw with the bucket taken from now.
func DrawAt(orderID string, now time.Time) float64 {
	return Draw(orderID, DayBucket(now))
}
