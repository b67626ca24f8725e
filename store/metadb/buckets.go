package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// records holds the primary data: key|format -> Record JSON
	bucketRecords = []byte("records")

	// Secondary indexes for eviction queries. Index keys embed a big-endian
	// timestamp prefix so a cursor walk visits entries in time order.
	bucketByExpiry  = []byte("records_by_expiry")  // timestamp|key|format -> key|format
	bucketByCreated = []byte("records_by_created") // timestamp|key|format -> key|format

	// Reverse indexes for O(1) secondary-index maintenance on replace/delete.
	bucketExpiryByKey  = []byte("records_expiry_by_key")  // key|format -> 8-byte timestamp
	bucketCreatedByKey = []byte("records_created_by_key") // key|format -> 8-byte timestamp
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeRecordKey creates a compound key for a record.
// Format: [key][separator][format]
func makeRecordKey(key, format string) []byte {
	result := make([]byte, len(key)+1+len(format))
	copy(result, key)
	result[len(key)] = 0 // null separator
	copy(result[len(key)+1:], format)
	return result
}

// parseRecordKey extracts key and format from a compound record key.
func parseRecordKey(data []byte) (key, format string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeTimeIndexKey creates a key for a time-ordered secondary index.
// Format: [8-byte timestamp][key][separator][format]
func makeTimeIndexKey(t time.Time, key, format string) []byte {
	ts := encodeTimestamp(t)
	result := make([]byte, 8+len(key)+1+len(format))
	copy(result[:8], ts)
	copy(result[8:], key)
	result[8+len(key)] = 0
	copy(result[8+len(key)+1:], format)
	return result
}

// parseTimeIndexKey extracts the timestamp and compound record key from
// a time-ordered index key.
func parseTimeIndexKey(data []byte) (t time.Time, key, format string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	t = decodeTimestamp(data[:8])
	key, format = parseRecordKey(data[8:])
	return
}
