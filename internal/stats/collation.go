package stats

import "sort"

// Axis names the dimension a collation counts over
type Axis string

const (
	AxisAction Axis = "action"
	AxisUser   Axis = "user"
)

// Collation counts keys per time bucket. Buckets are epoch milliseconds.
type Collation map[int64]map[string]int64

// Add increments the count of key in bucket
func (c Collation) Add(bucket int64, key string) {
	counts, ok := c[bucket]
	if !ok {
		counts = make(map[string]int64)
		c[bucket] = counts
	}
	counts[key]++
}

// Count returns the count of key in bucket
func (c Collation) Count(bucket int64, key string) int64 {
	return c[bucket][key]
}

// Total returns the sum of all counts
func (c Collation) Total() int64 {
	var total int64
	for _, counts := range c {
		for _, n := range counts {
			total += n
		}
	}
	return total
}

// Row is one flattened collation entry
type Row struct {
	BucketMs int64
	Axis     Axis
	Key      string
	Count    int64
}

// Rows flattens the collation, ordered by bucket and then key
func (c Collation) Rows(axis Axis) []Row {
	buckets := make([]int64, 0, len(c))
	for b := range c {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	var rows []Row
	for _, b := range buckets {
		keys := make([]string, 0, len(c[b]))
		for k := range c[b] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rows = append(rows, Row{BucketMs: b, Axis: axis, Key: k, Count: c[b][k]})
		}
	}
	return rows
}
