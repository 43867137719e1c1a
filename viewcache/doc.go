// Package viewcache provides the in-memory caches that hold the values
// computed during a view's computation cycles.
//
// Each Cache holds the values of one cycle of one calculation configuration
// of a view, and is identified by a Key of view name, calculation
// configuration name, and cycle timestamp. A Source creates these caches on
// first use and releases all caches of a view's cycle at once when the cycle
// is finished with.
//
// The Source only serializes changes to its registry. Reads and writes to a
// Cache that has been obtained from the Source are synchronized by the Cache
// itself, so work on different caches never contends.
package viewcache
