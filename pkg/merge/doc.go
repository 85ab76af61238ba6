/*
Package merge assembles per-chunk findings into scan results.

Workers write findings as JSON lines under their chunk's output
directory. Merging concatenates completed chunks in index order, capping
evidence strings and normalizing severities; malformed lines are dropped,
not fatal. When a scan finalizes, the registry's merge hook writes a
merged.json snapshot so terminal reads never re-walk the chunk files.
Queries paginate by offset and limit with a hard limit ceiling, serve partial results
for scans still running, and report not-ready only while nothing has
completed yet.
*/
package merge
