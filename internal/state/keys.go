// Package state gives the workers typed records over the raw StateStore:
// sync cursors, advisory leases, backfill jobs, archive marks, run
// summaries, and integrity records. Key layout is centralized here.
package state

// DayFormat is the layout for day-keyed records.
const DayFormat = "2006-01-02"

// Key builders. Every consumer goes through these so the layout has one
// owner.
func CursorKey(site string) string          { return "sync:cursor:" + site }
func LockKey(worker, site string) string    { return "lock:" + worker + ":" + site }
func ArchiveKey(site, day string) string    { return "archive:" + site + ":" + day }
func JobKey(id string) string               { return "backfill:job:" + id }
func ActiveJobKey(site string) string       { return "backfill:active:" + site }
func RunKey(worker, site, id string) string { return "run:" + worker + ":" + site + ":" + id }
func IntegrityKey(site, day string) string  { return "integrity:" + site + ":" + day }
func CacheKey(hash string) string           { return "query:cache:" + hash }
