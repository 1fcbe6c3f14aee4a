// Package scheduler triggers periodic jobs (cron specs or fixed intervals).
//
// Every schedule runs at most once at a time in this process
// (OverlapSkipIfRunning) and, when it names a lease, at most once at a time
// across processes. Stop lets in-flight runs finish and starts no new ones.
package scheduler
