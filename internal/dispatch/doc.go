// Package dispatch correlates calls sent to workers with the responses that
// come back.
//
// Each call gets a process-unique id and a pending entry holding its Future.
// The entry is inserted before the call is sent, so a fast response can never
// arrive ahead of its entry. Responses are matched by id and settle the
// Future exactly once:
//   - ok=true resolves it with the raw JSON value
//   - ok=false rejects it with a *RemoteError
//   - the worker going away rejects it with worker.ErrWorkerTerminated
//
// A response whose id has no entry is counted and dropped. That happens when
// a worker answers after its call was already rejected.
//
// The table is split into shards keyed by id so unrelated calls do not
// contend on one lock.
package dispatch
