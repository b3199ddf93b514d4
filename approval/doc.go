// Package approval implements the durable ledger of human decisions.
//
// A required approval starts pending and blocks its run; an audit approval
// is created already in a terminal state and never blocks. Resolution is a
// guarded compare-and-swap: two concurrent resolvers cannot both win, the
// loser observes STALE_APPROVAL and must re-read before retrying.
package approval
