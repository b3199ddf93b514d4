// Package team implements the delegation router for team runs.
//
// A team run fans out to member invokers under one of four coordination
// modes: broadcast sends the same request to every member, coordinate lets a
// leader pick members turn by turn, route hands the whole request to a single
// member, and tasks decomposes the team into a dependency graph executed by
// the workflow executor. Each member executes as a delegated sub-run, so a
// member pausing on a requirement bubbles up to the team run through the run
// state machine; the router additionally keeps a tool-call-ref → member map
// so a resolution can always be traced back to the exact member that raised
// it.
package team
