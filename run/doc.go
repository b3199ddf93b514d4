// Package run implements the run state machine and the requirement
// controller: one Run per execution unit (agent, team, or workflow
// invocation), with nested pause/resume through typed RunRequirements.
//
// A Run is created pending, started running, and may suspend at any depth
// when a step demands a human decision or an externally-performed action.
// Resolution is delivered to the exact suspended step; the step resumes, it
// does not restart. Pauses bubble up through every enclosing delegation
// level via the parent chain.
package run
