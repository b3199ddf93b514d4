package team

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/types"
)

// Mode selects how a team run fans out to its members.
type Mode string

const (
	// ModeBroadcast sends the same request to every member and synthesizes
	// after all members reach a terminal state.
	ModeBroadcast Mode = "broadcast"
	// ModeCoordinate lets a leader decide, per turn, which members to invoke.
	ModeCoordinate Mode = "coordinate"
	// ModeRoute selects exactly one member up front for the whole request.
	ModeRoute Mode = "route"
	// ModeTasks decomposes the team into a dependency graph of member tasks.
	ModeTasks Mode = "tasks"
)

// Valid reports whether the mode is one of the closed set.
func (m Mode) Valid() bool {
	switch m {
	case ModeBroadcast, ModeCoordinate, ModeRoute, ModeTasks:
		return true
	}
	return false
}

// Member is one delegate of a team. DependsOn is only consulted in tasks
// mode, where it forms the edges of the task graph.
type Member struct {
	ID        string
	Invoker   run.Invoker
	DependsOn []string
}

// Selector picks the member that handles the whole request in route mode.
type Selector interface {
	Select(ctx context.Context, spec *run.Spec, members []*Member) (string, error)
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(ctx context.Context, spec *run.Spec, members []*Member) (string, error)

func (f SelectorFunc) Select(ctx context.Context, spec *run.Spec, members []*Member) (string, error) {
	return f(ctx, spec, members)
}

// Turn records one coordinate-mode round: which member ran and what came
// back.
type Turn struct {
	MemberID string
	Result   *run.Result
}

// Leader drives coordinate mode. NextTurn returns the member ids to invoke
// next, or done=true when the leader has what it needs; Synthesize produces
// the team result from the accumulated turns.
type Leader interface {
	NextTurn(ctx context.Context, spec *run.Spec, turns []*Turn) (memberIDs []string, done bool, err error)
	Synthesize(ctx context.Context, spec *run.Spec, turns []*Turn) (*run.Result, error)
}

// Synthesizer combines per-member results into the team result for
// broadcast mode.
type Synthesizer func(spec *run.Spec, results map[string]*run.Result) (*run.Result, error)

// defaultSynthesizer concatenates member contents in member-id order and
// exposes the raw outputs keyed by member id.
func defaultSynthesizer(spec *run.Spec, results map[string]*run.Result) (*run.Result, error) {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	output := make(map[string]any, len(results))
	for _, id := range ids {
		r := results[id]
		if r == nil {
			continue
		}
		if r.Content != "" {
			fmt.Fprintf(&sb, "[%s] %s\n", id, r.Content)
		}
		output[id] = r.Output
	}

	return &run.Result{
		Content: strings.TrimRight(sb.String(), "\n"),
		Output:  output,
	}, nil
}

func validateMembers(members []*Member) error {
	if len(members) == 0 {
		return types.NewError(types.ErrInvalidRequest, "team requires at least one member")
	}
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m == nil || m.ID == "" {
			return types.NewError(types.ErrInvalidRequest, "member id is required")
		}
		if m.Invoker == nil {
			return types.Errorf(types.ErrInvalidRequest, "member %s has no invoker", m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return types.Errorf(types.ErrDuplicateName, "duplicate member id: %s", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	for _, m := range members {
		for _, dep := range m.DependsOn {
			if _, ok := seen[dep]; !ok {
				return types.Errorf(types.ErrInvalidRequest, "member %s depends on unknown member %s", m.ID, dep)
			}
		}
	}
	return nil
}
