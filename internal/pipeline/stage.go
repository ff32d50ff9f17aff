package pipeline

import "fmt"

type Stage int

const (
	StageBootstrap Stage = iota
	StageIntent
	StageSchemaSearch
	StageBuildQuery
	StageEnforce
	StageCompile
	StageValidate
	StageCorrect

	StageRespond
	StageNoMatch
	StageDirectResponse
	StageBlocked
	StageFailed

	stageCount
)

var stageNames = [stageCount]string{
	StageBootstrap:      "bootstrap",
	StageIntent:         "intent",
	StageSchemaSearch:   "schema_search",
	StageBuildQuery:     "build_query",
	StageEnforce:        "enforce",
	StageCompile:        "compile",
	StageValidate:       "validate",
	StageCorrect:        "correct",
	StageRespond:        "respond",
	StageNoMatch:        "no_match",
	StageDirectResponse: "direct_response",
	StageBlocked:        "blocked",
	StageFailed:         "failed",
}

func (s Stage) String() string {
	if s < 0 || s >= stageCount {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) Terminal() bool {
	return s >= StageRespond && s < stageCount
}

// Route is the label a stage returns to pick its outgoing edge.
type Route string

const (
	RouteNext      Route = "next"
	RouteSearch    Route = "search"
	RouteShortcut  Route = "shortcut"
	RouteDirect    Route = "direct"
	RouteNoMatch   Route = "no_match"
	RouteBlocked   Route = "blocked"
	RouteValid     Route = "valid"
	RouteInvalid   Route = "invalid"
	RouteRetry     Route = "retry"
	RouteAgain     Route = "again"
	RouteExhausted Route = "exhausted"
	RouteFail      Route = "fail"
)

var transitions = map[Stage]map[Route]Stage{
	StageBootstrap: {
		RouteNext: StageIntent,
		RouteFail: StageFailed,
	},
	StageIntent: {
		RouteSearch:   StageSchemaSearch,
		RouteShortcut: StageBuildQuery,
		RouteDirect:   StageDirectResponse,
		RouteFail:     StageFailed,
	},
	StageSchemaSearch: {
		RouteNext:    StageBuildQuery,
		RouteNoMatch: StageNoMatch,
		RouteFail:    StageFailed,
	},
	StageBuildQuery: {
		RouteNext: StageEnforce,
		RouteFail: StageFailed,
	},
	StageEnforce: {
		RouteNext:    StageCompile,
		RouteBlocked: StageBlocked,
	},
	StageCompile: {
		RouteNext: StageValidate,
		RouteFail: StageFailed,
	},
	StageValidate: {
		RouteValid:   StageRespond,
		RouteInvalid: StageCorrect,
		RouteBlocked: StageBlocked,
		RouteFail:    StageFailed,
	},
	StageCorrect: {
		RouteRetry:     StageValidate,
		RouteAgain:     StageCorrect,
		RouteExhausted: StageFailed,
		RouteFail:      StageFailed,
	},
}

// Next resolves the edge leaving stage on route.
func Next(stage Stage, route Route) (Stage, error) {
	edges, ok := transitions[stage]
	if !ok {
		return StageFailed, fmt.Errorf("stage %s has no outgoing edges", stage)
	}
	next, ok := edges[route]
	if !ok {
		return StageFailed, fmt.Errorf("stage %s has no edge for route %q", stage, route)
	}
	return next, nil
}

// ValidateTransitions checks that every non-terminal stage has edges,
// terminal stages have none, and every terminal is reachable from
// bootstrap.
func ValidateTransitions() error {
	for s := Stage(0); s < stageCount; s++ {
		edges, ok := transitions[s]
		if s.Terminal() {
			if ok {
				return fmt.Errorf("terminal stage %s has outgoing edges", s)
			}
			continue
		}
		if !ok || len(edges) == 0 {
			return fmt.Errorf("stage %s has no outgoing edges", s)
		}
		for route, next := range edges {
			if next < 0 || next >= stageCount {
				return fmt.Errorf("stage %s route %q targets unknown stage %d", s, route, int(next))
			}
		}
	}

	reached := map[Stage]bool{StageBootstrap: true}
	queue := []Stage{StageBootstrap}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range transitions[s] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for s := Stage(0); s < stageCount; s++ {
		if !reached[s] {
			return fmt.Errorf("stage %s is unreachable", s)
		}
	}
	return nil
}
