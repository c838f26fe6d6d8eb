package notify

import "expvar"

type stateVar State

func (s stateVar) String() string {
	return `"` + State(s).String() + `"`
}

var _ expvar.Var = stateVar(0)
