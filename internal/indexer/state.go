package indexer

// State is a phase of the indexing run.
//
//	EMPTY ─► BUILDING ─► READY
//	  │          └─────► FAILED
//	  └────► EXISTING ─► LOADING ─► READY
//	                        └─────► FAILED
type State int32

const (
	StateEmpty State = iota
	StateBuilding
	StateExisting
	StateLoading
	StateReady
	StateFailed
)

var stateNames = [...]string{"EMPTY", "BUILDING", "EXISTING", "LOADING", "READY", "FAILED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}
