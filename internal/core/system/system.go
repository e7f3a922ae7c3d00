package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput      Phase = iota // 0: file-change notifications, external feeds
	PhasePreUpdate               // 1: apply queued script mutations, fan out events
	PhaseUpdate                  // 2: script systems under the frame budget
	PhasePostUpdate              // 3: host-native logic reacting to script output
	PhaseOutput                  // 4: outbound links
	PhasePersist                 // 5: snapshot flush
	PhaseCleanup                 // 6: destroy queued entities

	phaseCount
)

var phaseNames = [phaseCount]string{"input", "pre_update", "update", "post_update", "output", "persist", "cleanup"}

func (p Phase) String() string {
	if p < 0 || p >= phaseCount {
		return "unknown"
	}
	return phaseNames[p]
}

// System is a unit of per-tick host work.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
