package fetcher

import log "github.com/sirupsen/logrus"

// sendState and getState implement the capacity-1 "state channel" pattern:
// a channel that always holds at most the most recently published value,
// letting readers peek the current lifecycle state without blocking a
// writer.

// sendState publishes value on a capacity-1 channel, replacing whatever was
// there before. Never blocks.
func sendState[T any](state chan T, value T) {
	if cap(state) != 1 {
		panic("sendState: channel must have capacity 1")
	}
	select {
	case <-state:
	default:
	}
	select {
	case state <- value:
	default:
		log.Tracef("sendState: dropped state %v", value)
	}
}

// getState reads the current value of a capacity-1 state channel and
// pushes it back so subsequent readers still see it.
func getState[T any](state chan T) T {
	if cap(state) != 1 {
		panic("getState: channel must have capacity 1")
	}
	v := <-state
	for {
		select {
		case state <- v:
			return v
		case v = <-state:
		}
	}
}
