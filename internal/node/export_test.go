package node

import "time"

var (
	ErrServiceClosed = errServiceClosed
)

func WithMaxDegradedDuration(d time.Duration) Option {
	return func(o *options) {
		o.maxDegradedDuration = d
	}
}

func WithElectionDelay(d time.Duration) LoopOption {
	return func(o *loopOptions) {
		o.electionDelay = d
	}
}
