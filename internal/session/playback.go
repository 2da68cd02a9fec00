package session

import (
	"sync/atomic"

	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

// playbackCounter hands out monotonically increasing Playback Session ids,
// one per Generating/Speaking cycle, scoped to a single Controller. A
// barge-in bumps the counter; audio chunks tagged with a stale id are
// discarded instead of reaching the client.
type playbackCounter struct {
	n uint64
}

func (p *playbackCounter) Next() orchestrator.PlaybackSessionID {
	return orchestrator.PlaybackSessionID(atomic.AddUint64(&p.n, 1))
}

func (p *playbackCounter) Current() orchestrator.PlaybackSessionID {
	return orchestrator.PlaybackSessionID(atomic.LoadUint64(&p.n))
}
