package protocol

// frameWindowSize is how many recent frames of advantage data feed a
// pacing recommendation.
const frameWindowSize = 40

// maxSkipFrames caps a single pacing recommendation.
const maxSkipFrames = 9

// Pacer tracks the recent spread between the local frame advantage and
// the advantage reported by a remote peer, and recommends how many
// frames the local simulation should idle to let the peer catch up.
// This is soft flow control, separate from the hard prediction-window
// ceiling.
type Pacer struct {
	local  [frameWindowSize]int
	remote [frameWindowSize]int
}

// Advance records one frame's advantage sample pair.
func (p *Pacer) Advance(frame int, localAdvantage, remoteAdvantage int) {
	p.local[frame%frameWindowSize] = localAdvantage
	p.remote[frame%frameWindowSize] = remoteAdvantage
}

// RecommendWaitFrames returns how many frames the local side should sit
// out. Zero when the local side is behind or level: only the peer that
// is ahead slows down, otherwise both would stall forever.
func (p *Pacer) RecommendWaitFrames() int {
	var localSum, remoteSum int
	for i := 0; i < frameWindowSize; i++ {
		localSum += p.local[i]
		remoteSum += p.remote[i]
	}
	localAvg := float64(localSum) / frameWindowSize
	remoteAvg := float64(remoteSum) / frameWindowSize

	if localAvg <= remoteAvg {
		return 0
	}

	// Meet in the middle: if we are 6 frames ahead on average, idling 3
	// converges without overshooting.
	sleep := int((localAvg-remoteAvg)/2 + 0.5)
	if sleep > maxSkipFrames {
		sleep = maxSkipFrames
	}
	return sleep
}
