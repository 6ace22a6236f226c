package receiver

import (
	"sort"

	"github.com/xtrcode/strobe-hub/internal/wire"
)

// Sample is one completed NTP-style exchange (§4.6): t1 send, t2
// receive-at-broadcaster, t3 reply-sent-at-broadcaster, t4
// receive-at-receiver. All in the respective clock's microseconds.
type Sample struct {
	T1, T2, T3, T4 int64
}

// Offset returns ((t2-t1)+(t3-t4))/2 — the receiver clock's offset
// from the broadcaster's clock, per §4.6 step 3.
func (s Sample) Offset() int64 {
	return ((s.T2 - s.T1) + (s.T3 - s.T4)) / 2
}

// RoundTrip returns (t4-t1)-(t3-t2), the network round-trip time with
// the broadcaster's own processing time subtracted out.
func (s Sample) RoundTrip() int64 {
	return (s.T4 - s.T1) - (s.T3 - s.T2)
}

// BuildSyncResponse plays the broadcaster-host side of one exchange:
// decode the incoming SYNC request for t1, and encode a response
// carrying t1 back plus t2/t3 captured by nowFunc. nowFunc is called
// twice — once on receipt, once immediately before encoding — so t3
// reflects the actual send instant as closely as a single function
// call boundary allows.
func BuildSyncResponse(reqBuf []byte, nowFunc func() int64) ([]byte, error) {
	t1, err := wire.DecodeSyncRequest(reqBuf)
	if err != nil {
		return nil, err
	}
	t2 := nowFunc()
	t3 := nowFunc()
	return wire.EncodeSyncResponse(t1, t2, t3), nil
}

// Estimator accumulates Samples and, once Ready, reports a median
// round-trip-derived latency and the median offset — the filtering
// step of §4.6 step 4. Samples whose round trip exceeds rttCeilingUs
// are dropped before the median is taken (§5 timeout rule); the median
// itself is what absorbs any remaining single-sample outlier (§8
// scenario 6).
type Estimator struct {
	sampleCount  int
	rttCeilingUs int64
	samples      []Sample
}

// NewEstimator creates an Estimator that becomes Ready once sampleCount
// within-ceiling samples have been added.
func NewEstimator(sampleCount int, rttCeilingUs int64) *Estimator {
	return &Estimator{sampleCount: sampleCount, rttCeilingUs: rttCeilingUs}
}

// Add records one completed exchange. Samples whose round trip exceeds
// the configured ceiling are discarded immediately and never count
// toward Ready.
func (e *Estimator) Add(s Sample) {
	if e.rttCeilingUs > 0 && s.RoundTrip() > e.rttCeilingUs {
		return
	}
	e.samples = append(e.samples, s)
}

// Ready reports whether enough in-ceiling samples have accumulated to
// compute a stable median.
func (e *Estimator) Ready() bool {
	return len(e.samples) >= e.sampleCount
}

// Result returns the median round-trip latency (round_trip/2) and the
// median offset, each taken over its own sorted list (the two medians
// need not come from the same Sample), then clears accumulated samples so the next
// periodic sync starts fresh.
func (e *Estimator) Result() (latencyUs, offsetUs int64) {
	n := len(e.samples)
	if n == 0 {
		return 0, 0
	}

	rtts := make([]int64, n)
	offsets := make([]int64, n)
	for i, s := range e.samples {
		rtts[i] = s.RoundTrip()
		offsets[i] = s.Offset()
	}
	sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	medianRTT := rtts[n/2]
	medianOffset := offsets[n/2]

	e.samples = nil
	return medianRTT / 2, medianOffset
}
