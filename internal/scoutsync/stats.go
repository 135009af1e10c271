package scoutsync

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	dispatched atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	vanished   atomic.Uint64
	saturated  atomic.Uint64

	totalPayloadBytes atomic.Uint64
	minPayloadBytes   atomic.Uint64
	maxPayloadBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minPayloadBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveDispatch(res DispatchResult, payloadBytes int) {
	switch {
	case res.Vanished:
		s.vanished.Add(1)
		return
	case res.Delivered:
		s.delivered.Add(1)
	default:
		s.failed.Add(1)
	}
	if res.Servers == nil {
		return
	}
	s.dispatched.Add(1)

	if payloadBytes < 0 {
		payloadBytes = 0
	}
	n := uint64(payloadBytes)
	s.totalPayloadBytes.Add(n)

	for {
		cur := s.minPayloadBytes.Load()
		if n >= cur {
			break
		}
		if s.minPayloadBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxPayloadBytes.Load()
		if n <= cur {
			break
		}
		if s.maxPayloadBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Dispatched      uint64
	Delivered       uint64
	Failed          uint64
	Vanished        uint64
	Saturated       uint64
	MinPayloadBytes uint64
	MaxPayloadBytes uint64
	AvgPayloadBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Dispatched: s.dispatched.Load(),
		Delivered:  s.delivered.Load(),
		Failed:     s.failed.Load(),
		Vanished:   s.vanished.Load(),
		Saturated:  s.saturated.Load(),
	}
	if out.Dispatched == 0 {
		return out
	}
	minv := s.minPayloadBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinPayloadBytes = minv
	out.MaxPayloadBytes = s.maxPayloadBytes.Load()
	out.AvgPayloadBytes = s.totalPayloadBytes.Load() / out.Dispatched
	return out
}
