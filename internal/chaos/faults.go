// internal/chaos/faults.go
package chaos

import (
	"math/rand/v2"
	"time"

	"libracirc/internal/licensing"
)

var eventTypes = []licensing.EventType{
	licensing.EventLicenseAdd,
	licensing.EventLicenseRemove,
	licensing.EventCheckout,
	licensing.EventCheckin,
	licensing.EventHoldPlace,
	licensing.EventHoldRelease,
	licensing.EventAvailabilityNotify,
}

// Stream generates n distributor events one minute apart, starting with a
// license grant at start. The same seed gives the same stream.
func Stream(seed uint64, n int, start time.Time) []licensing.Delta {
	if n <= 0 {
		return nil
	}
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]licensing.Delta, 0, n)
	out = append(out, licensing.NewDelta(licensing.EventLicenseAdd, 1+r.IntN(5), start))
	for i := 1; i < n; i++ {
		t := eventTypes[r.IntN(len(eventTypes))]
		out = append(out, licensing.NewDelta(t, 1+r.IntN(3), start.Add(time.Duration(i)*time.Minute)))
	}
	return out
}

// Shuffle returns the stream in a random order.
func Shuffle(stream []licensing.Delta, seed uint64) []licensing.Delta {
	out := append([]licensing.Delta(nil), stream...)
	r := rand.New(rand.NewPCG(seed, seed+1))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Duplicate delivers every event at least once, some twice in a row, and
// replays some earlier ones late.
func Duplicate(stream []licensing.Delta, seed uint64) []licensing.Delta {
	r := rand.New(rand.NewPCG(seed, seed+2))
	out := make([]licensing.Delta, 0, 2*len(stream))
	for i, d := range stream {
		out = append(out, d)
		if r.IntN(2) == 0 {
			out = append(out, d)
		}
		if i > 0 && r.IntN(4) == 0 {
			out = append(out, stream[r.IntN(i)])
		}
	}
	return out
}

// StripDates drops the timestamp of every k-th event after the first.
func StripDates(stream []licensing.Delta, every int) []licensing.Delta {
	out := append([]licensing.Delta(nil), stream...)
	if every <= 0 {
		return out
	}
	for i := every; i < len(out); i += every {
		out[i].OccurredAt = nil
	}
	return out
}

// Dated keeps the events that carry a timestamp.
func Dated(stream []licensing.Delta) []licensing.Delta {
	var out []licensing.Delta
	for _, d := range stream {
		if d.OccurredAt != nil {
			out = append(out, d)
		}
	}
	return out
}

// Replay folds the stream into an empty pool.
func Replay(stream []licensing.Delta) licensing.Availability {
	var p licensing.LicensePool
	for _, d := range stream {
		p.ApplyDelta(d)
	}
	return p.Availability()
}
