/*
Copyright 2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package backoff implements decorrelated-jitter backoff. No other package
// in this module calls it.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Backoff waits with increasing, jittered delay between calls to Do.
type Backoff interface {
	// Do blocks for the next backoff interval, or returns ctx.Err() if
	// ctx is done first.
	Do(ctx context.Context) error
	// Reset clears the accumulated delay back to base.
	Reset()
}

type decorr struct {
	base  time.Duration
	cap   time.Duration
	prev  time.Duration
	clock clockwork.Clock
	rand  *rand.Rand
}

// Decorr returns a decorrelated-jitter Backoff: each wait is a random
// value in [base, prev*3], capped at cap. This spreads out retries from
// many concurrent callers (e.g. several SSH sessions reconnecting to the
// same flaky host) better than plain exponential backoff.
func Decorr(base, cap time.Duration) Backoff {
	return &decorr{
		base:  base,
		cap:   cap,
		prev:  base,
		clock: clockwork.NewRealClock(),
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// decorrWithClock is used by tests to inject a clockwork.FakeClock.
func decorrWithClock(base, cap time.Duration, clock clockwork.Clock) Backoff {
	return &decorr{base: base, cap: cap, prev: base, clock: clock, rand: rand.New(rand.NewSource(1))}
}

func (d *decorr) Do(ctx context.Context) error {
	next := time.Duration(d.base.Nanoseconds() + d.rand.Int63n(3*d.prev.Nanoseconds()-d.base.Nanoseconds()+1))
	if next > d.cap {
		next = d.cap
	}
	d.prev = next

	timer := d.clock.NewTimer(next)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func (d *decorr) Reset() {
	d.prev = d.base
}
