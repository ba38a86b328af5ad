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

package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestDecorr(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	base := 200 * time.Millisecond
	cap := 2 * time.Second
	clock := clockwork.NewFakeClock()
	backoff := decorrWithClock(base, cap, clock)

	for i := 0; i < 5; i++ {
		dur, err := measure(ctx, clock, func() error { return backoff.Do(ctx) })
		require.NoError(t, err)
		require.GreaterOrEqual(t, dur, time.Duration(0))
	}
}

func TestDecorrReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backoff := decorrWithClock(10*time.Millisecond, time.Second, clock)
	d := backoff.(*decorr)
	d.prev = 500 * time.Millisecond
	backoff.Reset()
	require.Equal(t, 10*time.Millisecond, d.prev)
}

func TestDecorrCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backoff := decorrWithClock(time.Hour, time.Hour, clock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := backoff.Do(ctx)
	require.Error(t, err)
}
