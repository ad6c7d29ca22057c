// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpgateway/internal/store/memory"
)

func TestRegistry_ConcurrentMutation(t *testing.T) {
	reg := New(Options{Repository: memory.New()})
	ctx := context.Background()

	const workers = 16
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := reg.Register(ctx, ServerRecord{
					Name:     fmt.Sprintf("w%d-s%d", w, i),
					Endpoint: "http://h",
					Tools:    []string{"search"},
				})
				if !assert.NoError(t, err) {
					return
				}
				_ = reg.List(Filter{RequiredTools: []string{"search"}})
				if i%2 == 0 {
					assert.NoError(t, reg.Deregister(ctx, id))
				}
			}
		}(w)
	}

	// Concurrent flushes exercise the write-behind path.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = reg.Flush(ctx)
		}
	}()

	wg.Wait()
	<-done

	expected := workers * (perWorker / 2)
	assert.Equal(t, expected, reg.Len())
	require.NoError(t, reg.Flush(ctx))
}

// Concurrent registrations of the same name must produce exactly one winner.
func TestRegistry_ConcurrentDuplicateName(t *testing.T) {
	reg := New(Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Register(ctx, ServerRecord{Name: "same", Endpoint: "http://h"}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, reg.Len())
}
