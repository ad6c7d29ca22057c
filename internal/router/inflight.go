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

package router

import (
	"sync"
	"sync/atomic"
)

// InFlight counts calls currently dispatched to each server.
type InFlight struct {
	counts sync.Map // server id -> *atomic.Int64
}

// NewInFlight creates an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{}
}

func (f *InFlight) counter(id string) *atomic.Int64 {
	if v, ok := f.counts.Load(id); ok {
		return v.(*atomic.Int64)
	}
	v, _ := f.counts.LoadOrStore(id, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Acquire marks one call to id as in flight. The returned function ends
// it and is safe to call more than once.
func (f *InFlight) Acquire(id string) (release func()) {
	c := f.counter(id)
	c.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() { c.Add(-1) })
	}
}

// Count returns the number of calls in flight to id.
func (f *InFlight) Count(id string) int {
	if v, ok := f.counts.Load(id); ok {
		return int(v.(*atomic.Int64).Load())
	}
	return 0
}

// Forget drops the counter for id. Calls still in flight release into the
// detached counter.
func (f *InFlight) Forget(id string) {
	f.counts.Delete(id)
}
