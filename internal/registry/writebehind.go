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
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/store"
)

// pendingOp is the latest unflushed mutation for one server id.
// A nil rec means delete.
type pendingOp struct {
	rec *store.Record
	seq uint64
}

// writeBehind coalesces registry mutations per id and applies them to a
// repository off the request path.
type writeBehind struct {
	repo     store.Repository
	interval time.Duration
	onError  func(id string, err error)
	logger   *slog.Logger

	// mu protects pending and seq
	mu      sync.Mutex
	pending map[string]pendingOp
	seq     uint64

	// flushMu serializes flushes so a record is never written out of order
	flushMu sync.Mutex
}

func newWriteBehind(repo store.Repository, interval time.Duration, onError func(string, error), logger *slog.Logger) *writeBehind {
	if interval <= 0 {
		interval = time.Second
	}
	return &writeBehind{
		repo:     repo,
		interval: interval,
		onError:  onError,
		logger:   logger,
		pending:  make(map[string]pendingOp),
	}
}

func (w *writeBehind) enqueueSave(rec store.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	w.pending[rec.ID] = pendingOp{rec: &rec, seq: w.seq}
}

func (w *writeBehind) enqueueDelete(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	w.pending[id] = pendingOp{seq: w.seq}
}

func (w *writeBehind) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// flush applies every pending op. Failed ops are re-queued unless a newer
// op for the same id arrived meanwhile.
func (w *writeBehind) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]pendingOp)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		op := batch[id]
		var err error
		if op.rec == nil {
			err = w.repo.Delete(ctx, id)
		} else {
			err = w.repo.Save(ctx, *op.rec)
		}
		if err == nil {
			continue
		}

		errs = append(errs, err)
		w.logger.Warn("failed to flush server", slog.String(gwlog.ServerIDKey, id), gwlog.Error(err))
		if w.onError != nil {
			w.onError(id, err)
		}

		w.mu.Lock()
		if cur, newer := w.pending[id]; !newer || cur.seq < op.seq {
			w.pending[id] = op
		}
		w.mu.Unlock()
	}

	return errors.Join(errs...)
}

func (w *writeBehind) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.flush(ctx); err != nil && ctx.Err() == nil {
				w.logger.Debug("write-behind flush incomplete", gwlog.Error(err))
			}
		}
	}
}
