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

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpgateway/internal/store"
)

func TestRepository_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	repo := New()

	require.NoError(t, repo.Save(ctx, store.Record{ID: "b", Name: "beta", Tools: []string{"x"}}))
	require.NoError(t, repo.Save(ctx, store.Record{ID: "a", Name: "alpha"}))

	recs, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)

	require.NoError(t, repo.Delete(ctx, "a"))
	require.NoError(t, repo.Delete(ctx, "a"))
	assert.Equal(t, 1, repo.Len())
}

func TestRepository_CopiesSlices(t *testing.T) {
	ctx := context.Background()
	repo := New()

	tools := []string{"search"}
	require.NoError(t, repo.Save(ctx, store.Record{ID: "a", Tools: tools}))
	tools[0] = "mutated"

	recs, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, recs[0].Tools)
}

func TestRepository_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := New()
	assert.ErrorIs(t, repo.Save(ctx, store.Record{ID: "a"}), context.Canceled)
}
