// Copyright 2024 BranchOrigin Authors
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

// Package index provides the per-repository ordered index of branch copy points.
//
// Facts are keyed by the target URL (the branch created by the copy). Queries may
// arrive for any path below a branch root, so Lookup finds the greatest key that
// is <= the query and accepts it only when the query starts with that key.
//
// The prefix test is a literal string prefix, not a path-segment match: a key of
// "/repo/trunk" also answers "/repo/trunk-old/x". Stored data depends on this
// behavior, so it is kept as is.
package index

import (
	"github.com/emirpasic/gods/maps/treemap"

	"branchorigin/internal/copypoint"
)

// Index maps branch root URLs to the copy point that created them.
//
// Not thread-safe: the owning store serializes access.
type Index struct {
	tree *treemap.Map
}

// New creates an empty index.
func New() *Index {
	return &Index{tree: treemap.NewWithStringComparator()}
}

// Put records data keyed by its target URL, replacing any previous fact.
func (idx *Index) Put(data copypoint.BranchCopyData) {
	idx.tree.Put(data.Target, data)
}

// putKey records data under an explicit key (used when decoding).
func (idx *Index) putKey(key string, data copypoint.BranchCopyData) {
	idx.tree.Put(key, data)
}

// Get returns the fact stored under exactly key.
func (idx *Index) Get(key string) (copypoint.BranchCopyData, bool) {
	v, found := idx.tree.Get(key)
	if !found {
		return copypoint.BranchCopyData{}, false
	}
	return v.(copypoint.BranchCopyData), true
}

// Remove deletes the fact stored under key, if any.
func (idx *Index) Remove(key string) {
	idx.tree.Remove(key)
}

// Lookup returns the fact of the nearest recorded branch root for url.
func (idx *Index) Lookup(url string) (copypoint.BranchCopyData, bool) {
	k, v := idx.tree.Floor(url)
	if k == nil {
		return copypoint.BranchCopyData{}, false
	}
	key := k.(string)
	if len(url) < len(key) || url[:len(key)] != key {
		return copypoint.BranchCopyData{}, false
	}
	return v.(copypoint.BranchCopyData), true
}

// Len returns the number of recorded facts.
func (idx *Index) Len() int {
	return idx.tree.Size()
}

// Entry is a key with its fact.
type Entry struct {
	Key  string
	Data copypoint.BranchCopyData
}

// Entries returns all facts in ascending key order.
func (idx *Index) Entries() []Entry {
	entries := make([]Entry, 0, idx.tree.Size())
	it := idx.tree.Iterator()
	for it.Next() {
		entries = append(entries, Entry{
			Key:  it.Key().(string),
			Data: it.Value().(copypoint.BranchCopyData),
		})
	}
	return entries
}
