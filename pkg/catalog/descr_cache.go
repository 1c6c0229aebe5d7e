// Copyright 2024 PingCAP, Inc.
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

package catalog

import (
	"sync"

	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/table"
)

// DescrCache keeps the live descriptors of the tables in a catalog. Entries
// are dropped whenever a mutation touching their identity commits.
type DescrCache struct {
	s *Store

	mu     sync.Mutex
	descrs map[model.RelOIDs]*table.Descr
	hits   int64
	misses int64
}

// NewDescrCache creates a cache over s.
func NewDescrCache(s *Store) *DescrCache {
	c := &DescrCache{s: s, descrs: make(map[model.RelOIDs]*table.Descr)}
	s.OnInvalidate(c.Invalidate)
	return c
}

// Fetch returns the live descriptor of the table stored under oids.
func (c *DescrCache) Fetch(oids model.RelOIDs) (*table.Descr, error) {
	c.mu.Lock()
	if d, ok := c.descrs[oids]; ok {
		c.hits++
		c.mu.Unlock()
		return d, nil
	}
	c.misses++
	c.mu.Unlock()
	return c.load(oids)
}

func (c *DescrCache) load(oids model.RelOIDs) (*table.Descr, error) {
	tbl, err := c.s.GetTable(oids)
	if err != nil {
		return nil, err
	}
	d, err := table.NewDescr(tbl)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.descrs[oids] = d
	c.mu.Unlock()
	return d, nil
}

// Recreate drops the cached descriptor of oids and builds it again from the
// catalog.
func (c *DescrCache) Recreate(oids model.RelOIDs) (*table.Descr, error) {
	c.Invalidate(oids)
	return c.load(oids)
}

// Invalidate drops the cached descriptor of oids.
func (c *DescrCache) Invalidate(oids model.RelOIDs) {
	c.mu.Lock()
	delete(c.descrs, oids)
	c.mu.Unlock()
}

// Stats returns the number of cache hits and misses.
func (c *DescrCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
