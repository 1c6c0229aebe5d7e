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

package sorter

import (
	"bytes"
	"container/heap"

	"github.com/pingcap/errors"
	"go.uber.org/multierr"
)

type kvWithRun struct {
	key   []byte
	value []byte
	runID int
}

type multiWayMergeImpl struct {
	elements []kvWithRun
}

func (h *multiWayMergeImpl) Less(i, j int) bool {
	return bytes.Compare(h.elements[i].key, h.elements[j].key) < 0
}

func (h *multiWayMergeImpl) Len() int {
	return len(h.elements)
}

func (*multiWayMergeImpl) Push(any) {
	// Should never be called.
}

func (h *multiWayMergeImpl) Pop() any {
	h.elements = h.elements[:len(h.elements)-1]
	return nil
}

func (h *multiWayMergeImpl) Swap(i, j int) {
	h.elements[i], h.elements[j] = h.elements[j], h.elements[i]
}

// multiWayMerger merges several sorted runs into one sorted stream.
type multiWayMerger struct {
	readers       []runReader
	multiWayMerge *multiWayMergeImpl
}

func newMultiWayMerger(runs []run) (_ *multiWayMerger, err error) {
	m := &multiWayMerger{
		readers: make([]runReader, 0, len(runs)),
		multiWayMerge: &multiWayMergeImpl{
			elements: make([]kvWithRun, 0, len(runs)),
		},
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, m.close())
		}
	}()
	for _, r := range runs {
		reader, err := r.open()
		if err != nil {
			return nil, err
		}
		m.readers = append(m.readers, reader)
	}
	for i, reader := range m.readers {
		key, value, err := reader.next()
		if err != nil {
			return nil, err
		}
		if key == nil {
			continue
		}
		m.multiWayMerge.elements = append(m.multiWayMerge.elements, kvWithRun{key: key, value: value, runID: i})
	}
	heap.Init(m.multiWayMerge)
	return m, nil
}

// next returns a nil key when every run is exhausted.
func (m *multiWayMerger) next() ([]byte, []byte, error) {
	if m.multiWayMerge.Len() == 0 {
		return nil, nil, nil
	}
	elem := m.multiWayMerge.elements[0]
	key, value, err := m.readers[elem.runID].next()
	if err != nil {
		return nil, nil, err
	}
	if key == nil {
		heap.Remove(m.multiWayMerge, 0)
		return elem.key, elem.value, nil
	}
	m.multiWayMerge.elements[0] = kvWithRun{key: key, value: value, runID: elem.runID}
	heap.Fix(m.multiWayMerge, 0)
	return elem.key, elem.value, nil
}

func (m *multiWayMerger) close() error {
	var err error
	for _, r := range m.readers {
		err = multierr.Append(err, r.close())
	}
	m.readers = nil
	return errors.Trace(err)
}
