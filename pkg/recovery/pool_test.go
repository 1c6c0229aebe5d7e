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

package recovery

import (
	"sync"
	"testing"

	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolDispatch(t *testing.T) {
	var (
		mu  sync.Mutex
		got = make(map[int][]string)
		wg  sync.WaitGroup
	)
	p := NewPool(3, func(id int, msg *IndexBuildMsg) {
		defer wg.Done()
		mu.Lock()
		got[id] = append(got[id], string(msg.Descriptor))
		mu.Unlock()
		if string(msg.Descriptor) == "panic" {
			panic("boom")
		}
	})
	require.Equal(t, 3, p.Size())
	require.NotNil(t, p.BuildState())
	require.NotNil(t, p.SortShared())

	wg.Add(3)
	require.NoError(t, p.Broadcast(&IndexBuildMsg{Descriptor: []byte("a")}))
	wg.Wait()
	// a panicking handler does not kill the worker
	wg.Add(2)
	require.NoError(t, p.Send(1, &IndexBuildMsg{Descriptor: []byte("panic")}))
	require.NoError(t, p.Send(1, &IndexBuildMsg{Descriptor: []byte("b")}))
	wg.Wait()
	require.Error(t, p.Send(5, &IndexBuildMsg{}))

	p.Close()
	p.Close()
	require.True(t, dbterror.ErrEngineClosed.Equal(p.Send(0, &IndexBuildMsg{})))
	require.Equal(t, []string{"a"}, got[0])
	require.Equal(t, []string{"a", "panic", "b"}, got[1])
	require.Equal(t, []string{"a"}, got[2])
}

func TestPoolAcquireBuild(t *testing.T) {
	p := NewPool(0, func(int, *IndexBuildMsg) {})
	defer p.Close()
	require.Equal(t, 0, p.Size())
	release := p.AcquireBuild()
	acquired := make(chan struct{})
	go func() {
		r := p.AcquireBuild()
		close(acquired)
		r()
	}()
	select {
	case <-acquired:
		t.Fatal("two builds share the pool")
	default:
	}
	release()
	<-acquired
}
