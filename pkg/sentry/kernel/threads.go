// Copyright 2024 The Nanovisor Authors.
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

package kernel

import (
	"sync"

	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
)

// ThreadID is a task identifier.
type ThreadID int32

// InitTID is the ID assigned to the first task.
const InitTID ThreadID = 1

// taskSet tracks all live tasks and allocates their IDs.
type taskSet struct {
	mu sync.RWMutex

	// tasks maps IDs to live tasks.
	//
	// +checklocks:mu
	tasks map[ThreadID]*Task

	// nextTID is the ID at which the next allocation scan starts.
	//
	// +checklocks:mu
	nextTID ThreadID

	// maxTasks bounds len(tasks).
	maxTasks int
}

func newTaskSet(maxTasks int) *taskSet {
	return &taskSet{
		tasks:    make(map[ThreadID]*Task),
		nextTID:  InitTID,
		maxTasks: maxTasks,
	}
}

// assignTID reserves a free ID for t and registers it. It fails with
// EAGAIN when the task limit is reached.
func (ts *taskSet) assignTID(t *Task) (ThreadID, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.tasks) >= ts.maxTasks {
		return 0, kernelerr.EAGAIN
	}
	// The limit check above guarantees a free ID exists.
	tid := ts.nextTID
	for {
		if tid <= 0 {
			tid = InitTID
		}
		if _, ok := ts.tasks[tid]; !ok {
			break
		}
		tid++
	}
	ts.nextTID = tid + 1
	ts.tasks[tid] = t
	return tid, nil
}

// remove drops tid from the set.
func (ts *taskSet) remove(tid ThreadID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.tasks, tid)
}

// lookup returns the task with the given ID, or nil.
func (ts *taskSet) lookup(tid ThreadID) *Task {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.tasks[tid]
}

// count returns the number of live tasks.
func (ts *taskSet) count() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.tasks)
}
