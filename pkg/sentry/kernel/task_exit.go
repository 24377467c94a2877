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
	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
)

// Exit removes t from the scheduler and releases its resources. This is
// the normal end of a vfork child's life, and the only operation besides
// replacing its image a vfork child may perform.
func (t *Task) Exit() error {
	if t.state != taskRunnable {
		return kernelerr.ESRCH
	}
	t.state = taskExited
	t.k.dequeue(t)
	t.k.releaseTask(t, nil)
	return nil
}
