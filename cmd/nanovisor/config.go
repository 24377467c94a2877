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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"nanovisor.dev/nanovisor/pkg/hostarch"
)

// config describes a workload: the machine to boot and the tasks to run
// on it.
type config struct {
	// MemorySize is the size of guest memory in bytes. Zero means 64 pages.
	MemorySize uint32 `toml:"memory_size"`

	// MaxTasks bounds the number of live tasks. Zero means the kernel
	// default.
	MaxTasks int `toml:"max_tasks"`

	// StackSize is the stack size for root tasks, in bytes. Zero means
	// one page.
	StackSize uint32 `toml:"stack_size"`

	// Tasks are the root tasks to create, in order.
	Tasks []taskConfig `toml:"task"`
}

// taskConfig describes one root task.
type taskConfig struct {
	// Name is the task's symbolic name.
	Name string `toml:"name"`

	// EntryPoint is the address at which the task starts.
	EntryPoint uint32 `toml:"entry_point"`

	// Kernel marks the task as a kernel task; its stack is carved from
	// the opposite end of the stack window.
	Kernel bool `toml:"kernel"`

	// Forks is the number of children the task forks, each of which
	// then exits.
	Forks int `toml:"forks"`
}

// defaultConfig is the workload used when no config file is given.
func defaultConfig() *config {
	return &config{
		Tasks: []taskConfig{
			{Name: "init", EntryPoint: 0x8000, Forks: 1},
		},
	}
}

// loadConfig loads a workload description from a TOML file.
func loadConfig(path string) (*config, error) {
	var c config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// fillDefaults applies defaults and validates the result.
func (c *config) fillDefaults() error {
	if c.MemorySize == 0 {
		c.MemorySize = 64 * hostarch.PageSize
	}
	if c.StackSize == 0 {
		c.StackSize = hostarch.PageSize
	}
	if c.MemorySize%hostarch.PageSize != 0 {
		return fmt.Errorf("memory_size %#x is not a multiple of the page size", c.MemorySize)
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("no tasks configured")
	}
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("task%d", i)
		}
		if t.Forks < 0 {
			return fmt.Errorf("task %q: negative fork count %d", t.Name, t.Forks)
		}
	}
	return nil
}
