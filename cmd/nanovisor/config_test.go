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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nanovisor.dev/nanovisor/pkg/hostarch"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workload.toml")
	data := `
memory_size = 0x10000
stack_size = 0x2000

[[task]]
name = "init"
entry_point = 0x8000
forks = 2

[[task]]
name = "kworker"
entry_point = 0x9000
kernel = true
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := c.fillDefaults(); err != nil {
		t.Fatalf("fillDefaults: %v", err)
	}
	want := &config{
		MemorySize: 0x10000,
		StackSize:  0x2000,
		Tasks: []taskConfig{
			{Name: "init", EntryPoint: 0x8000, Forks: 2},
			{Name: "kworker", EntryPoint: 0x9000, Kernel: true},
		},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFillDefaults(t *testing.T) {
	c := &config{Tasks: []taskConfig{{}}}
	if err := c.fillDefaults(); err != nil {
		t.Fatalf("fillDefaults: %v", err)
	}
	if got, want := c.MemorySize, uint32(64*hostarch.PageSize); got != want {
		t.Errorf("MemorySize: got %#x, want %#x", got, want)
	}
	if got, want := c.StackSize, uint32(hostarch.PageSize); got != want {
		t.Errorf("StackSize: got %#x, want %#x", got, want)
	}
	if got, want := c.Tasks[0].Name, "task0"; got != want {
		t.Errorf("task name: got %q, want %q", got, want)
	}
}

func TestFillDefaultsRejectsBadConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		c    config
	}{
		{"no tasks", config{}},
		{"unaligned memory", config{MemorySize: 1234, Tasks: []taskConfig{{}}}},
		{"negative forks", config{Tasks: []taskConfig{{Forks: -1}}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.c.fillDefaults(); err == nil {
				t.Errorf("fillDefaults accepted %+v", tc.c)
			}
		})
	}
}
