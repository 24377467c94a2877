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

// Package context defines the context type used inside the kernel: a
// standard Go context that also carries a logger, so operations log
// on behalf of the task that invoked them.
package context

import (
	"context"

	"nanovisor.dev/nanovisor/pkg/log"
)

// Context is passed into blocking kernel operations. It is not safe for
// concurrent use and must not be retained past the duration of the call
// that received it.
type Context interface {
	log.Logger
	context.Context
}

type logContext struct {
	log.Logger
	context.Context
}

// Background returns an empty context using the default logger.
func Background() Context {
	return logContext{
		Context: context.Background(),
		Logger:  log.Log(),
	}
}
