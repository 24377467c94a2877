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

// The nanovisor command drives the emulated kernel from the command
// line: it loads a workload description, boots a kernel, and runs the
// workload's tasks through their fork and exit lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"nanovisor.dev/nanovisor/pkg/log"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logPath   = flag.String("log", "", "file path where logs are written. Empty means stderr.")
	logFormat = flag.String("log-format", "text", `log format: "text" or "json".`)
)

func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	switch format {
	case "text", "":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}

// Fatalf logs to stderr and exits.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(versionCmd), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	logWriter := io.Writer(os.Stderr)
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			Fatalf("error opening log file %q: %v", *logPath, err)
		}
		logWriter = f
	}
	e, err := newEmitter(*logFormat, logWriter)
	if err != nil {
		Fatalf("%v", err)
	}
	log.SetTarget(e)
	if *debug {
		log.SetLevel(log.Debug)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
