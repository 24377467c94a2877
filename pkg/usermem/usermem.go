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

// Package usermem governs access to the memory of the emulated machine.
package usermem

import (
	"nanovisor.dev/nanovisor/pkg/context"
	"nanovisor.dev/nanovisor/pkg/hostarch"
)

// IO provides access to the memory of the emulated machine.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at
	// addr. It returns the number of bytes copied. If the number of
	// bytes copied is < len(src), it returns a non-nil error explaining
	// why.
	CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to
	// dst. It returns the number of bytes copied. If the number of bytes
	// copied is < len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error)

	// ZeroOut sets toZero bytes to 0, starting at addr. It returns the
	// number of bytes zeroed. If the number of bytes zeroed is < toZero,
	// it returns a non-nil error explaining why.
	ZeroOut(ctx context.Context, addr hostarch.Addr, toZero uint32) (uint32, error)
}

// CopyWithin copies length bytes from the memory mapped at src to the
// memory mapped at dst, through a scratch buffer. The ranges must not
// overlap. It returns the number of bytes copied.
func CopyWithin(ctx context.Context, uio IO, dst, src hostarch.Addr, length uint32) (int, error) {
	buf := make([]byte, length)
	if n, err := uio.CopyIn(ctx, src, buf); err != nil {
		return 0, err
	} else if uint32(n) != length {
		buf = buf[:n]
	}
	return uio.CopyOut(ctx, dst, buf)
}
