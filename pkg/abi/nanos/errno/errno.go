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

// Package errno holds the error number codes of the emulated nanos ABI.
// The numbering follows the conventional POSIX assignments so that error
// codes reported by the kernel are recognizable in traces and logs.
package errno

// Errno represents a nanos ABI error number.
type Errno uint32

// Error numbers understood by the kernel. Only the codes the kernel
// itself can produce are defined; this is not a full POSIX table.
const (
	NOERRNO Errno = iota
	EPERM
	ENOENT
	ESRCH
	EINTR
	EIO
	ENXIO
	E2BIG
	ENOEXEC
	EBADF
	ECHILD
	EAGAIN
	ENOMEM
	EACCES
	EFAULT
	ENOTBLK
	EBUSY
	EEXIST
	EXDEV
	ENODEV
	ENOTDIR
	EISDIR
	EINVAL
	ENFILE
	EMFILE
	ENOTTY
	ETXTBSY
	EFBIG
	ENOSPC
	ESPIPE
	EROFS
	EMLINK
	EPIPE
	EDOM
	ERANGE

	// ENOSYS is out of sequence with the block above, matching its
	// conventional assignment.
	ENOSYS Errno = 38

	// EOVERFLOW is the largest errno the kernel produces.
	EOVERFLOW Errno = 75
)
