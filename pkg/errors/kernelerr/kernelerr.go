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

// Package kernelerr contains the error codes the kernel returns, exported
// as error interface pointers. Sentinels are compared by identity, so
// callers may test results with ==.
package kernelerr

import (
	"fmt"

	"nanovisor.dev/nanovisor/pkg/abi/nanos/errno"
	"nanovisor.dev/nanovisor/pkg/errors"
)

// The sentinel errors produced by the kernel.
var (
	EPERM     = errors.New(errno.EPERM, "operation not permitted")
	ESRCH     = errors.New(errno.ESRCH, "no such task")
	EIO       = errors.New(errno.EIO, "I/O error")
	E2BIG     = errors.New(errno.E2BIG, "argument list too long")
	ECHILD    = errors.New(errno.ECHILD, "no child tasks")
	EAGAIN    = errors.New(errno.EAGAIN, "try again")
	ENOMEM    = errors.New(errno.ENOMEM, "out of memory")
	EFAULT    = errors.New(errno.EFAULT, "bad address")
	EBUSY     = errors.New(errno.EBUSY, "device or resource busy")
	EEXIST    = errors.New(errno.EEXIST, "already exists")
	ENODEV    = errors.New(errno.ENODEV, "no such device")
	EINVAL    = errors.New(errno.EINVAL, "invalid argument")
	ENOSPC    = errors.New(errno.ENOSPC, "no space left")
	ERANGE    = errors.New(errno.ERANGE, "result not representable")
	ENOSYS    = errors.New(errno.ENOSYS, "invalid system call number")
	EOVERFLOW = errors.New(errno.EOVERFLOW, "value too large for defined data type")
)

var errorSlice = func() []*errors.Error {
	all := []*errors.Error{
		EPERM, ESRCH, EIO, E2BIG, ECHILD, EAGAIN, ENOMEM, EFAULT,
		EBUSY, EEXIST, ENODEV, EINVAL, ENOSPC, ERANGE, ENOSYS,
		EOVERFLOW,
	}
	s := make([]*errors.Error, errno.EOVERFLOW+1)
	for _, e := range all {
		s[e.Errno()] = e
	}
	return s
}()

// ErrorFromErrno returns the sentinel error for the given errno. It
// panics on an errno with no sentinel, which always indicates a bug in
// the caller.
func ErrorFromErrno(e errno.Errno) error {
	if int(e) < len(errorSlice) {
		if err := errorSlice[e]; err != nil {
			return err
		}
	}
	panic(fmt.Sprintf("unknown errno %d", e))
}
