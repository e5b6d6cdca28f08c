package kerrors

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrBadDescriptor   = errors.New("bad file descriptor")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoSpace         = errors.New("no space left on device")
	ErrCorruptLayout   = errors.New("corrupt on-disk layout")
	ErrUnsupported     = errors.New("operation not supported")

	ErrExists         = errors.New("already exists")
	ErrNotDir         = errors.New("not a directory")
	ErrIsDir          = errors.New("is a directory")
	ErrNotEmpty       = errors.New("directory not empty")
	ErrBusy           = errors.New("resource busy")
	ErrNoExec         = errors.New("exec format error")
	ErrNoDevice       = errors.New("no such device")
	ErrNoProcess      = errors.New("no such process")
	ErrNoMemory       = errors.New("out of memory")
	ErrTooManyFiles   = errors.New("too many open files")
	ErrUnrecognizedFS = errors.New("unrecognized filesystem")
)

var errnoTable = []struct {
	err   error
	errno int64
}{
	{ErrNotFound, ENOENT},
	{ErrBadDescriptor, EBADF},
	{ErrInvalidArgument, EINVAL},
	{ErrNoSpace, ENOSPC},
	{ErrCorruptLayout, EUCLEAN},
	{ErrUnsupported, ENOTSUP},
	{ErrExists, EEXIST},
	{ErrNotDir, ENOTDIR},
	{ErrIsDir, EISDIR},
	{ErrNotEmpty, ENOTEMPTY},
	{ErrBusy, EBUSY},
	{ErrNoExec, ENOEXEC},
	{ErrNoDevice, ENODEV},
	{ErrUnrecognizedFS, ENODEV},
	{ErrNoProcess, ESRCH},
	{ErrNoMemory, ENOMEM},
	{ErrTooManyFiles, EMFILE},
}

// Errno maps an error chain onto the positive errno a process observes.
// Anything outside the taxonomy is reported as EIO.
func Errno(err error) int64 {
	if err == nil {
		return 0
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return EIO
}
