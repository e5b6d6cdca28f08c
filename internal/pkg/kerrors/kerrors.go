package kerrors

// Linux kernel error codes
const (
	EPERM     int64 = 1   // Operation not permitted
	ENOENT    int64 = 2   // No such file or directory
	ESRCH     int64 = 3   // No such process
	EIO       int64 = 5   // I/O error
	ENOEXEC   int64 = 8   // Exec format error
	EBADF     int64 = 9   // Bad file descriptor
	ENOMEM    int64 = 12  // Out of memory
	EBUSY     int64 = 16  // Device or resource busy
	EEXIST    int64 = 17  // File exists
	ENODEV    int64 = 19  // No such device
	ENOTDIR   int64 = 20  // Not a directory
	EISDIR    int64 = 21  // Is a directory
	EINVAL    int64 = 22  // Invalid argument
	EMFILE    int64 = 24  // Too many open files
	ENOSPC    int64 = 28  // No space left on device
	ENOTEMPTY int64 = 39  // Directory not empty
	ENOTSUP   int64 = 95  // Operation not supported
	EUCLEAN   int64 = 117 // Structure needs cleaning

	ENOMEM_NEG int64 = -ENOMEM // Out of memory (negative)
	EINVAL_NEG int64 = -EINVAL // Invalid argument (negative)
)
