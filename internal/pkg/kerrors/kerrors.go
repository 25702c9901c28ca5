package kerrors

// Коды ошибок ядра Linux
const (
	EPERM        int64 = 1   // Operation not permitted
	ENOENT       int64 = 2   // No such file or directory
	EIO          int64 = 5   // I/O error
	EBADF        int64 = 9   // Bad file number
	ENOMEM       int64 = 12  // Out of memory
	EACCES       int64 = 13  // Permission denied
	EBUSY        int64 = 16  // Device or resource busy
	EEXIST       int64 = 17  // File exists
	ENOTDIR      int64 = 20  // Not a directory
	EISDIR       int64 = 21  // Is a directory
	EINVAL       int64 = 22  // Invalid argument
	EFBIG        int64 = 27  // File too large
	ENOSPC       int64 = 28  // No space left on device
	ESPIPE       int64 = 29  // Illegal seek
	EROFS        int64 = 30  // Read-only file system
	ENAMETOOLONG int64 = 36  // File name too long
	ENOSYS       int64 = 38  // Function not implemented
	ENOTEMPTY    int64 = 39  // Directory not empty
	ELOOP        int64 = 40  // Too many symbolic links encountered
	EUCLEAN      int64 = 117 // Structure needs cleaning

	ENOMEM_NEG int64 = -ENOMEM // Out of memory (negative)
	EINVAL_NEG int64 = -EINVAL // Invalid argument (negative)
	EIO_NEG    int64 = -EIO    // I/O error (negative)
)
