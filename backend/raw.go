package backend

import "golang.org/x/sys/unix"

// openRaw opens path as a raw fd, the form io_uring submits SQEs
// against directly rather than through an *os.File.
func openRaw(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR, 0)
}

func closeRaw(fd int) error {
	return unix.Close(fd)
}
