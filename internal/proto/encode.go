package proto

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EncodeFds writes the descriptor list in the inherited-socket wire format.
// An empty list encodes to the empty string.
func EncodeFds(fds []int) string {
	var b strings.Builder
	for _, fd := range fds {
		b.WriteString(strconv.Itoa(fd))
		b.WriteByte(Separator)
	}
	return b.String()
}

// DecodeFds parses a value written by EncodeFds.
func DecodeFds(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(strings.TrimSuffix(value, string(Separator)), string(Separator))
	fds := make([]int, 0, len(parts))
	for _, part := range parts {
		fd, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid inherited descriptor %q in %q", part, value)
		}
		if fd < 0 {
			return nil, errors.Errorf("invalid inherited descriptor %d in %q", fd, value)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// PositionalFds returns the descriptor numbers a child sees for n sockets
// passed as extra files.
func PositionalFds(n int) []int {
	fds := make([]int, n)
	for i := range fds {
		fds[i] = FirstInheritedFd + i
	}
	return fds
}
