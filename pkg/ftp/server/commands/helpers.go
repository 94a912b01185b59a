package commands

import (
	"bufio"
	"io"

	"github.com/goftpd/goftpd/pkg/ftp/storage"
)

// user adapts the session's authenticated principal to storage.User. Called
// only from handlers reachable after the auth gate, where a user is always
// present.
func user(cc *CommandContext) storage.User {
	u, _ := cc.Session.User()
	return u
}

// readLines drains r into its constituent lines, stripping any trailing
// newline, for handlers that fold a backend-provided reader into a
// multi-line reply (STAT <path>).
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
