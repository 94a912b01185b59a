package wire

import (
	"io"

	"github.com/goftpd/goftpd/pkg/ftp/reply"
)

// WriteReply encodes r and writes it to w. A KindNone reply is a no-op and
// drops silently instead of writing zero bytes.
func WriteReply(w io.Writer, r reply.Reply) error {
	if r.IsNone() {
		return nil
	}
	_, err := w.Write(r.Encode())
	return err
}
