package netconf

import (
	"bufio"
	"bytes"
	"io"
)

// endOfMessage delimits RFC 6242 base:1.0 messages.
var endOfMessage = []byte("]]>]]>")

const maxMessageSize = 16 << 20

// newMessageScanner splits r into end-of-message delimited messages.
func newMessageScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxMessageSize)
	s.Split(splitMessages)
	return s
}

func splitMessages(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, endOfMessage); i >= 0 {
		return i + len(endOfMessage), bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		if len(bytes.TrimSpace(data)) > 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func writeMessage(w io.Writer, msg []byte) error {
	buf := make([]byte, 0, len(msg)+len(endOfMessage))
	buf = append(buf, msg...)
	buf = append(buf, endOfMessage...)
	_, err := w.Write(buf)
	return err
}
