package s3test

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// decodeStreamingPayload decodes an aws-chunked body, as sent with
// STREAMING-AWS4-HMAC-SHA256-PAYLOAD, into w and returns the number of
// decoded bytes. Chunk signatures are not verified.
func decodeStreamingPayload(w io.Writer, body io.Reader) (int64, error) {
	br := bufio.NewReader(body)
	var written int64

	for {
		// Each chunk begins with: <size-hex>[;chunk-signature=...]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, errors.New("unexpected EOF while reading chunk header")
			}
			return written, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		sizeHex, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeHex), 16, 64)
		if err != nil {
			return written, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}

		if size == 0 {
			return written, nil
		}

		n, err := io.CopyN(w, br, size)
		written += n
		if err != nil {
			return written, fmt.Errorf("read chunk body: %w", err)
		}

		// Consume the trailing CRLF after the chunk body.
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil {
			return written, fmt.Errorf("read chunk terminator: %w", err)
		}
		if string(crlf) != "\r\n" {
			return written, fmt.Errorf("expected CRLF after chunk, got %q", crlf)
		}
	}
}
