package s3wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// payload is an upload body that can be replayed for every retry attempt and
// whose SHA-256 is known before the first byte is sent.
type payload struct {
	src     io.ReaderAt
	size    int64
	hash    string
	cleanup func()
}

func (p *payload) reader() io.Reader {
	return io.NewSectionReader(p.src, 0, p.size)
}

func (p *payload) Close() {
	if p.cleanup != nil {
		p.cleanup()
	}
}

// newPayload prepares body for signing. In-memory bodies are hashed in
// place. Anything else is spooled to a temporary file under tempDir while it
// is hashed, so the stream is consumed exactly once.
func newPayload(body io.Reader, size int64, tempDir string) (*payload, error) {
	if body == nil {
		return &payload{src: bytes.NewReader(nil), hash: emptyPayloadHash}, nil
	}

	if b, ok := body.(*bytes.Buffer); ok {
		data := b.Bytes()
		return &payload{src: bytes.NewReader(data), size: int64(len(data)), hash: sha256Hex(data)}, nil
	}

	if ra, ok := body.(interface {
		io.ReaderAt
		Size() int64
	}); ok && (size < 0 || size == ra.Size()) {
		// *bytes.Reader and *strings.Reader.
		h := sha256.New()
		if _, err := io.Copy(h, io.NewSectionReader(ra, 0, ra.Size())); err != nil {
			return nil, fmt.Errorf("s3wire: hash payload: %w", err)
		}
		return &payload{src: ra, size: ra.Size(), hash: hex.EncodeToString(h.Sum(nil))}, nil
	}

	f, err := os.CreateTemp(tempDir, "s3wire-upload-*")
	if err != nil {
		return nil, fmt.Errorf("s3wire: create spool file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}

	h := sha256.New()
	src := body
	if size >= 0 {
		src = io.LimitReader(body, size)
	}

	written, err := io.Copy(f, io.TeeReader(src, h))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("s3wire: spool payload: %w", err)
	}

	if size >= 0 && written != size {
		cleanup()
		return nil, fmt.Errorf("s3wire: short payload: expected %d bytes, got %d", size, written)
	}

	return &payload{src: f, size: written, hash: hex.EncodeToString(h.Sum(nil)), cleanup: cleanup}, nil
}
