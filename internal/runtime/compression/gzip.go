package compression

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Gzip implements "gzip,base64".
type Gzip struct {
	level int
}

// NewGzip uses the default compression level.
func NewGzip() *Gzip {
	return &Gzip{level: gzip.DefaultCompression}
}

// NewGzipLevel uses one of the gzip level constants.
func NewGzipLevel(level int) *Gzip {
	return &Gzip{level: level}
}

func (g *Gzip) Compress(body string) (string, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (g *Gzip) Decompress(body string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("gzip: invalid base64 body: %w", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	return string(out), nil
}
