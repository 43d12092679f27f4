// Package compression holds the message body compressors, keyed by the
// content-encoding identifier stamped on compressed messages.
package compression

import "sort"

// Encoding identifiers. Each compresses the UTF-8 body and then base64
// encodes the result so it can travel as message text.
const (
	EncodingGzipBase64 = "gzip,base64"
	EncodingZstdBase64 = "zstd,base64"
)

// Compressor turns message text into compressed text and back. A round trip
// must reproduce the input exactly.
type Compressor interface {
	Compress(body string) (string, error)
	Decompress(body string) (string, error)
}

// Registry maps encoding identifiers to compressors. It is read only after
// construction, so lookups need no locking.
type Registry struct {
	compressors map[string]Compressor
}

// NewRegistry copies the supplied mapping. Identifiers are matched exactly.
func NewRegistry(compressors map[string]Compressor) *Registry {
	r := &Registry{compressors: make(map[string]Compressor, len(compressors))}
	for encoding, c := range compressors {
		if c != nil {
			r.compressors[encoding] = c
		}
	}
	return r
}

// DefaultRegistry knows gzip and zstd.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Compressor{
		EncodingGzipBase64: NewGzip(),
		EncodingZstdBase64: NewZstd(),
	})
}

// Get returns the compressor for encoding.
func (r *Registry) Get(encoding string) (Compressor, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.compressors[encoding]
	return c, ok
}

// Encodings lists the registered identifiers in sorted order.
func (r *Registry) Encodings() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.compressors))
	for encoding := range r.compressors {
		out = append(out, encoding)
	}
	sort.Strings(out)
	return out
}
