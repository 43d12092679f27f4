package compression

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd implements "zstd,base64". EncodeAll and DecodeAll are safe for
// concurrent use, so one encoder and one decoder serve every caller.
type Zstd struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstd() *Zstd {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("flowbus: zstd encoder: %v", err))
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("flowbus: zstd decoder: %v", err))
	}
	return &Zstd{encoder: encoder, decoder: decoder}
}

func (z *Zstd) Compress(body string) (string, error) {
	out := z.encoder.EncodeAll([]byte(body), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (z *Zstd) Decompress(body string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("zstd: invalid base64 body: %w", err)
	}
	if len(raw) == 0 {
		return "", nil
	}
	out, err := z.decoder.DecodeAll(raw, nil)
	if err != nil {
		return "", fmt.Errorf("zstd: %w", err)
	}
	return string(out), nil
}
