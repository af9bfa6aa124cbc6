package artifacts

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Blob framing: one tag byte, then the payload.
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

// Encoder and decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("artifacts: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifacts: zstd decoder initialization failed: " + err.Error())
	}
}

func encode(data []byte, compress bool) []byte {
	if compress && len(data) > 0 {
		out := zstdEncoder.EncodeAll(data, []byte{tagZstd})
		if len(out) < len(data)+1 {
			return out
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, tagRaw)
	return append(out, data...)
}

var errCorruptBlob = errors.New("corrupt artifact blob")

func decode(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, errCorruptBlob
	}
	switch blob[0] {
	case tagRaw:
		return blob[1:], nil
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(blob[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptBlob, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", errCorruptBlob, blob[0])
	}
}
