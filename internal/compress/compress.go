// Package compress implements the four compression families the wire
// protocol's flag bits enumerate (spec §5 "4-bit compression family in bits
// 12-15", §6 `compression` config key).
//
// No LZO or LZMA Go library appears anywhere in the example corpus. LZO is
// served by klauspost/compress's s2 codec (a Snappy-family block compressor
// with a comparable fast/low-ratio profile); LZMA is served by
// klauspost/compress's zstd codec (comparable high-ratio profile). Both
// choices are recorded in DESIGN.md. LZW uses the standard library, since
// compress/lzw is the literal same algorithm and no third-party Go LZW
// implementation appears in the corpus.
package compress

import (
	"bytes"
	"compress/lzw"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Family identifies a compression algorithm. Values match
// wire.CompressionFamily so a Family can be round-tripped through the frame
// header's flag bits without translation.
type Family uint8

const (
	None Family = iota
	LZO         // served by s2
	LZW         // served by stdlib compress/lzw
	LZMA        // served by zstd
)

func (f Family) String() string {
	switch f {
	case None:
		return "none"
	case LZO:
		return "lzo"
	case LZW:
		return "lzw"
	case LZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

// ParseFamily maps a config string to a Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "", "none":
		return None, nil
	case "lzo":
		return LZO, nil
	case "lzw":
		return LZW, nil
	case "lzma":
		return LZMA, nil
	default:
		return None, fmt.Errorf("compress: unknown family %q", s)
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var zstdDecoder, _ = zstd.NewReader(nil)

// Compress returns the compressed form of plaintext under the given family.
// None returns plaintext unchanged (no copy).
func Compress(family Family, plaintext []byte) ([]byte, error) {
	switch family {
	case None:
		return plaintext, nil
	case LZO:
		return s2.Encode(nil, plaintext), nil
	case LZW:
		var buf bytes.Buffer
		w := lzw.NewWriter(&buf, lzw.MSB, 8)
		if _, err := w.Write(plaintext); err != nil {
			return nil, fmt.Errorf("compress: lzw write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress: lzw close: %w", err)
		}
		return buf.Bytes(), nil
	case LZMA:
		return zstdEncoder.EncodeAll(plaintext, nil), nil
	default:
		return nil, fmt.Errorf("compress: unknown family %d", family)
	}
}

// Decompress reverses Compress. origSize, when > 0, preallocates the output
// buffer (the manifest trailer records it, so extract always knows it up
// front).
func Decompress(family Family, compressed []byte, origSize int) ([]byte, error) {
	switch family {
	case None:
		return compressed, nil
	case LZO:
		var dst []byte
		if origSize > 0 {
			dst = make([]byte, 0, origSize)
		}
		return s2.Decode(dst, compressed)
	case LZW:
		r := lzw.NewReader(bytes.NewReader(compressed), lzw.MSB, 8)
		defer r.Close()
		out := make([]byte, 0, origSize)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, fmt.Errorf("compress: lzw read: %w", err)
		}
		return buf.Bytes(), nil
	case LZMA:
		return zstdDecoder.DecodeAll(compressed, make([]byte, 0, origSize))
	default:
		return nil, fmt.Errorf("compress: unknown family %d", family)
	}
}
