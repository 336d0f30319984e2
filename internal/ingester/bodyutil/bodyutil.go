// Package bodyutil provides request body decompression for ingesters.
package bodyutil

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrTooLarge is returned when a body exceeds the size limit, before or
// after decompression.
var ErrTooLarge = errors.New("body too large")

// zstdDec is a concurrent-safe zstd decoder.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20), // 64 MB
	)
	if err != nil {
		panic("bodyutil: init zstd decoder: " + err.Error())
	}
}

// ReadBody reads and decompresses a request body based on the
// Content-Encoding header value. Supports gzip, zstd, br and identity.
// Decompressed output larger than maxBytes yields ErrTooLarge.
func ReadBody(body io.Reader, contentEncoding string, maxBytes int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "zstd":
		compressed, err := readLimited(body, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("read compressed body: %w", err)
		}
		decompressed, err := zstdDec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
		if int64(len(decompressed)) > maxBytes {
			return nil, ErrTooLarge
		}
		return decompressed, nil

	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		return readLimited(gz, maxBytes)

	case "br":
		return readLimited(brotli.NewReader(body), maxBytes)

	case "", "identity":
		return readLimited(body, maxBytes)

	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %q", contentEncoding)
	}
}

// readLimited reads r fully, failing with ErrTooLarge past maxBytes.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
