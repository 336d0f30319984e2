package bodyutil

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const payload = "<158>1 2019-11-25T18:28:00Z host heroku router - connect=1ms\n"

func compress(t *testing.T, encoding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, _ = w.Write(data)
		_ = w.Close()
	case "br":
		w := brotli.NewWriter(&buf)
		_, _ = w.Write(data)
		_ = w.Close()
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatal(err)
		}
		return enc.EncodeAll(data, nil)
	default:
		return data
	}
	return buf.Bytes()
}

func TestReadBodyRoundTrip(t *testing.T) {
	for _, enc := range []string{"", "identity", "gzip", "zstd", "br"} {
		t.Run(enc, func(t *testing.T) {
			body := compress(t, enc, []byte(payload))
			got, err := ReadBody(bytes.NewReader(body), enc, 1<<20)
			if err != nil {
				t.Fatalf("ReadBody: %v", err)
			}
			if string(got) != payload {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestReadBodyHeaderCase(t *testing.T) {
	body := compress(t, "gzip", []byte(payload))
	if _, err := ReadBody(bytes.NewReader(body), " GZIP ", 1<<20); err != nil {
		t.Errorf("ReadBody: %v", err)
	}
}

func TestReadBodyTooLarge(t *testing.T) {
	big := []byte(strings.Repeat(payload, 100))
	limit := int64(len(big) - 1)
	for _, enc := range []string{"", "gzip", "zstd", "br"} {
		t.Run(enc, func(t *testing.T) {
			body := compress(t, enc, big)
			_, err := ReadBody(bytes.NewReader(body), enc, limit)
			if !errors.Is(err, ErrTooLarge) {
				t.Errorf("err = %v, want ErrTooLarge", err)
			}
		})
	}

	got, err := ReadBody(bytes.NewReader(big), "", int64(len(big)))
	if err != nil || len(got) != len(big) {
		t.Errorf("exact limit: len=%d err=%v", len(got), err)
	}
}

func TestReadBodyErrors(t *testing.T) {
	if _, err := ReadBody(strings.NewReader("x"), "compress", 100); err == nil {
		t.Error("expected unsupported encoding error")
	}
	if _, err := ReadBody(strings.NewReader("not gzip"), "gzip", 100); err == nil {
		t.Error("expected gzip header error")
	}
	if _, err := ReadBody(strings.NewReader("not zstd"), "zstd", 100); err == nil {
		t.Error("expected zstd error")
	}
}
