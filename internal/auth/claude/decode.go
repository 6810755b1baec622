package claude

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// acceptEncoding is advertised on catalog requests; decodeBody undoes it.
const acceptEncoding = "gzip, deflate, br, zstd"

// decodeBody decompresses data according to a Content-Encoding header value.
// Unknown or empty encodings return the input unchanged.
func decodeBody(contentEncoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer func() {
			if errClose := reader.Close(); errClose != nil {
				log.WithError(errClose).Warn("failed to close gzip reader")
			}
		}()
		return readAllDecoded("gzip", reader)
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(data))
		defer func() {
			if errClose := reader.Close(); errClose != nil {
				log.WithError(errClose).Warn("failed to close deflate reader")
			}
		}()
		return readAllDecoded("deflate", reader)
	case "br":
		return readAllDecoded("brotli", brotli.NewReader(bytes.NewReader(data)))
	case "zstd":
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer decoder.Close()
		return readAllDecoded("zstd", decoder)
	default:
		log.Debugf("unknown content encoding %q, using body as is", contentEncoding)
		return data, nil
	}
}

func readAllDecoded(name string, r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s data: %w", name, err)
	}
	return out, nil
}
