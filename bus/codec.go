package bus

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"

	"github.com/sensate-iot/platform-network/errors"
)

// maxDecodedSize bounds decompression of a single bus payload.
const maxDecodedSize = 64 << 20

// Encode serializes v to JSON and gzip compresses it.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "bus", "Encode", "marshal payload")
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "bus", "Encode", "compress payload")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "bus", "Encode", "flush compressor")
	}

	return buf.Bytes(), nil
}

// Decode decompresses data and unmarshals it into v.
func Decode(data []byte, v any) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.WrapInvalid(err, "bus", "Decode", "open gzip stream")
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize))
	if err != nil {
		return errors.WrapInvalid(err, "bus", "Decode", "decompress payload")
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return errors.WrapInvalid(err, "bus", "Decode", "unmarshal payload")
	}
	return nil
}
