// Package convert derives servable representations from raw upstream
// formats. Compressed animations arrive as gzipped JSON and are never
// served or persisted raw; they are decompressed and validated here
// before entering any cache tier.
package convert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/mediacache/mediacache"
)

// maxDecompressedSize bounds the inflated animation payload. Compressed
// animations are small on the wire but gzip bombs are cheap to craft.
const maxDecompressedSize = 64 << 20

// Convert derives the servable form of raw content in the given format.
// Formats that need no conversion are returned unchanged. The returned
// format is the one the content should be stored and served as.
func Convert(raw []byte, source mediacache.Format) (mediacache.Format, []byte, error) {
	if !source.RequiresConversion() {
		return source, raw, nil
	}

	switch source {
	case mediacache.FormatAnim:
		converted, err := decompressAnimation(raw)
		if err != nil {
			return mediacache.FormatUnknown, nil, err
		}
		return mediacache.FormatAnimJSON, converted, nil
	default:
		return mediacache.FormatUnknown, nil, fmt.Errorf("no conversion for format %s", source)
	}
}

// decompressAnimation gunzips a compressed animation and verifies the
// result is a JSON document.
func decompressAnimation(raw []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("opening animation stream: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(io.LimitReader(reader, maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing animation: %w", err)
	}

	if len(content) > maxDecompressedSize {
		return nil, fmt.Errorf("decompressed animation exceeds %d bytes", maxDecompressedSize)
	}

	if !json.Valid(content) {
		return nil, fmt.Errorf("decompressed animation is not valid JSON")
	}

	return content, nil
}
