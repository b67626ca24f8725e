package mediacache

import (
	"bytes"
	"fmt"
	"strings"
)

// Format identifies a supported media format. The set is closed: every
// format carries its MIME type, filename extension, fast-tier preference
// and conversion requirement as data, so adding a format is a single
// table entry.
type Format string

const (
	// FormatAnim is a gzip-compressed vector animation. It is the only
	// format requiring conversion before serving; the raw bytes are never
	// persisted to the disk tier because the converted variant replaces them.
	FormatAnim Format = "anim"
	// FormatAnimJSON is the JSON animation produced by converting FormatAnim.
	FormatAnimJSON Format = "animjson"
	FormatWebM     Format = "webm"
	FormatWebP     Format = "webp"
	FormatPNG      Format = "png"
	FormatJPG      Format = "jpg"
	// FormatUnknown is returned when detection fails. Unknown content is
	// served as application/octet-stream and never cached in the fast tier.
	FormatUnknown Format = "unknown"
)

type formatInfo struct {
	mimeType  string
	preferred bool // eligible for the fast tier without being a derived value
	converts  bool // must be converted before serving
}

var formatTable = map[Format]formatInfo{
	FormatAnim:     {mimeType: "application/gzip", converts: true},
	FormatAnimJSON: {mimeType: "application/json", preferred: true},
	FormatWebM:     {mimeType: "video/webm"},
	FormatWebP:     {mimeType: "image/webp", preferred: true},
	FormatPNG:      {mimeType: "image/png", preferred: true},
	FormatJPG:      {mimeType: "image/jpeg", preferred: true},
}

// DiskLookupOrder is the ordered list of formats the chain probes on the
// disk tier. The converted format comes first so a derived variant wins
// over a raw one. FormatAnim is absent: raw convertible blobs are never
// stored on disk.
var DiskLookupOrder = []Format{FormatAnimJSON, FormatWebP, FormatPNG, FormatJPG, FormatWebM}

// String returns the format name.
func (f Format) String() string { return string(f) }

// MIMEType returns the MIME type for the format, or
// application/octet-stream if the format is unknown.
func (f Format) MIMEType() string {
	if info, ok := formatTable[f]; ok {
		return info.mimeType
	}
	return "application/octet-stream"
}

// Preferred reports whether the format belongs in the fast tier on its
// own merits (small, frequently served formats).
func (f Format) Preferred() bool {
	return formatTable[f].preferred
}

// RequiresConversion reports whether content in this format must be
// converted before it can be served.
func (f Format) RequiresConversion() bool {
	return formatTable[f].converts
}

// Valid reports whether f is a member of the closed format set.
func (f Format) Valid() bool {
	_, ok := formatTable[f]
	return ok
}

// ParseFormat converts a stored format name back to a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if !f.Valid() {
		return FormatUnknown, fmt.Errorf("unsupported format %q", s)
	}
	return f, nil
}

// magic-byte signatures checked in order.
var magicTable = []struct {
	prefix []byte
	format Format
}{
	{[]byte{0x1f, 0x8b}, FormatAnim},             // gzip
	{[]byte{0x89, 'P', 'N', 'G'}, FormatPNG},     // PNG
	{[]byte{0xff, 0xd8, 0xff}, FormatJPG},        // JPEG
	{[]byte{0x1a, 0x45, 0xdf, 0xa3}, FormatWebM}, // EBML container
}

// DetectFormat classifies content by the location's filename extension
// first, then by magic bytes. Returns FormatUnknown when neither matches.
func DetectFormat(location string, content []byte) Format {
	switch {
	case strings.HasSuffix(location, ".tgs"), strings.HasSuffix(location, ".anim"):
		return FormatAnim
	case strings.HasSuffix(location, ".webm"):
		return FormatWebM
	case strings.HasSuffix(location, ".webp"):
		return FormatWebP
	case strings.HasSuffix(location, ".png"):
		return FormatPNG
	case strings.HasSuffix(location, ".jpg"), strings.HasSuffix(location, ".jpeg"):
		return FormatJPG
	}

	for _, m := range magicTable {
		if bytes.HasPrefix(content, m.prefix) {
			return m.format
		}
	}
	// RIFF containers carry the subtype at offset 8.
	if bytes.HasPrefix(content, []byte("RIFF")) && len(content) >= 12 && bytes.Equal(content[8:12], []byte("WEBP")) {
		return FormatWebP
	}
	return FormatUnknown
}
