package protocol

// Format is a compact on-wire indicator of body encoding, carried in the
// frame header.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
)

// Content types, matching codec.Codec.ContentType.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	default:
		return ContentUnknown
	}
}

// ParseFormat maps a config string ("cbor", "json" or a content type).
func ParseFormat(s string) Format {
	switch s {
	case "cbor", ContentCBOR, "":
		return FormatCBOR
	case "json", ContentJSON:
		return FormatJSON
	default:
		return FormatUnknown
	}
}
