package capture

import "strings"

// Encoding identifies the container/codec of a session's audio.
type Encoding struct {
	MimeType  string `json:"mime_type"`
	Extension string `json:"extension"`
}

var (
	// EncodingWebmOpus is Opus in a WebM container.
	EncodingWebmOpus = Encoding{MimeType: "audio/webm;codecs=opus", Extension: ".webm"}
	// EncodingOggOpus is Opus in an Ogg container (WebRTC capture).
	EncodingOggOpus = Encoding{MimeType: "audio/ogg;codecs=opus", Extension: ".ogg"}
	// EncodingDefault is used when the platform declares no voice codec.
	EncodingDefault = Encoding{MimeType: "audio/mp4", Extension: ".mp4"}
)

// preferred voice-optimised encodings, best first
var (
	preferredEncodings = []Encoding{EncodingWebmOpus, EncodingOggOpus}
	knownEncodings     = []Encoding{EncodingWebmOpus, EncodingOggOpus, EncodingDefault}
)

// Capabilities is what the platform declares about its capture support.
type Capabilities struct {
	MimeTypes   []string `json:"mime_types"`
	Environment string   `json:"environment"`
}

// Supports reports whether mime was declared, ignoring case and whitespace.
func (c Capabilities) Supports(mime string) bool {
	want := normalizeMime(mime)
	for _, m := range c.MimeTypes {
		if normalizeMime(m) == want {
			return true
		}
	}
	return false
}

// Negotiate picks the session encoding from declared capabilities. The result is
// deterministic for a given input.
func Negotiate(c Capabilities) Encoding {
	for _, enc := range preferredEncodings {
		if c.Supports(enc.MimeType) {
			return enc
		}
	}
	return EncodingDefault
}

// EncodingForMime resolves a known mime type back to its Encoding.
func EncodingForMime(mime string) (Encoding, bool) {
	want := normalizeMime(mime)
	for _, enc := range knownEncodings {
		if normalizeMime(enc.MimeType) == want {
			return enc, true
		}
	}
	return Encoding{}, false
}

func normalizeMime(m string) string {
	return strings.ToLower(strings.Join(strings.Fields(m), ""))
}
