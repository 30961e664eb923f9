package capture

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// AssetBaseName is the logical file name of an assembled recording, before the extension.
const AssetBaseName = "recording"

// Asset is the concatenation of a session's segments.
type Asset struct {
	Data     []byte
	Encoding Encoding
	// Digest is the hex BLAKE2b-256 of Data.
	Digest string
}

// Size returns the asset length in bytes.
func (a Asset) Size() int64 { return int64(len(a.Data)) }

// FileName returns the download name, e.g. recording.webm.
func (a Asset) FileName() string { return AssetBaseName + a.Encoding.Extension }

// Reader returns a fresh reader over the asset bytes.
func (a Asset) Reader() *bytes.Reader { return bytes.NewReader(a.Data) }

// Verify checks Data against Digest.
func (a Asset) Verify() error {
	if got := digest(a.Data); got != a.Digest {
		return fmt.Errorf("%w: digest mismatch (want %s, got %s)", ErrAssemblyFailure, a.Digest, got)
	}
	return nil
}

// NewAsset builds an asset and computes its digest.
func NewAsset(data []byte, enc Encoding) Asset {
	return Asset{Data: data, Encoding: enc, Digest: digest(data)}
}

func digest(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SegmentBuffer collects segments in arrival order. It is append-only until Reset.
type SegmentBuffer struct {
	segments [][]byte
	size     int
}

// Append copies seg into the buffer. Zero-length segments are discarded and reported as false.
func (b *SegmentBuffer) Append(seg []byte) bool {
	if len(seg) == 0 {
		return false
	}
	cp := make([]byte, len(seg))
	copy(cp, seg)
	b.segments = append(b.segments, cp)
	b.size += len(cp)
	return true
}

// Len returns the number of stored segments.
func (b *SegmentBuffer) Len() int { return len(b.segments) }

// Size returns the total stored bytes.
func (b *SegmentBuffer) Size() int { return b.size }

// Assemble concatenates all segments into one asset tagged with enc.
func (b *SegmentBuffer) Assemble(enc Encoding) (Asset, error) {
	if b.size == 0 {
		return Asset{}, fmt.Errorf("%w: no audio captured", ErrAssemblyFailure)
	}
	out := make([]byte, 0, b.size)
	for _, s := range b.segments {
		out = append(out, s...)
	}
	return NewAsset(out, enc), nil
}

// Reset drops all segments.
func (b *SegmentBuffer) Reset() {
	b.segments = nil
	b.size = 0
}
