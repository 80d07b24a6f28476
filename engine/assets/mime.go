package assets

import (
	"bytes"

	"github.com/h2non/filetype"
)

const (
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeKTX2 = "image/ktx2"
	MimeDDS  = "image/vnd-ms.dds"
)

var (
	ktx2Magic = []byte{0xAB, 0x4B, 0x54, 0x58, 0x20, 0x32, 0x30, 0xBB, 0x0D, 0x0A, 0x1A, 0x0A}
	ddsMagic  = []byte("DDS ")
)

// SniffMIME guesses the MIME type of data from its leading signature bytes.
// It returns "" when the signature is not recognized.
func SniffMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, ktx2Magic):
		return MimeKTX2
	case bytes.HasPrefix(data, ddsMagic):
		return MimeDDS
	}
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}
