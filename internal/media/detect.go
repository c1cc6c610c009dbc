// Package media classifies downloaded sources by their magic bytes.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedSignature is returned when a file's bytes are not an MP4 container.
var ErrUnsupportedSignature = errors.New("unsupported media signature")

// SupportedMIME is the single container type the worker will hand to ffmpeg.
const SupportedMIME = "video/mp4"

// sniffLimit bounds how much of the file is read for detection.
const sniffLimit = 3072

// Signature is the detected container type of a file.
type Signature struct {
	MIME      string
	Extension string
}

// Supported reports whether the signature is the MP4 container family.
func (s Signature) Supported() bool {
	return s.MIME == SupportedMIME
}

// mp4Brands are ftyp major brands of the ISO base media / MP4 family.
var mp4Brands = map[string]bool{
	"isom": true, "iso2": true, "iso3": true, "iso4": true, "iso5": true, "iso6": true,
	"mp41": true, "mp42": true, "avc1": true, "M4V ": true, "dash": true, "mmp4": true,
	"MSNV": true, "f4v ": true,
}

// Detect reads a bounded prefix of the file and classifies it.
func Detect(path string) (Signature, error) {
	file, err := os.Open(path)
	if err != nil {
		return Signature{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	buf := make([]byte, sniffLimit)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Signature{}, fmt.Errorf("read %s: %w", path, err)
	}
	return DetectBytes(buf[:n]), nil
}

// DetectBytes classifies an in-memory prefix.
func DetectBytes(buf []byte) Signature {
	if len(buf) == 0 {
		return Signature{MIME: "application/octet-stream"}
	}
	if brand, ok := ftypBrand(buf); ok && mp4Brands[brand] {
		return Signature{MIME: SupportedMIME, Extension: ".mp4"}
	}
	detected := mimetype.Detect(buf)
	return Signature{MIME: detected.String(), Extension: detected.Extension()}
}

// Verify detects the file's signature and rejects anything but MP4.
func Verify(path string) (Signature, error) {
	sig, err := Detect(path)
	if err != nil {
		return Signature{}, err
	}
	if !sig.Supported() {
		return sig, fmt.Errorf("%w: detected %s", ErrUnsupportedSignature, sig.MIME)
	}
	return sig, nil
}

// ftypBrand returns the major brand of a leading ftyp box.
func ftypBrand(buf []byte) (string, bool) {
	if len(buf) < 12 {
		return "", false
	}
	if string(buf[4:8]) != "ftyp" {
		return "", false
	}
	return string(buf[8:12]), true
}
