// Package imagenorm implements the Image Normalizer: decode an accepted
// image, strip every embedded metadata chunk (EXIF/ICC/XMP never survive a
// decode/re-encode round trip through this library), and produce the
// profile's named conversions, each filled to its configured width and height.
package imagenorm

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"

	"github.com/hazyhaar/uploadguard/profile"
	"github.com/hazyhaar/uploadguard/uploaderr"
)

const defaultJPEGQuality = 88

// Normalizer re-encodes images through disintegration/imaging, which drops
// every ancillary chunk by construction — there is no metadata-preserving
// code path to accidentally take.
type Normalizer struct {
	JPEGQuality int
}

// New returns a Normalizer with the engine's default re-encode quality.
func New() *Normalizer {
	return &Normalizer{JPEGQuality: defaultJPEGQuality}
}

// Conversion is one named, resized, metadata-stripped output.
type Conversion struct {
	Name string
	Data []byte
}

// Normalize decodes the image at srcPath and returns the metadata-stripped
// original (re-encoded as JPEG) alongside every named conversion the
// profile configures. Decode/encode failures surface as
// uploaderr.NormalizationFailed.
func (n *Normalizer) Normalize(srcPath string, conversions []profile.ConversionDimensions) (original []byte, outputs []Conversion, err error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, nil, &uploaderr.NormalizationFailed{Cause: fmt.Errorf("open: %w", err)}
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, nil, &uploaderr.NormalizationFailed{Cause: fmt.Errorf("decode: %w", err)}
	}

	original, err = n.encodeJPEG(img)
	if err != nil {
		return nil, nil, &uploaderr.NormalizationFailed{Cause: fmt.Errorf("re-encode original: %w", err)}
	}

	outputs = make([]Conversion, 0, len(conversions))
	for _, c := range conversions {
		resized := imaging.Fill(img, c.Width, c.Height, imaging.Center, imaging.Lanczos)
		data, err := n.encodeJPEG(resized)
		if err != nil {
			// A single conversion failing is advisory, not fatal: the caller
			// logs an uploaderr.ConversionWarning and keeps the rest.
			return original, outputs, &uploaderr.ConversionWarning{Name: c.Name, Cause: err}
		}
		outputs = append(outputs, Conversion{Name: c.Name, Data: data})
	}
	return original, outputs, nil
}

func (n *Normalizer) encodeJPEG(img image.Image) ([]byte, error) {
	quality := n.JPEGQuality
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo streams data to w, for callers attaching a Conversion directly to
// a storage.Backend.
func WriteTo(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}
