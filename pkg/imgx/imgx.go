// Package imgx converts between Go's image types and cimg, for fast JPEG encoding
package imgx

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/bmharper/cimg/v2"
	"github.com/disintegration/imaging"
)

const DefaultJPEGQuality = 90

// ToCImage wraps img as a cimg.Image. Packed Gray, RGBA and NRGBA images share their
// pixels with the result. Anything else (YCbCr, paletted, sub-images) is converted to NRGBA first.
func ToCImage(img image.Image) (*cimg.Image, error) {
	switch v := img.(type) {
	case *image.NRGBA:
		if isPacked(v.Rect, v.Stride, 4) {
			return cimg.FromImage(v, true)
		}
	case *image.RGBA:
		if isPacked(v.Rect, v.Stride, 4) {
			return cimg.FromImage(v, true)
		}
	case *image.Gray:
		if isPacked(v.Rect, v.Stride, 1) {
			return cimg.FromImage(v, true)
		}
	}
	return cimg.FromImage(imaging.Clone(img), true)
}

// cimg assumes the pixels start at the origin, with no padding between lines
func isPacked(r image.Rectangle, stride, channels int) bool {
	return r.Min == image.Point{} && stride == r.Dx()*channels
}

// EncodeJPEG compresses img with libjpeg-turbo
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("Cannot encode empty image")
	}
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	ci, err := ToCImage(img)
	if err != nil {
		return nil, err
	}
	return cimg.Compress(ci, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}

// EncodePNG returns the PNG encoding of img
func EncodePNG(img image.Image) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode an image from memory, respecting EXIF orientation
func Decode(b []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(b), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("Image is empty")
	}
	return img, nil
}
