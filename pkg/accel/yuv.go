package accel

import (
	"github.com/bmharper/cimg/v2"
)

// Planar YUV 420 image
type YUVImage struct {
	Width  int
	Height int
	Y      []byte
	U      []byte
	V      []byte
}

// Allocate a tightly packed YUV420p image
func NewYUVImage(width, height int) *YUVImage {
	img := &YUVImage{}
	img.Resize(width, height)
	return img
}

// Resize sets the dimensions of the image, and reallocates the planes only if they are too small.
// Planes are tightly packed after a Resize.
// Pool slots rely on this to reuse their pixel memory from one decoded frame to the next.
func (x *YUVImage) Resize(width, height int) {
	chromaW := (width + 1) / 2
	chromaH := (height + 1) / 2
	x.Width = width
	x.Height = height
	x.Y = growPlane(x.Y, width*height)
	x.U = growPlane(x.U, chromaW*chromaH)
	x.V = growPlane(x.V, chromaW*chromaH)
}

func growPlane(p []byte, size int) []byte {
	if cap(p) >= size {
		return p[:size]
	}
	return make([]byte, size)
}

// Number of bytes occupied by the pixels
func (x *YUVImage) TotalBytes() int {
	return len(x.Y) + len(x.U) + len(x.V)
}

// Infer our stride from the Y buffer size
func (x *YUVImage) YStride() int {
	return len(x.Y) / x.Height
}

// Infer our stride from the U buffer size
func (x *YUVImage) UStride() int {
	return len(x.U) / ((x.Height + 1) / 2)
}

// Infer our stride from the V buffer size
func (x *YUVImage) VStride() int {
	return len(x.V) / ((x.Height + 1) / 2)
}

// Copy a tightly packed YUV420p buffer (Y plane, then U, then V) into the image.
// The image must already have the correct size.
// Returns false if the buffer is too small.
func (x *YUVImage) CopyFromPacked(buf []byte) bool {
	ny, nu, nv := len(x.Y), len(x.U), len(x.V)
	if len(buf) < ny+nu+nv {
		return false
	}
	copy(x.Y, buf[:ny])
	copy(x.U, buf[ny:ny+nu])
	copy(x.V, buf[ny+nu:ny+nu+nv])
	return true
}

// Clone into a tightly packed YUV420p image
func (x *YUVImage) Clone() *YUVImage {
	dst := NewYUVImage(x.Width, x.Height)
	dst.CopyFrom(x)
	return dst
}

func (x *YUVImage) CopyFrom(src *YUVImage) {
	width := min(x.Width, src.Width)
	height := min(x.Height, src.Height)
	srcYStride := src.YStride()
	srcUStride := src.UStride()
	srcVStride := src.VStride()
	dstYStride := x.YStride()
	dstUStride := x.UStride()
	dstVStride := x.VStride()
	for i := 0; i < height; i++ {
		copy(x.Y[i*dstYStride:], src.Y[i*srcYStride:i*srcYStride+width])
	}
	heightHalf := (height + 1) / 2
	widthHalf := (width + 1) / 2
	for i := 0; i < heightHalf; i++ {
		copy(x.U[i*dstUStride:], src.U[i*srcUStride:i*srcUStride+widthHalf])
	}
	for i := 0; i < heightHalf; i++ {
		copy(x.V[i*dstVStride:], src.V[i*srcVStride:i*srcVStride+widthHalf])
	}
}

// Transcode from YUV420p to RGB
func (x *YUVImage) ToCImageRGB() *cimg.Image {
	dst := cimg.NewImage(x.Width, x.Height, cimg.PixelFormatRGB)
	x.CopyToCImageRGB(dst)
	return dst
}

// Transcode from YUV420p to RGB
// The target image must be the same size as the source, and RGB format
func (x *YUVImage) CopyToCImageRGB(dst *cimg.Image) {
	if dst.Width != x.Width || dst.Height != x.Height || dst.Format != cimg.PixelFormatRGB {
		panic("Destination image must be the same size as the source image, and PixelFormatRGB")
	}
	YUV420pToRGB(x.Width, x.Height, x.Y, x.U, x.V, x.YStride(), x.UStride(), x.VStride(), dst.Stride, dst.Pixels)
}

// BT.601 limited range, 8.8 fixed point.
// CAVEAT: We don't distinguish between YUV420P and YUVJ420P, so full range sources
// come out with slightly too much contrast.
func YUV420pToRGB(width, height int, y, u, v []byte, strideY, strideU, strideV, strideRGB int, rgb []byte) {
	for row := 0; row < height; row++ {
		yRow := y[row*strideY:]
		uRow := u[(row/2)*strideU:]
		vRow := v[(row/2)*strideV:]
		out := rgb[row*strideRGB:]
		for col := 0; col < width; col++ {
			c := 298 * (int(yRow[col]) - 16)
			d := int(uRow[col/2]) - 128
			e := int(vRow[col/2]) - 128
			out[col*3+0] = clampByte((c + 409*e + 128) >> 8)
			out[col*3+1] = clampByte((c - 100*d - 208*e + 128) >> 8)
			out[col*3+2] = clampByte((c + 516*d + 128) >> 8)
		}
	}
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
