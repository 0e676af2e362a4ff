package codec

import "image"

var (
	yRTable [256]int
	yGTable [256]int
	yBTable [256]int
	uRTable [256]int
	uGTable [256]int
	uBTable [256]int
	vRTable [256]int
	vGTable [256]int
	vBTable [256]int
)

func init() {
	for i := 0; i < 256; i++ {
		yRTable[i] = 66 * i
		yGTable[i] = 129 * i
		yBTable[i] = 25 * i

		uRTable[i] = -38 * i
		uGTable[i] = -74 * i
		uBTable[i] = 112 * i

		vRTable[i] = 112 * i
		vGTable[i] = -94 * i
		vBTable[i] = -18 * i
	}
}

// I420Planes are the destination planes of a BT.601 limited-range conversion.
type I420Planes struct {
	Y, U, V                   []byte
	YStride, UStride, VStride int
}

// RGBAToI420 converts src into planes, sampling chroma from the top-left pixel
// of each 2x2 block. The planes must hold src's even-sized bounds.
func RGBAToI420(src *image.RGBA, dst I420Planes) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	for row := 0; row < h; row += 2 {
		row0 := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+row):]
		yRow0 := row * dst.YStride

		hasRow1 := row+1 < h
		var row1 []byte
		if hasRow1 {
			row1 = src.Pix[src.PixOffset(b.Min.X, b.Min.Y+row+1):]
		}
		yRow1 := (row + 1) * dst.YStride

		uRow := (row / 2) * dst.UStride
		vRow := (row / 2) * dst.VStride

		for col := 0; col < w; col += 2 {
			r00, g00, b00 := int(row0[col*4]), int(row0[col*4+1]), int(row0[col*4+2])
			dst.Y[yRow0+col] = lumaOf(r00, g00, b00)
			if col+1 < w {
				dst.Y[yRow0+col+1] = lumaOf(int(row0[col*4+4]), int(row0[col*4+5]), int(row0[col*4+6]))
			}
			if hasRow1 {
				dst.Y[yRow1+col] = lumaOf(int(row1[col*4]), int(row1[col*4+1]), int(row1[col*4+2]))
				if col+1 < w {
					dst.Y[yRow1+col+1] = lumaOf(int(row1[col*4+4]), int(row1[col*4+5]), int(row1[col*4+6]))
				}
			}

			uvCol := col / 2
			dst.U[uRow+uvCol] = clampToByte(((uRTable[r00] + uGTable[g00] + uBTable[b00] + 128) >> 8) + 128)
			dst.V[vRow+uvCol] = clampToByte(((vRTable[r00] + vGTable[g00] + vBTable[b00] + 128) >> 8) + 128)
		}
	}
}

func lumaOf(r, g, b int) byte {
	return clampToByte(((yRTable[r] + yGTable[g] + yBTable[b] + 128) >> 8) + 16)
}

func clampToByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
