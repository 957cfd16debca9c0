package mtcnn

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/esimov/mtcnn/utils"
)

// imageToTensor converts the image pixels to a [0,1] ranged RGB tensor in
// channel first layout. The alpha channel is dropped.
func imageToTensor(src *image.NRGBA) *Tensor {
	b := src.Bounds()
	width, height := b.Dx(), b.Dy()

	t := NewTensor(3, height, width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := src.PixOffset(x, y)
			t.Set(0, y, x, float32(src.Pix[i+0])/255)
			t.Set(1, y, x, float32(src.Pix[i+1])/255)
			t.Set(2, y, x, float32(src.Pix[i+2])/255)
		}
	}
	return t
}

// cropTensors cuts the box regions out of the source image and rescales them
// to size x size tensors. The visible part of a box reaching over the image
// edges is pasted at its original offset into a black square canvas of the
// box side, so the crop geometry stays aligned with the box geometry. Boxes
// whose visible area degenerates to nothing produce no crop; the returned
// indices identify the boxes a crop was extracted for, letting the caller
// drop the skipped candidates without desynchronizing the candidate set.
func cropTensors(src *image.NRGBA, boxes []Box, size int) ([]*Tensor, []int) {
	var (
		crops = make([]*Tensor, 0, len(boxes))
		kept  = make([]int, 0, len(boxes))
	)
	bounds := src.Bounds()

	for i, b := range boxes {
		x1, y1 := int(b.X1), int(b.Y1)
		x2, y2 := int(b.X2), int(b.Y2)

		// Clamp the box to the image bounds.
		cx1, cy1 := utils.Max(x1, 0), utils.Max(y1, 0)
		cx2, cy2 := utils.Min(x2, bounds.Dx()-1), utils.Min(y2, bounds.Dy()-1)
		if cx2 < cx1 || cy2 < cy1 {
			continue
		}
		side := utils.Max(x2-x1+1, y2-y1+1)

		canvas := image.NewNRGBA(image.Rect(0, 0, side, side))
		rowLen := (cx2 - cx1 + 1) * 4
		for y := cy1; y <= cy2; y++ {
			si := src.PixOffset(cx1, y)
			di := canvas.PixOffset(cx1-x1, y-y1)
			copy(canvas.Pix[di:di+rowLen], src.Pix[si:si+rowLen])
		}

		resized := imaging.Resize(canvas, size, size, imaging.Linear)
		crops = append(crops, imageToTensor(resized))
		kept = append(kept, i)
	}
	return crops, kept
}

// imgToNRGBA converts any image type to *image.NRGBA with min-point at (0, 0).
func imgToNRGBA(img image.Image) *image.NRGBA {
	srcBounds := img.Bounds()
	if srcBounds.Min.X == 0 && srcBounds.Min.Y == 0 {
		if src0, ok := img.(*image.NRGBA); ok {
			return src0
		}
	}
	srcMinX := srcBounds.Min.X
	srcMinY := srcBounds.Min.Y

	dstBounds := srcBounds.Sub(srcBounds.Min)
	dstW := dstBounds.Dx()
	dstH := dstBounds.Dy()
	dst := image.NewNRGBA(dstBounds)

	switch src := img.(type) {
	case *image.NRGBA:
		rowSize := srcBounds.Dx() * 4
		for dstY := 0; dstY < dstH; dstY++ {
			di := dst.PixOffset(0, dstY)
			si := src.PixOffset(srcMinX, srcMinY+dstY)
			copy(dst.Pix[di:di+rowSize], src.Pix[si:si+rowSize])
		}
	case *image.YCbCr:
		for dstY := 0; dstY < dstH; dstY++ {
			di := dst.PixOffset(0, dstY)
			for dstX := 0; dstX < dstW; dstX++ {
				srcX := srcMinX + dstX
				srcY := srcMinY + dstY
				siy := src.YOffset(srcX, srcY)
				sic := src.COffset(srcX, srcY)
				r, g, b := color.YCbCrToRGB(src.Y[siy], src.Cb[sic], src.Cr[sic])
				dst.Pix[di+0] = r
				dst.Pix[di+1] = g
				dst.Pix[di+2] = b
				dst.Pix[di+3] = 0xff
				di += 4
			}
		}
	default:
		for dstY := 0; dstY < dstH; dstY++ {
			di := dst.PixOffset(0, dstY)
			for dstX := 0; dstX < dstW; dstX++ {
				c := color.NRGBAModel.Convert(img.At(srcMinX+dstX, srcMinY+dstY)).(color.NRGBA)
				dst.Pix[di+0] = c.R
				dst.Pix[di+1] = c.G
				dst.Pix[di+2] = c.B
				dst.Pix[di+3] = c.A
				di += 4
			}
		}
	}

	return dst
}
