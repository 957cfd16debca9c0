package mtcnn

import (
	"image"

	"github.com/esimov/mtcnn/utils"
	"github.com/fogleman/gg"
)

// Default colors of the detection overlay.
const (
	FaceColor = "#00ff6e"
	MarkColor = "#ff2d2d"
)

// markRadius is the radius of the dots drawn over the landmark points.
const markRadius = 2

// DrawDetections renders the detected face rectangles and optionally the
// facial landmark points over a copy of the source image. The marks slice is
// expected to be index aligned with the faces slice, the way Detect returns
// them; faces without a matching entry are drawn without landmarks.
func DrawDetections(src image.Image, faces []Box, marks []Landmark, drawMarks bool) image.Image {
	dc := gg.NewContextForImage(src)

	dc.SetLineWidth(2)
	for i, face := range faces {
		dc.SetColor(utils.HexToRGBA(FaceColor))
		dc.DrawRectangle(
			float64(face.X1), float64(face.Y1),
			float64(face.Width()), float64(face.Height()),
		)
		dc.Stroke()

		if !drawMarks || i >= len(marks) {
			continue
		}
		dc.SetColor(utils.HexToRGBA(MarkColor))
		for k := 0; k < 5; k++ {
			dc.DrawCircle(float64(marks[i].X[k]), float64(marks[i].Y[k]), markRadius)
			dc.Fill()
		}
	}
	return dc.Image()
}
