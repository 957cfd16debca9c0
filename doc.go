/*
Package mtcnn is a multi-stage face detection library, which locates the face regions
of an image together with five facial landmark points by running a cascade of three
convolutional networks (proposal, refinement and output network) over a multi-scale
image pyramid.

The networks themselves are consumed through small interfaces, so the cascade logic
is independent of the inference runtime. The onnx subpackage provides a ready to use
backend on top of the ONNX runtime.

The package provides a command line interface, supporting various flags for the
detection parameters. To check the supported commands type:

	$ mtcnn --help

In case you wish to integrate the API in a self constructed environment here is a simple example:

	package main

	import (
		"fmt"
		"github.com/esimov/mtcnn"
	)

	func main() {
		det, err := mtcnn.NewDetector(pnet, rnet, onet, nil)
		if err != nil {
			fmt.Printf("Error initializing the detector: %s", err.Error())
			return
		}

		faces, landmarks, err := det.Detect(img)
		if err != nil {
			fmt.Printf("Error detecting the faces: %s", err.Error())
		}
		_, _ = faces, landmarks
	}
*/
package mtcnn
