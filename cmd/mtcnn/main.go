package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chai2010/webp"
	"github.com/esimov/mtcnn"
	"github.com/esimov/mtcnn/onnx"
	"github.com/esimov/mtcnn/utils"
	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/term"
)

const HelpBanner = `
┌┬┐┌┬┐┌─┐┌┐┌┌┐┌
│││ │ │  ││││││
┴ ┴ ┴ └─┘┘└┘┘└┘

Multi-stage face detection library.
    Version: %s

`

// pipeName is the file name that indicates stdin/stdout is being used.
const pipeName = "-"

// maxWorkers sets the maximum number of concurrently running workers.
const maxWorkers = 20

// result holds the relevant information about the detection process and the generated image.
type result struct {
	path  string
	faces int
	err   error
}

var (
	// imgurl holds the file being accessed be it normal file or pipe name.
	imgurl *os.File
	// spinner used to instantiate and call the progress indicator.
	spinner *utils.Spinner
)

// Version indicates the current build version.
var Version string

var (
	// Flags
	source      = flag.String("in", pipeName, "Source")
	destination = flag.String("out", pipeName, "Destination")
	pnetPath    = flag.String("pnet", "", "Proposal network ONNX model file")
	rnetPath    = flag.String("rnet", "", "Refinement network ONNX model file")
	onetPath    = flag.String("onet", "", "Output network ONNX model file")
	ortLib      = flag.String("lib", "", "ONNX runtime shared library (empty for the loader defaults)")
	minFace     = flag.Float64("minface", 20.0, "Smallest detectable face size in pixels")
	scoreFlag   = flag.String("score", "0.6,0.7,0.8", "Per stage face score thresholds")
	nmsFlag     = flag.String("nms", "0.7,0.7,0.7", "Per stage suppression thresholds")
	drawMarks   = flag.Bool("marks", true, "Draw the facial landmark points")
	quality     = flag.Int("quality", 100, "Output image quality")
	workers     = flag.Int("conc", runtime.NumCPU(), "Number of files to process concurrently")

	// File related variables
	fs  os.FileInfo
	err error
)

// validExtensions are the supported image file types.
var validExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".webp"}

func main() {
	log.SetFlags(0)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, HelpBanner, Version)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *pnetPath == "" || *rnetPath == "" || *onetPath == "" {
		flag.Usage()
		log.Fatal(fmt.Sprintf("%s%s",
			utils.DecorateText("\nPlease provide the three cascade models using the -pnet, -rnet and -onet flags!", utils.ErrorMessage),
			utils.DefaultColor,
		))
	}

	scores, err := parseTriple(*scoreFlag)
	if err != nil {
		log.Fatalf(
			utils.DecorateText("Invalid -score value: %v\n", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}
	overlaps, err := parseTriple(*nmsFlag)
	if err != nil {
		log.Fatalf(
			utils.DecorateText("Invalid -nms value: %v\n", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}

	if err := onnx.Initialize(*ortLib); err != nil {
		log.Fatalf(
			utils.DecorateText("Failed to initialize the ONNX runtime: %v\n", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}
	defer onnx.Destroy()

	cascade, err := onnx.NewCascade(*pnetPath, *rnetPath, *onetPath)
	if err != nil {
		log.Fatalf(
			utils.DecorateText("Failed to load the cascade models: %v\n", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}
	defer cascade.Close()

	det, err := cascade.Detector(&mtcnn.DetectorOptions{
		MinFaceSize:   *minFace,
		Thresholds:    scores,
		NMSThresholds: overlaps,
	})
	if err != nil {
		log.Fatalf(
			utils.DecorateText("Failed to initialize the detector: %v\n", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}

	spinnerText := fmt.Sprintf("%s %s",
		utils.DecorateText("⚡ MTCNN", utils.StatusMessage),
		utils.DecorateText("is detecting the faces...", utils.DefaultMessage))
	spinner = utils.NewSpinner(spinnerText, time.Millisecond*200, true)

	// Check if source path is a local image or URL.
	if utils.IsValidUrl(*source) {
		src, err := utils.DownloadImage(*source)
		if err != nil {
			log.Fatalf(
				utils.DecorateText("Failed to load the source image: %v\n", utils.ErrorMessage),
				utils.DecorateText(err.Error(), utils.DefaultMessage),
			)
		}
		defer src.Close()
		defer os.Remove(src.Name())

		fs, err = src.Stat()
		if err != nil {
			log.Fatalf(
				utils.DecorateText("Failed to load the source image: %v\n", utils.ErrorMessage),
				utils.DecorateText(err.Error(), utils.DefaultMessage),
			)
		}
		imgurl = src
	} else {
		// Check if the source is a pipe name or a regular file.
		if *source == pipeName {
			fs, err = os.Stdin.Stat()
		} else {
			fs, err = os.Stat(*source)
		}
		if err != nil {
			log.Fatalf(
				utils.DecorateText("Failed to load the source image: %v\n", utils.ErrorMessage),
				utils.DecorateText(err.Error(), utils.DefaultMessage),
			)
		}
	}

	now := time.Now()

	switch mode := fs.Mode(); {
	case mode.IsDir():
		var wg sync.WaitGroup
		// Read destination file or directory.
		if _, err := os.Stat(*destination); err != nil {
			if err := os.Mkdir(*destination, 0755); err != nil {
				log.Fatalf(
					utils.DecorateText("Unable to create the destination directory: %v\n", utils.ErrorMessage),
					utils.DecorateText(err.Error(), utils.DefaultMessage),
				)
			}
		}

		// Limit the concurrently running workers to maxWorkers.
		if *workers <= 0 || *workers > maxWorkers {
			*workers = runtime.NumCPU()
		}

		// Process the image files from the specified directory concurrently.
		ch := make(chan result)
		done := make(chan interface{})
		defer close(done)

		paths, errc := walkDir(done, *source)

		wg.Add(*workers)
		for i := 0; i < *workers; i++ {
			go func() {
				defer wg.Done()
				consumer(done, paths, *destination, det, ch)
			}()
		}

		// Close the channel after the values are consumed.
		go func() {
			defer close(ch)
			wg.Wait()
		}()

		// Consume the channel values.
		for res := range ch {
			printStatus(res)
		}

		if err := <-errc; err != nil {
			fmt.Fprintf(os.Stderr, utils.DecorateText(err.Error(), utils.ErrorMessage))
		}

	case mode.IsRegular() || mode&os.ModeNamedPipe != 0: // check for regular files or pipe names
		ext := filepath.Ext(*destination)
		if !utils.Contains(validExtensions, ext) && *destination != pipeName {
			log.Fatalf(utils.DecorateText(fmt.Sprintf("%v file type not supported", ext), utils.ErrorMessage))
		}

		res := processor(*source, *destination, det)
		printStatus(res)
		if res.err != nil {
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "\nExecution time: %s\n",
		utils.DecorateText(utils.FormatTime(time.Since(now)), utils.SuccessMessage))
}

// walkDir starts a goroutine to walk the specified directory tree in recursive manner
// and send the path of each supported image file on the string channel.
// It sends the result of the walk on the error channel.
// It terminates in case done channel is closed.
func walkDir(done <-chan interface{}, src string) (<-chan string, <-chan error) {
	pathChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		// Close the paths channel after Walk returns.
		defer close(pathChan)

		errChan <- filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if !utils.Contains(validExtensions, filepath.Ext(info.Name())) {
				return nil
			}

			select {
			case <-done:
				return errors.New("directory walk cancelled")
			case pathChan <- path:
			}
			return nil
		})
	}()
	return pathChan, errChan
}

// consumer reads the path names from the paths channel, runs the face
// detector against the source images and sends the results on a new channel.
func consumer(
	done <-chan interface{},
	paths <-chan string,
	dest string,
	det *mtcnn.Detector,
	res chan<- result,
) {
	for src := range paths {
		out := filepath.Join(dest, filepath.Base(src))

		select {
		case <-done:
			return
		case res <- processor(src, out, det):
		}
	}
}

// processor runs the detector over the source image and encodes the image
// with the detection overlay into the destination.
func processor(in, out string, det *mtcnn.Detector) result {
	src, dst, err := pathToFile(in, out)
	if err != nil {
		return result{path: out, err: err}
	}
	if f, ok := src.(*os.File); ok && f != os.Stdin {
		defer f.Close()
	}
	if f, ok := dst.(*os.File); ok && f != os.Stdout {
		defer f.Close()
	}

	// Capture CTRL-C signal and restore the cursor visibility back.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		spinner.RestoreCursor()
		os.Exit(1)
	}()

	// Start the progress indicator.
	spinner.Start()

	stopMsg := fmt.Sprintf("%s %s",
		utils.DecorateText("⚡ MTCNN", utils.StatusMessage),
		utils.DecorateText("is detecting the faces... ✔", utils.DefaultMessage))
	spinner.StopMsg = stopMsg

	img, _, err := image.Decode(src)
	if err != nil {
		spinner.StopMsg = ""
		spinner.Stop()
		return result{path: out, err: fmt.Errorf("unable to decode the source image: %w", err)}
	}

	faces, marks, err := det.Detect(img)
	if err != nil {
		spinner.StopMsg = ""
		spinner.Stop()
		return result{path: out, err: err}
	}

	output := mtcnn.DrawDetections(img, faces, marks, *drawMarks)
	err = encodeImage(dst, out, output, *quality)

	// Stop the progress indicator.
	spinner.Stop()

	return result{path: out, faces: len(faces), err: err}
}

// encodeImage encodes the resulting image to the destination, choosing the
// format by the destination file extension. Pipe destinations fall back to jpeg.
func encodeImage(dst io.Writer, out string, img image.Image, quality int) error {
	switch filepath.Ext(out) {
	case ".png":
		return png.Encode(dst, img)
	case ".bmp":
		return bmp.Encode(dst, img)
	case ".webp":
		return webp.Encode(dst, img, &webp.Options{Lossless: false, Quality: float32(quality)})
	default:
		return jpeg.Encode(dst, img, &jpeg.Options{Quality: quality})
	}
}

// pathToFile converts the source and destination paths to readable and writable files.
func pathToFile(in, out string) (io.Reader, io.Writer, error) {
	var (
		src io.Reader
		dst io.Writer
		err error
	)
	// Check if the source path is a local image or URL.
	if utils.IsValidUrl(in) {
		src = imgurl
	} else {
		// Check if the source is a pipe name or a regular file.
		if in == pipeName {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				return nil, nil, errors.New("`-` should be used with a pipe for stdin")
			}
			src = os.Stdin
		} else {
			src, err = os.Open(in)
			if err != nil {
				return nil, nil, fmt.Errorf("unable to open the source file: %v", err)
			}
		}
	}

	// Check if the destination is a pipe name or a regular file.
	if out == pipeName {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return nil, nil, errors.New("`-` should be used with a pipe for stdout")
		}
		dst = os.Stdout
	} else {
		dst, err = os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create the destination file: %v", err)
		}
	}
	return src, dst, nil
}

// printStatus displays the relevant information about the detection process.
func printStatus(res result) {
	if res.err != nil {
		fmt.Fprintf(os.Stderr,
			utils.DecorateText("\nError detecting the faces: %s", utils.ErrorMessage),
			utils.DecorateText(fmt.Sprintf("\n\tReason: %v\n", res.err.Error()), utils.DefaultMessage),
		)
		return
	}
	if res.path != pipeName {
		fmt.Fprintf(os.Stderr, "\nDetected %s face(s), the result has been saved as: %s %s\n",
			utils.DecorateText(strconv.Itoa(res.faces), utils.SuccessMessage),
			utils.DecorateText(filepath.Base(res.path), utils.SuccessMessage),
			utils.DefaultColor,
		)
	}
}

// parseTriple parses a comma separated list of three float values.
func parseTriple(s string) ([3]float64, error) {
	var out [3]float64

	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("expected three comma separated values, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}
