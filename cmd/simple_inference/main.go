package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"github.com/pavementscan"
	"github.com/pavementscan/internal/config"
)

// saveMat writes m as an image, scaled down to fit maxWidth when maxWidth > 0.
func saveMat(m gocv.Mat, path string, maxWidth int) error {
	img, err := m.ToImage()
	if err != nil {
		return err
	}
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	return imaging.Save(img, path)
}

func run() int {
	parser := argparse.NewParser("simple_inference", "Correct and annotate a single frame of a video")
	input := parser.String("i", "input", &argparse.Options{Help: "Input video file", Required: true})
	frameIndex := parser.Int("f", "frame", &argparse.Options{Help: "Frame index to inspect", Default: 0})
	outDir := parser.String("o", "outdir", &argparse.Options{Help: "Directory for corrected.png and annotated.png", Default: "."})
	maxWidth := parser.Int("w", "maxwidth", &argparse.Options{Help: "Scale saved images down to this width (0 keeps size)", Default: 0})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Println(err)
		return 1
	}

	info, err := pavementscan.NewVideoInfoFromPath(*input)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	fmt.Printf("%s: %dx%d, %d frames at %.2f fps (%.1fs)\n",
		*input, info.Width, info.Height, info.TotalFrame, info.FPS, info.Seconds())
	if *frameIndex < 0 || *frameIndex >= info.TotalFrame {
		fmt.Printf("frame %d outside [0, %d)\n", *frameIndex, info.TotalFrame)
		return 1
	}

	yolo, err := pavementscan.NewYolo(cfg.YoloOptions()...)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	defer yolo.Destroy()

	source, err := pavementscan.OpenVideoSource(*input)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	defer source.Close()

	if err := source.Seek(*frameIndex); err != nil {
		fmt.Println(err)
		return 1
	}
	mat := gocv.NewMat()
	defer mat.Close()
	if ok := source.Read(&mat); !ok {
		fmt.Printf("cannot read frame %d\n", *frameIndex)
		return 1
	}

	corrected, err := pavementscan.CorrectFlatField(mat, cfg.FlatFieldSigma)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	defer corrected.Close()

	ann, err := yolo.Annotate(corrected)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	defer ann.Close()

	for _, box := range ann.Boxes {
		fmt.Println(box.String())
	}

	if err := saveMat(corrected, filepath.Join(*outDir, "corrected.png"), *maxWidth); err != nil {
		fmt.Println(err)
		return 1
	}
	if err := saveMat(ann.Frame, filepath.Join(*outDir, "annotated.png"), *maxWidth); err != nil {
		fmt.Println(err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
