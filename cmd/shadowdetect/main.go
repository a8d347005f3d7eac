// Command shadowdetect finds shadows in an image.
//
// Detect shadows with a trained libsvm model:
//
//	shadowdetect -image street.jpg -model shadow.model -out mask.png
//
// Export a labeled training set for svm-train:
//
//	shadowdetect -image street.jpg -mask labels.png -out street.train
//
// Threshold the Tsai ratio instead of classifying:
//
//	shadowdetect -image street.jpg -tsai -out tsai.png
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/bitmap"
	"github.com/nooniansoong/shadowdetection/config"
	"github.com/nooniansoong/shadowdetection/gpu"
)

func main() {
	var (
		list     = flag.Bool("list", false, "list compute platforms and devices, then exit")
		image    = flag.String("image", "", "input image")
		model    = flag.String("model", "", "libsvm model file")
		output   = flag.String("out", "", "output file (mask PNG, or training set; default stdout for training sets)")
		mask     = flag.String("mask", "", "label mask: write the labeled training set instead of detecting")
		tsai     = flag.Bool("tsai", false, "write the Tsai ratio mask")
		useGPU   = flag.Bool("gpu", false, "run per-pixel stages on a compute device")
		platform = flag.Int("platform", -1, "compute platform index (overrides the settings file)")
		device   = flag.Int("device", -1, "compute device index (overrides the settings file)")
		settings = flag.String("config", "", "XML settings file")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	sd.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Empty()
	if *settings != "" {
		var err error
		if cfg, err = config.Load(*settings); err != nil {
			log.Fatalf("Failed to load settings: %v", err)
		}
	}

	if *list {
		printDevices(os.Stdout, gpu.Devices(nil))
		return
	}
	if *image == "" {
		flag.Usage()
		os.Exit(2)
	}

	opts := []sd.Option{sd.WithConfig(cfg)}
	if *useGPU {
		gopts := []gpu.Option{gpu.WithConfig(cfg)}
		if *platform >= 0 {
			gopts = append(gopts, gpu.WithPlatform(*platform))
		}
		if *device >= 0 {
			gopts = append(gopts, gpu.WithDevice(*device))
		}
		acc := gpu.New(gopts...)
		if err := acc.Init(); err != nil {
			log.Printf("Compute device not available, using CPU: %v", err)
		} else {
			defer acc.Close()
			opts = append(opts, sd.WithAccelerator(acc))
		}
	} else {
		opts = append(opts, sd.WithCPUOnly())
	}
	det := sd.NewDetector(opts...)
	defer det.Close()

	img, err := bitmap.Open(*image)
	if err != nil {
		log.Fatalf("Failed to open image: %v", err)
	}

	switch {
	case *mask != "":
		err = writeTrainingSet(det, img, *mask, *output)
	case *tsai:
		err = writeMask(*output, func() (*bitmap.Bitmap, error) { return det.Tsai(img) })
	default:
		if *model == "" {
			log.Fatal("-model is required for detection")
		}
		if err := det.LoadModel(*model); err != nil {
			log.Fatalf("Failed to load model: %v", err)
		}
		err = writeMask(*output, func() (*bitmap.Bitmap, error) { return det.Detect(context.Background(), img) })
	}
	if err != nil {
		log.Fatal(err)
	}
}

func printDevices(w io.Writer, platforms []gpu.PlatformInfo) {
	if len(platforms) == 0 {
		fmt.Fprintln(w, "no compute platforms")
		return
	}
	for _, p := range platforms {
		fmt.Fprintf(w, "platform %d: %s\n", p.Index, p.Name)
		for _, d := range p.Devices {
			fmt.Fprintf(w, "  device %d: %s (%s)\n", d.Index, d.Name, d.Class)
		}
	}
}

func writeMask(path string, fn func() (*bitmap.Bitmap, error)) error {
	if path == "" {
		return fmt.Errorf("-out is required for mask output")
	}
	m, err := fn()
	if err != nil {
		return err
	}
	if err := m.Save(path); err != nil {
		return err
	}
	log.Printf("Mask saved to %s (%dx%d)", path, m.Width(), m.Height())
	return nil
}

func writeTrainingSet(det *sd.Detector, img *bitmap.Bitmap, maskPath, out string) error {
	labels, err := bitmap.OpenGray(maskPath)
	if err != nil {
		return err
	}
	m, err := det.LabeledFeatures(img, labels)
	if err != nil {
		return err
	}
	w := io.Writer(os.Stdout)
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("%w: %w", sd.ErrWriteUnable, err)
		}
		defer f.Close()
		w = f
	}
	return sd.WriteTrainingSet(w, m)
}
