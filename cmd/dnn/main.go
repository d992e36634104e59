// Command dnn runs a neural network pipeline on a camera, a video file or a directory of
// frames and logs the results.
package main

import (
	"context"
	"flag"
	"image"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/models/postprocess"
	"github.com/nvr-ai/go-dnn/pipeline"
	"github.com/nvr-ai/go-dnn/profiler"
	"github.com/nvr-ai/go-dnn/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"gopkg.in/yaml.v3"
)

type options struct {
	config    string
	camera    int
	video     string
	frames    string
	framesMax int
	show      bool
	report    time.Duration
	level     string
}

func main() {
	var opts options
	flag.StringVar(&opts.config, "config", "pipeline.yml", "Resolved pipeline configuration file")
	flag.IntVar(&opts.camera, "camera", 0, "Video capture device, used when neither -video nor -frames is set")
	flag.StringVar(&opts.video, "video", "", "Path to a video file")
	flag.StringVar(&opts.frames, "frames", "", "Directory of frame images (frame-<n>.jpg, .png, .bmp, .webp)")
	flag.IntVar(&opts.framesMax, "frames-max", 0, "Stop after this many frames, 0 for no limit")
	flag.BoolVar(&opts.show, "show", false, "Show the annotated frames in a window")
	flag.DurationVar(&opts.report, "report", 10*time.Second, "Interval between profiler reports")
	flag.StringVar(&opts.level, "log-level", "info", "Log level")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(opts.level); err == nil {
		logger.SetLevel(level)
	}
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.WithError(err).Fatal("❌ dnn failed")
	}
}

func loadConfig(path string) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(inference.ErrConfiguration, "parsing %s: %v", path, err)
	}
	return cfg, nil
}

func run(ctx context.Context, opts options, log *logrus.Entry) error {
	cfg, err := loadConfig(opts.config)
	if err != nil {
		return err
	}

	p := pipeline.New(&pipeline.Registry{Labels: loadLabels}, log)
	defer p.Close()
	if err := p.Apply(cfg); err != nil {
		return err
	}

	src, err := openSource(opts)
	if err != nil {
		return err
	}
	defer src.Close()

	var window *gocv.Window
	if opts.show {
		window = gocv.NewWindow("dnn")
		defer window.Close()
	}

	prof := profiler.New(profiler.DefaultWindow)
	sink := &logSink{log: log}
	lastReport := time.Now()

	log.WithField("pipe", cfg.Name).Info("🚀 processing frames")
	for n := 0; opts.framesMax == 0 || n < opts.framesMax; n++ {
		if ctx.Err() != nil {
			break
		}

		img, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		sink.frame = n
		var info inference.Info
		done := prof.StartOperation("frame")
		if window != nil {
			show(window, p, img, sink, &info)
		} else {
			// Without a display there is no output video to draw on.
			p.Process(img, sink, nil, &info, true)
		}
		done()

		if time.Since(lastReport) >= opts.report {
			prof.Report(log)
			for _, line := range info.Lines() {
				log.Info(line)
			}
			lastReport = time.Now()
		}
	}

	prof.Report(log)
	return nil
}

func show(window *gocv.Window, p *pipeline.Pipeline, img image.Image, sink postprocess.Sink, info *inference.Info) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		p.Process(img, sink, nil, info, true)
		return
	}
	defer mat.Close()

	p.Process(img, sink, &matOverlay{mat: &mat}, info, false)
	window.IMShow(mat)
	window.WaitKey(1)
}

// logSink writes result lines to the log, the way a serial port would receive them.
type logSink struct {
	log   *logrus.Entry
	frame int
}

func (s *logSink) Send(line string) {
	s.log.WithField("frame", s.frame).Info(line)
}

// source yields frames until io.EOF.
type source interface {
	Next() (image.Image, error)
	Close() error
}

func openSource(opts options) (source, error) {
	if opts.frames != "" {
		files, err := util.LoadDirectoryImageFiles(opts.frames)
		if err != nil {
			return nil, err
		}
		return &dirSource{files: files}, nil
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if opts.video != "" {
		capture, err = gocv.VideoCaptureFile(opts.video)
	} else {
		capture, err = gocv.OpenVideoCapture(opts.camera)
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening capture")
	}
	return &captureSource{capture: capture, mat: gocv.NewMat()}, nil
}

type dirSource struct {
	files []util.ImageFile
	next  int
}

func (s *dirSource) Next() (image.Image, error) {
	if s.next >= len(s.files) {
		return nil, io.EOF
	}
	f := s.files[s.next]
	s.next++
	return f.Decode()
}

func (s *dirSource) Close() error { return nil }

type captureSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

func (s *captureSource) Next() (image.Image, error) {
	for {
		if ok := s.capture.Read(&s.mat); !ok {
			return nil, io.EOF
		}
		if !s.mat.Empty() {
			return s.mat.ToImage()
		}
	}
}

func (s *captureSource) Close() error {
	s.mat.Close()
	return s.capture.Close()
}
