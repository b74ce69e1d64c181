// mmalcam records video and stills through the component graph, using the
// simulated firmware as its backend.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/lanikai/mmal"
	"github.com/lanikai/mmal/circular"
	"github.com/lanikai/mmal/encoder"
	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/firmware/vcsim"
	"github.com/lanikai/mmal/internal/logging"
)

var log = logging.DefaultLogger.WithTag("mmalcam")

// Destination of output named "-".
var stdout io.Writer = os.Stdout

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	cfg, err := loadConfig(flagConfig)
	if err != nil {
		log.Fatalf("%v", err)
	}
	applyFlags(flag.CommandLine, &cfg)
	if err := cfg.validate(); err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	go func() {
		s := <-sig
		log.Info("received %v, stopping", s)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func variantFor(cfg Config) (encoder.Variant, error) {
	if cfg.Format != "" {
		return encoder.ParseVariant(cfg.Format)
	}
	if cfg.Output != "" && cfg.Output != "-" {
		if v, err := encoder.VariantForName(cfg.Output); err == nil {
			if v == encoder.RawVideo && cfg.Mode == modeStill {
				v = encoder.RawImage
			}
			return v, nil
		}
	}
	if cfg.Mode == modeStill {
		return encoder.JPEG, nil
	}
	return encoder.H264, nil
}

func run(ctx context.Context, cfg Config) error {
	variant, err := variantFor(cfg)
	if err != nil {
		return err
	}
	still := cfg.Mode == modeStill
	if variant.IsVideo() == still {
		return errors.Errorf("format %v does not suit %s mode", variant, cfg.Mode)
	}

	fw := vcsim.New(vcsim.Config{Realtime: *cfg.Realtime})
	svc, err := mmal.Acquire(fw)
	if err != nil {
		return err
	}
	defer mmal.Shutdown()
	defer svc.Release()

	g := svc.NewGraph()
	defer g.Close()

	out, err := buildGraph(g, cfg, variant)
	if err != nil {
		return err
	}

	var (
		file   *encoder.File
		stream *circular.Stream
		sinks  []io.Writer
	)
	switch {
	case cfg.Mode == modeCircular:
		stream, err = circular.NewForDuration(cfg.Seconds+5*time.Second, cfg.Bitrate)
		if err != nil {
			return err
		}
		sinks = append(sinks, stream)
	case cfg.Output == "-":
		sinks = append(sinks, stdout)
	case isMP4(cfg.Output):
		mp4, err := encoder.OpenMP4(cfg.Output, cfg.Framerate)
		if err != nil {
			return err
		}
		defer mp4.Close()
		sinks = append(sinks, mp4)
	case cfg.Output != "":
		if file, err = encoder.OpenFile(cfg.Output); err != nil {
			return err
		}
		defer file.Close()
		sinks = append(sinks, file)
	}

	if cfg.Listen != "" {
		hub := encoder.NewHub(64)
		defer hub.Close()
		srv := &http.Server{Addr: cfg.Listen, Handler: hub}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("listen: %v", err)
			}
		}()
		defer srv.Close()
		log.Info("serving websocket clients on %s", cfg.Listen)
		sinks = append(sinks, hub)
	}

	e, err := encoder.New(out, encoder.Options{
		Variant:       variant,
		Sink:          newTee(sinks...),
		Bitrate:       cfg.Bitrate,
		IntraPeriod:   cfg.IntraPeriod,
		InlineHeaders: cfg.Mode == modeCircular || cfg.Listen != "",
		Quality:       cfg.Quality,
		Observer: func(f encoder.Frame) {
			log.Trace(3, "frame %d %v %d bytes at %v", f.Index, f.Kind, f.FrameSize, f.Timestamp)
		},
	})
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	log.Info("recording %v from %v", variant, out)

	wait := ctx
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}
	werr := e.Wait(wait)
	if err := e.Stop(); werr == nil {
		werr = err
	}
	if werr != nil {
		return werr
	}

	f := e.Frame()
	log.Info("wrote %d frames, %d bytes", f.Index+1, f.VideoSize)

	if stream != nil {
		return writeClip(stream, cfg)
	}
	return nil
}

// buildGraph sets up the camera and, for encoded variants, tunnels the
// capture port into an encoder. It returns the port to drain.
func buildGraph(g *mmal.Graph, cfg Config, variant encoder.Variant) (*mmal.Port, error) {
	cam, err := g.NewComponent(mmal.Camera)
	if err != nil {
		return nil, err
	}

	// The preview port always runs. Nothing consumes it.
	sink, err := g.NewComponent(mmal.NullSink)
	if err != nil {
		return nil, err
	}
	preview := cam.Output(mmal.CameraPreviewPort)
	if err := commitCamera(preview, cfg); err != nil {
		return nil, err
	}
	conn, err := preview.Connect(sink.Input(0))
	if err != nil {
		return nil, err
	}
	if err := sink.Enable(); err != nil {
		return nil, err
	}
	if err := conn.Enable(); err != nil {
		return nil, err
	}

	index := mmal.CameraVideoPort
	if !variant.IsVideo() {
		index = mmal.CameraStillPort
	}
	src := cam.Output(index)
	if err := commitCamera(src, cfg); err != nil {
		return nil, err
	}

	kind := variant.ComponentKind()
	if kind == "" {
		return src, nil
	}
	enc, err := g.NewComponent(kind)
	if err != nil {
		return nil, err
	}
	if _, err := src.Connect(enc.Input(0)); err != nil {
		return nil, err
	}
	return enc.Output(0), nil
}

func isMP4(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".mp4")
}

func commitCamera(p *mmal.Port, cfg Config) error {
	f := p.Format()
	f.Encoding = firmware.EncodingI420
	f.Width, f.Height = cfg.Width, cfg.Height
	f.CropWidth, f.CropHeight = cfg.Width, cfg.Height
	f.FramerateNum, f.FramerateDen = cfg.Framerate, 1
	if err := p.SetFormat(f); err != nil {
		return err
	}
	return p.Commit()
}

func writeClip(stream *circular.Stream, cfg Config) error {
	if cfg.Output == "-" {
		n, err := stream.CopyTo(stdout, circular.Seconds(cfg.Seconds))
		if err != nil {
			return errors.Wrap(err, "write clip")
		}
		log.Info("wrote %d byte clip to stdout", n)
		return nil
	}

	file, err := encoder.OpenFile(cfg.Output)
	if err != nil {
		return err
	}
	n, err := stream.CopyTo(file, circular.Seconds(cfg.Seconds))
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "write clip")
	}
	log.Info("wrote %d byte clip to %s", n, cfg.Output)
	return nil
}
