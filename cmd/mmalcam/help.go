package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

// Populated via -ldflags="-X ...".
var GitRevisionId string

var (
	flagConfig      string
	flagMode        string
	flagOutput      string
	flagFormat      string
	flagWidth       int
	flagHeight      int
	flagFramerate   int
	flagBitrate     int
	flagIntraPeriod int
	flagDuration    time.Duration
	flagSeconds     time.Duration
	flagListen      string
	flagHelp        bool
	flagVersion     bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "", "YAML configuration file")
	flag.StringVarP(&flagMode, "mode", "m", modeVideo, "video, still or circular")
	flag.StringVarP(&flagOutput, "output", "o", "", "Output file, - for stdout")
	flag.StringVarP(&flagFormat, "format", "f", "", "Output format")
	flag.IntVarP(&flagWidth, "width", "x", 1280, "Frame width")
	flag.IntVarP(&flagHeight, "height", "y", 720, "Frame height")
	flag.IntVarP(&flagFramerate, "framerate", "r", 30, "Frames per second")
	flag.IntVarP(&flagBitrate, "bitrate", "b", 17000000, "H.264 bitrate, in bits per second")
	flag.IntVarP(&flagIntraPeriod, "intra-period", "g", 0, "Frames between key frames")
	flag.DurationVarP(&flagDuration, "duration", "t", 0, "Recording length")
	flag.DurationVarP(&flagSeconds, "seconds", "s", 10*time.Second, "Clip length in circular mode")
	flag.StringVarP(&flagListen, "listen", "l", "", "Serve the stream to websocket clients")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

// applyFlags overrides cfg with every flag given on the command line.
func applyFlags(fs *flag.FlagSet, cfg *Config) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("mode", func() { cfg.Mode = flagMode })
	set("output", func() { cfg.Output = flagOutput })
	set("format", func() { cfg.Format = flagFormat })
	set("width", func() { cfg.Width = flagWidth })
	set("height", func() { cfg.Height = flagHeight })
	set("framerate", func() { cfg.Framerate = flagFramerate })
	set("bitrate", func() { cfg.Bitrate = flagBitrate })
	set("intra-period", func() { cfg.IntraPeriod = flagIntraPeriod })
	set("duration", func() { cfg.Duration = flagDuration })
	set("seconds", func() { cfg.Seconds = flagSeconds })
	set("listen", func() { cfg.Listen = flagListen })
}

const helpString = `Record video and stills from the camera

Usage: mmalcam [OPTION]...

Recording:
  -m, --mode=MODE        video, still or circular (default: video)
  -o, --output=FILE      Output file, - for stdout. A .mp4 name is muxed
  -f, --format=NAME      h264, mjpeg, jpeg, png, bmp, gif, raw-video or
                         raw-image (default: inferred from the file name)
  -t, --duration=TIME    Stop after TIME, e.g. 30s (default: until interrupted)
  -s, --seconds=TIME     Clip length kept in circular mode (default: 10s)
  -l, --listen=ADDR      Serve the stream to websocket clients on ADDR

Camera:
  -x, --width=NUM        Frame width (default: 1280)
  -y, --height=NUM       Frame height (default: 720)
  -r, --framerate=NUM    Frames per second (default: 30)
  -b, --bitrate=NUM      H.264 bitrate, in bits per second (default: 17000000)
  -g, --intra-period=NUM Frames between key frames (default: firmware choice)

Miscellaneous:
  -c, --config=FILE      Read settings from a YAML file. Flags take precedence
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//  _ __ ___   _ __ ___    __ _ | |
	// | '_ ` _ \ | '_ ` _ \  / _` || |
	// | | | | | || | | | | || (_| || |
	// |_| |_| |_||_| |_| |_| \__,_||_|

	// Line 1
	r.Printf(" _ __ ___  ")
	y.Printf(" _ __ ___  ")
	b.Printf("  __ _ ")
	r.Println("| |")

	// Line 2
	r.Printf("| '_ ` _ \\ ")
	y.Printf("| '_ ` _ \\ ")
	b.Printf(" / _` |")
	r.Println("| |")

	// Line 3
	r.Printf("| | | | | |")
	y.Printf("| | | | | |")
	b.Printf("| (_| |")
	r.Println("| |")

	// Line 4
	r.Printf("|_| |_| |_|")
	y.Printf("|_| |_| |_|")
	b.Printf(" \\__,_|")
	r.Println("|_|")

	fmt.Println()
	fmt.Println(helpString)
}

func version() {
	fmt.Println("mmalcam", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}
