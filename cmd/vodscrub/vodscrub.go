package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vodscrub/pkg/framecache"
	"github.com/cyclopcam/vodscrub/pkg/playback"
	"github.com/cyclopcam/vodscrub/pkg/videox"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// snapshotWriter saves every presented frame as a JPEG
type snapshotWriter struct {
	log    logs.Log
	cache  *framecache.Cache
	outDir string
	rgb    *cimg.Image
	nWrote int
}

func (w *snapshotWriter) OnFileOpened()    { w.log.Infof("File opened") }
func (w *snapshotWriter) OnFileClosed()    { w.log.Infof("File closed") }
func (w *snapshotWriter) OnPlayerPaused()  {}
func (w *snapshotWriter) OnPlayerResumed() {}

func (w *snapshotWriter) OnPresentFrame(f *framecache.Frame) {
	if f == nil || w.outDir == "" {
		return
	}
	img := &f.Image
	if w.rgb == nil || w.rgb.Width != img.Width || w.rgb.Height != img.Height {
		w.rgb = cimg.NewImage(img.Width, img.Height, cimg.PixelFormatRGB)
	}
	img.CopyToCImageRGB(w.rgb)
	gameFrame := w.cache.FromCodecTimestamp(f.PTS, 1, playback.GameFPS)
	filename := filepath.Join(w.outDir, fmt.Sprintf("%04d-frame-%06d.jpg", w.nWrote, gameFrame))
	if err := w.rgb.WriteJPEG(filename, cimg.MakeCompressParams(cimg.Sampling420, 85, 0), 0644); err != nil {
		w.log.Errorf("Failed to write %v: %v", filename, err)
		return
	}
	w.nWrote++
}

func main() {
	parser := argparse.NewParser("vodscrub", "Seek and step through a video, using a buffered frame cache")
	input := parser.String("i", "input", &argparse.Options{Help: "Input video file", Required: false})
	synthetic := parser.Int("", "synthetic", &argparse.Options{Help: "Instead of a video file, generate a synthetic stream with this many frames", Required: false, Default: 0})
	configFile := parser.String("c", "config", &argparse.Options{Help: "Frame cache JSON config file", Required: false})
	start := parser.Int("s", "start", &argparse.Options{Help: "Seek to this game frame (60 FPS) before stepping", Required: false, Default: -1})
	steps := parser.Int("n", "steps", &argparse.Options{Help: "Number of frames to step forward", Required: false, Default: 0})
	backSteps := parser.Int("b", "backsteps", &argparse.Options{Help: "Number of frames to step backward, after stepping forward", Required: false, Default: 0})
	outDir := parser.String("o", "outdir", &argparse.Options{Help: "Write a JPEG of every presented frame into this directory", Required: false})
	err := parser.Parse(os.Args)
	if err == nil && (*input == "") == (*synthetic == 0) {
		err = errors.New("Specify either --input or --synthetic")
	}
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	cfg := &framecache.Config{}
	if *configFile != "" {
		cfg, err = framecache.LoadConfig(*configFile)
		check(err)
	}

	var decoder videox.Decoder
	var data []byte
	if *synthetic != 0 {
		decoder = videox.NewSyntheticDecoder()
		data = videox.EncodeSyntheticStream(videox.NewSyntheticStream(*synthetic))
	} else {
		decoder = videox.NewAVDecoder(logger)
		data, err = os.ReadFile(*input)
		check(err)
		if videox.IsTransportStream(data) {
			probe, err := videox.ProbeTransportStream(data)
			check(err)
			logger.Infof("MPEG-TS video PID %v: %v access units, %v keyframes, PTS %v..%v, ~%.2f fps",
				probe.VideoPID, probe.AccessUnits, probe.Keyframes, probe.FirstPTS, probe.LastPTS, probe.FrameRate().Float64())
		}
	}
	if *outDir != "" {
		check(os.MkdirAll(*outDir, 0755))
	}

	cache, err := framecache.New(logger, decoder, *cfg)
	check(err)
	writer := &snapshotWriter{
		log:    logger,
		cache:  cache,
		outDir: *outDir,
	}
	player := playback.New(logger, cache, writer)
	check(player.Open(data))
	defer player.Close()

	logger.Infof("Video has %v game frames", player.GameFrameCount())
	if *start >= 0 {
		if err := player.SeekToGameFrame(int64(*start)); err != nil {
			logger.Errorf("Seek to game frame %v failed: %v", *start, err)
		}
	}
	for i := 0; i < *steps; i++ {
		if err := player.Step(1); err != nil {
			logger.Infof("Stopped stepping forward after %v frames: %v", i, err)
			break
		}
	}
	for i := 0; i < *backSteps; i++ {
		if err := player.Step(-1); err != nil {
			logger.Infof("Stopped stepping backward after %v frames: %v", i, err)
			break
		}
	}
	logger.Infof("Current game frame %v", player.CurrentGameFrame())

	stats, err := json.MarshalIndent(cache.Stats(), "", "  ")
	check(err)
	fmt.Printf("%v\n", string(stats))
}
