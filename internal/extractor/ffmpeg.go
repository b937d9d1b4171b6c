package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"iter"
	"math"
	"os"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// FFmpegSource decodes a local video file with ffmpeg.
type FFmpegSource struct {
	path string
	info VideoInfo
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// OpenFile probes path and returns a source for its first video stream.
func OpenFile(path string) (*FFmpegSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errkind.Wrap(errkind.ItemIO, "open video", err)
	}

	out, err := ffmpeg.Probe(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.ItemIO, "probe video", err)
	}
	info, err := parseProbe(out)
	if err != nil {
		return nil, errkind.Wrap(errkind.ItemIO, "probe video", err)
	}
	return &FFmpegSource{path: path, info: info}, nil
}

func parseProbe(out string) (VideoInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return VideoInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		fps := parseRate(s.AvgFrameRate)
		if fps <= 0 {
			fps = parseRate(s.RFrameRate)
		}
		count, _ := strconv.Atoi(s.NbFrames)
		if count <= 0 && fps > 0 {
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				count = int(d*fps + 0.5)
			}
		}
		if s.Width <= 0 || s.Height <= 0 {
			return VideoInfo{}, fmt.Errorf("video stream has no dimensions")
		}
		rotation, _ := strconv.ParseFloat(s.Tags.Rotate, 64)
		for _, sd := range s.SideDataList {
			if sd.Rotation != 0 {
				rotation = sd.Rotation
			}
		}
		w, h := s.Width, s.Height
		// ffmpeg autorotates, so quarter turns decode as h x w.
		if quarter := int(math.Round(rotation/90)) % 2; quarter != 0 {
			w, h = h, w
		}
		return VideoInfo{FPS: fps, FrameCount: count, Width: w, Height: h}, nil
	}
	return VideoInfo{}, fmt.Errorf("no video stream found")
}

// parseRate reads ffprobe rates such as "30000/1001" or "25".
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func (s *FFmpegSource) Info() VideoInfo {
	return s.info
}

// Frames runs ffmpeg with a select filter so only sampled frames are decoded,
// reading them back as raw RGB at the probed display size.
func (s *FFmpegSource) Frames(ctx context.Context, interval int) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		in, out := io.Pipe()
		done := make(chan error, 1)
		go func() {
			stream := ffmpeg.Input(s.path).Output("pipe:", ffmpeg.KwArgs{
				"vf":      fmt.Sprintf("select=not(mod(n\\,%d))", interval),
				"vsync":   "0",
				"s":       fmt.Sprintf("%dx%d", s.info.Width, s.info.Height),
				"format":  "rawvideo",
				"pix_fmt": "rgb24",
			})
			stream.Context = ctx
			err := stream.WithOutput(out).WithErrorOutput(io.Discard).Run()
			out.CloseWithError(err)
			done <- err
		}()
		defer func() {
			cancel()
			in.Close()
			<-done
		}()

		w, h := s.info.Width, s.info.Height
		buf := make([]byte, w*h*3)
		for n := 0; ; n++ {
			if _, err := io.ReadFull(in, buf); err != nil {
				if err == io.EOF {
					return
				}
				yield(Frame{}, fmt.Errorf("failed to read frame %d: %w", n*interval, err))
				return
			}
			if !yield(Frame{Index: n * interval, Image: rgbToImage(buf, w, h)}, nil) {
				return
			}
		}
	}
}

func rgbToImage(rgb []byte, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < len(rgb); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
