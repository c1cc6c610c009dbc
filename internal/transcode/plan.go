package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// MasterPlaylistName is the file name of the top-level manifest.
	MasterPlaylistName = "master_video.m3u8"
	// SegmentSeconds is the target HLS segment duration; keyframes are forced on
	// the same grid so every rendition segments at identical boundaries.
	SegmentSeconds = 5
)

// Output describes the files one rendition produces inside the output directory.
type Output struct {
	Rendition      Rendition
	Width          int
	Height         int
	Playlist       string
	SegmentPattern string
}

// SegmentPrefix is the file name prefix every segment of the rendition shares.
func (o Output) SegmentPrefix() string {
	return o.Rendition.Label + "_video_"
}

// PlaylistName returns the variant playlist file name for a rendition label.
func PlaylistName(label string) string {
	return label + "_video.m3u8"
}

type transcodePlan struct {
	args      []string
	outputs   []Output
	outputDir string
	master    string
}

func buildTranscodePlan(input, outputDir string, ladder Ladder, source Dimensions) (*transcodePlan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}

	outputs := make([]Output, len(ladder.Renditions))
	scales := make([]string, len(ladder.Renditions))
	for idx, r := range ladder.Renditions {
		width, height := ScaleToFit(source.Width, source.Height, r.TargetWidth, r.TargetHeight)
		outputs[idx] = Output{
			Rendition:      r,
			Width:          width,
			Height:         height,
			Playlist:       PlaylistName(r.Label),
			SegmentPattern: r.Label + "_video_%03d.ts",
		}
		scales[idx] = fmt.Sprintf("scale=%d:%d", width, height)
	}

	args := []string{
		"-y",
		"-hide_banner",
		"-nostdin",
		"-i", input,
		"-filter_complex", filterGraph(scales),
	}
	keyframes := fmt.Sprintf("expr:gte(t,n_forced*%d)", SegmentSeconds)
	audio := strconv.Itoa(ladder.AudioKbps) + "k"
	for idx, out := range outputs {
		args = append(args,
			"-map", fmt.Sprintf("[v%d]", idx),
			"-map", "0:a?",
			"-c:v", "libx264",
			"-b:v", strconv.Itoa(out.Rendition.VideoKbps)+"k",
			"-preset", "veryfast",
			"-pix_fmt", "yuv420p",
			"-force_key_frames", keyframes,
			"-sc_threshold", "0",
			"-c:a", "aac",
			"-b:a", audio,
			"-f", "hls",
			"-hls_time", strconv.Itoa(SegmentSeconds),
			"-hls_list_size", "0",
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.ToSlash(filepath.Join(absDir, out.SegmentPattern)),
			filepath.ToSlash(filepath.Join(absDir, out.Playlist)),
		)
	}

	return &transcodePlan{
		args:      args,
		outputs:   outputs,
		outputDir: absDir,
		master:    filepath.Join(absDir, MasterPlaylistName),
	}, nil
}

func filterGraph(scales []string) string {
	if len(scales) == 1 {
		return "[0:v]" + scales[0] + "[v0]"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[0:v]split=%d", len(scales))
	for idx := range scales {
		fmt.Fprintf(&b, "[s%d]", idx)
	}
	for idx, scale := range scales {
		fmt.Fprintf(&b, ";[s%d]%s[v%d]", idx, scale, idx)
	}
	return b.String()
}
