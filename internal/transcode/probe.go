package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
)

// Dimensions are the display dimensions of the first video stream, with any
// rotation metadata already applied.
type Dimensions struct {
	Width  int
	Height int
}

type probeOutput struct {
	Streams []struct {
		CodecType    string            `json:"codec_type"`
		Width        int               `json:"width"`
		Height       int               `json:"height"`
		Tags         map[string]string `json:"tags"`
		SideDataList []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Probe asks ffprobe for the display dimensions of the first video stream.
func Probe(ctx context.Context, ffprobePath, path string) (Dimensions, error) {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,codec_type:stream_tags=rotate:stream_side_data=rotation",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Dimensions{}, fmt.Errorf("ffprobe %s: %w, stderr: %s", path, err, stderr.String())
	}
	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) (Dimensions, error) {
	var result probeOutput
	if err := json.Unmarshal(data, &result); err != nil {
		return Dimensions{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	for _, stream := range result.Streams {
		if stream.CodecType != "" && stream.CodecType != "video" {
			continue
		}
		if stream.Width <= 0 || stream.Height <= 0 {
			continue
		}
		rotation := 0.0
		if raw, ok := stream.Tags["rotate"]; ok {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				rotation = parsed
			}
		}
		for _, side := range stream.SideDataList {
			if side.Rotation != 0 {
				rotation = side.Rotation
			}
		}
		dims := Dimensions{Width: stream.Width, Height: stream.Height}
		if quarter := int(math.Round(math.Abs(rotation)/90)) % 2; quarter == 1 {
			dims.Width, dims.Height = dims.Height, dims.Width
		}
		return dims, nil
	}
	return Dimensions{}, fmt.Errorf("no video stream found")
}
