//go:build integration

package itest

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

type probedFile struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// ffprobeFile inspects path with the system ffprobe, independently of the
// adapter under test.
func ffprobeFile(path string) (probedFile, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,width,height",
		"-of", "json",
		path,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return probedFile{}, fmt.Errorf("ffprobe: %w\n%s", err, string(b))
	}
	var pf probedFile
	if err := json.Unmarshal(b, &pf); err != nil {
		return probedFile{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	return pf, nil
}

func probeDurationSeconds(path string) (float64, error) {
	pf, err := ffprobeFile(path)
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(pf.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", pf.Format.Duration, err)
	}
	return sec, nil
}

func streamCount(path, codecType string) (int, error) {
	pf, err := ffprobeFile(path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range pf.Streams {
		if s.CodecType == codecType {
			n++
		}
	}
	return n, nil
}
