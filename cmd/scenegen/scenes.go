package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	scenescheduler "github.com/c360studio/scenegen/processor/scene-scheduler"
	"github.com/c360studio/scenegen/scene"
)

// sceneFile is the YAML document accepted by the run command.
//
//	character_references: [https://cdn.example/hero.png]
//	character_image: hero.png
//	units:
//	  - id: 1
//	    narration: A fox wakes up.
//	    image_prompt: a red fox in a snowy forest
//	    video_prompt: the fox stretches
type sceneFile struct {
	CharacterReferences []string     `yaml:"character_references"`
	UserImages          []string     `yaml:"user_images"`
	CharacterImage      string       `yaml:"character_image"`
	ConcurrencyLimit    int          `yaml:"concurrency_limit"`
	Units               []scene.Unit `yaml:"units"`
}

// loadSceneFile reads a scene file into a batch request. character_image is
// read relative to the scene file and base64 encoded.
func loadSceneFile(path string) (scenescheduler.BatchRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scenescheduler.BatchRequest{}, fmt.Errorf("read scene file: %w", err)
	}

	var f sceneFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return scenescheduler.BatchRequest{}, fmt.Errorf("parse scene file: %w", err)
	}
	if len(f.Units) == 0 {
		return scenescheduler.BatchRequest{}, fmt.Errorf("scene file %s has no units", path)
	}
	for i := range f.Units {
		if f.Units[i].Status == "" {
			f.Units[i].Status = scene.StatusPending
		}
	}

	req := scenescheduler.BatchRequest{
		Units:               f.Units,
		CharacterReferences: f.CharacterReferences,
		UserImages:          f.UserImages,
		ConcurrencyLimit:    f.ConcurrencyLimit,
	}

	if f.CharacterImage != "" {
		imgPath := f.CharacterImage
		if !filepath.IsAbs(imgPath) {
			imgPath = filepath.Join(filepath.Dir(path), imgPath)
		}
		img, err := os.ReadFile(imgPath)
		if err != nil {
			return scenescheduler.BatchRequest{}, fmt.Errorf("read character image: %w", err)
		}
		req.CharacterImage = base64.StdEncoding.EncodeToString(img)
	}

	return req, nil
}
