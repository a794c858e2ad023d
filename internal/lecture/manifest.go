package lecture

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/loqalabs/lecture-core/internal/script"
)

// ManifestFile is the name of the manifest inside a lecture directory.
const ManifestFile = "lecture.json"

// Lecture is the manifest of one generated lesson.
type Lecture struct {
	ID          string    `json:"id" jsonschema:"description=Lecture identifier and output directory name"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	Voice       string    `json:"voice" jsonschema:"description=Engine voice id used for narration"`
	Theme       string    `json:"theme" jsonschema:"enum=dark,enum=light"`
	TotalSlides int       `json:"total_slides"`
	Segments    []Segment `json:"segments"`
}

// Segment pairs one slide with its narration audio and presenter cues.
type Segment struct {
	Index      int                   `json:"index" jsonschema:"minimum=1"`
	SlideTitle string                `json:"slide_title"`
	Content    []string              `json:"content"`
	SlidePath  string                `json:"slide_path"`
	AudioPath  *string               `json:"audio_path" jsonschema:"oneof_type=string;null,description=Null when the segment has no narration"`
	SpeechText string                `json:"speech_text"`
	Cues       []script.AnimationCue `json:"cues"`
}

// LoadManifest reads a manifest written by Generate.
func LoadManifest(path string) (Lecture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lecture{}, fmt.Errorf("read manifest: %w", err)
	}
	var l Lecture
	if err := json.Unmarshal(data, &l); err != nil {
		return Lecture{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return l, nil
}

func writeManifest(path string, l Lecture) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Schema returns the JSON Schema of the manifest.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{}
	s := r.Reflect(&Lecture{})
	s.Title = "Lecture manifest"
	return s
}
