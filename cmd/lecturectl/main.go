package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/lecture-core/internal/chunk"
	"github.com/loqalabs/lecture-core/internal/config"
	"github.com/loqalabs/lecture-core/internal/lecture"
	"github.com/loqalabs/lecture-core/internal/script"
	"github.com/loqalabs/lecture-core/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "lecturectl",
		Short:        "Generate and inspect narrated slide lectures",
		SilenceUsage: true,
	}
	root.AddCommand(newGenerateCmd(), newParseCmd(), newSchemaCmd(), newVoicesCmd(), newVersionCmd())
	return root
}

type generateFlags struct {
	configPath string
	scriptPath string
	title      string
	id         string
	voice      string
	speed      float64
	theme      string
	accent     string
	outDir     string
	verbose    bool
}

func newGenerateCmd() *cobra.Command {
	var f generateFlags
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate slides, narration and a manifest from a script",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "Path to configuration file")
	cmd.Flags().StringVar(&f.scriptPath, "script", "", "Path to the lecture script")
	cmd.Flags().StringVar(&f.title, "title", "", "Lecture title")
	cmd.Flags().StringVar(&f.id, "id", "", "Lecture id (random when empty)")
	cmd.Flags().StringVar(&f.voice, "voice", "", "Voice name or raw engine voice id")
	cmd.Flags().Float64Var(&f.speed, "speed", 0, "Speech speed multiplier")
	cmd.Flags().StringVar(&f.theme, "theme", "", "Slide theme: dark or light")
	cmd.Flags().StringVar(&f.accent, "accent", "", "Accent color, e.g. #6366f1")
	cmd.Flags().StringVar(&f.outDir, "out", "", "Output directory")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log progress to stderr")
	_ = cmd.MarkFlagRequired("script")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func runGenerate(cmd *cobra.Command, f generateFlags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.outDir != "" {
		cfg.Lecture.OutputDir = f.outDir
	}
	text, err := os.ReadFile(f.scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	engine, err := tts.New(cfg.Synthesis)
	if err != nil {
		return err
	}
	defer tts.Close(engine)

	theme := f.theme
	if theme == "" {
		theme = cfg.Lecture.Theme
	}
	accent := f.accent
	if accent == "" {
		accent = cfg.Lecture.AccentColor
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := lecture.NewGenerator(engine, lecture.OptionsFromConfig(cfg), logger)
	lec, err := gen.Generate(ctx, lecture.Request{
		ID:          f.id,
		Title:       f.title,
		Script:      string(text),
		Theme:       theme,
		AccentColor: accent,
		Voice:       f.voice,
		Speed:       f.speed,
	})
	if err != nil {
		return err
	}
	logger.Info("manifest written", slog.String("path", gen.ManifestPath(lec.ID)))
	return writeJSON(cmd.OutOrStdout(), lec)
}

type plannedSegment struct {
	Index      int                   `json:"index"`
	Title      string                `json:"slide_title"`
	Content    []string              `json:"content"`
	SpeechText string                `json:"speech_text"`
	Cues       []script.AnimationCue `json:"cues"`
	Chunks     []string              `json:"chunks"`
}

func newParseCmd() *cobra.Command {
	var (
		scriptPath string
		maxChars   int
		opts       script.ExtractOptions
	)
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Print the segments, cues and synthesis chunks of a script without generating",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := os.ReadFile(scriptPath)
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), plan(string(text), maxChars, opts))
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "Path to the lecture script")
	cmd.Flags().IntVar(&maxChars, "max-chars", chunk.DefaultMaxChars, "Chunk budget in characters")
	cmd.Flags().BoolVar(&opts.SortByOffset, "sort-cues", false, "Order cues by time offset")
	cmd.Flags().BoolVar(&opts.AllOccurrences, "all-cues", false, "Emit a cue for every marker occurrence")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func plan(text string, maxChars int, opts script.ExtractOptions) []plannedSegment {
	raw := script.Parse(text)
	out := make([]plannedSegment, 0, len(raw))
	for i, r := range raw {
		speech, cues := script.ExtractCues(r.RawSpeech, opts)
		if cues == nil {
			cues = []script.AnimationCue{}
		}
		chunks := chunk.Split(speech, maxChars)
		if chunks == nil {
			chunks = []string{}
		}
		out = append(out, plannedSegment{
			Index:      i + 1,
			Title:      r.Title,
			Content:    r.ContentLines(),
			SpeechText: speech,
			Cues:       cues,
			Chunks:     chunks,
		})
	}
	return out
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the lecture manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), lecture.Schema())
		},
	}
}

func newVoicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List named voices and their engine ids",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range tts.Voices() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", name, tts.ResolveVoice(name, "").ID())
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
