package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"demuxd/internal/fetch"
	"demuxd/internal/manifest"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	probeTimeout   time.Duration
	probeFragments int
)

var probeCmd = &cobra.Command{
	Use:   "probe [url]",
	Short: "Print the streams and first playlist of a manifest",
	Long: `Load an HLS or DASH manifest the way a session would and print the selected
streams, their representations and the first fragments of each stream's lowest
representation as YAML.

Examples:
  demuxd probe https://example.com/live/master.m3u8
  demuxd probe --fragments 10 https://example.com/vod/manifest.mpd`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "overall timeout")
	probeCmd.Flags().IntVar(&probeFragments, "fragments", 5, "number of fragments listed per playlist")
}

type probeReport struct {
	Format       string                `yaml:"format"`
	Presentation *manifest.Presentation `yaml:"presentation"`
	Playlists    []playlistReport      `yaml:"playlists"`
}

type playlistReport struct {
	Stream         string           `yaml:"stream"`
	Representation string           `yaml:"representation"`
	Live           bool             `yaml:"live"`
	TargetDuration time.Duration    `yaml:"targetDuration"`
	Anchor         int64            `yaml:"anchorSequence"`
	Fragments      int              `yaml:"fragments"`
	Duration       time.Duration    `yaml:"duration"`
	First          []fragmentReport `yaml:"first,omitempty"`
}

type fragmentReport struct {
	Sequence int64         `yaml:"sequence"`
	Start    time.Duration `yaml:"start"`
	Duration time.Duration `yaml:"duration"`
	URI      string        `yaml:"uri"`
	Init     string        `yaml:"init,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	client := fetch.NewClient(log, cfg.UserAgent, cfg.Engine.RequestTimeout)
	if cfg.Engine.FetchAttempts > 0 {
		client.Attempts = cfg.Engine.FetchAttempts
	}

	p, err := manifest.Load(ctx, client, args[0], nil)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}

	report := probeReport{Format: p.Format.String(), Presentation: p}
	for _, s := range p.Streams {
		rep := s.Representations[0]
		model, err := p.LoadPlaylist(ctx, client, s, rep)
		if err != nil {
			return err
		}
		pr := playlistReport{
			Stream:         s.ID,
			Representation: rep.ID,
			Live:           model.Live,
			TargetDuration: model.TargetDuration,
			Anchor:         model.AnchorSequence,
			Fragments:      model.Len(),
		}
		for i, f := range model.Fragments {
			pr.Duration += f.Duration
			if i >= probeFragments {
				continue
			}
			fr := fragmentReport{Sequence: f.Sequence, Start: f.Start, Duration: f.Duration, URI: f.URI}
			if f.Init != nil {
				fr.Init = f.Init.URI
			}
			pr.First = append(pr.First, fr)
		}
		report.Playlists = append(report.Playlists, pr)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(report)
}
