// dry: train free-water models and correct DWI volumes
//
// Usage:
//
//	dry train -bvals bvals.txt -model model.json [-epochs 10 -samples 50000 -attempts 10]
//	dry correct -model model.json -bvals bvals.txt -out results dwi1.nii dwi2.nii.gz
//	dry correct-tvf -bvals bvals.txt -tvf tvf.nii -out results dwi1.nii
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"dry/dry"
	"dry/utils"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		err = trainCmd(ctx, os.Args[2:])
	case "correct":
		err = correctCmd(ctx, os.Args[2:])
	case "correct-tvf":
		err = correctTVFCmd(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dry <train|correct|correct-tvf> [flags] [volumes...]")
}

// commonFlags binds the settings shared by every subcommand onto c.
func commonFlags(fs *flag.FlagSet, c *utils.Config) {
	fs.IntVar(&c.Workers, "workers", c.Workers, "volumes corrected in parallel")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "verbose output")
}

func loadConfig() (utils.Config, error) {
	c, err := utils.ConfigFromEnv(utils.DefaultConfig())
	if err != nil {
		return c, fmt.Errorf("reading environment: %w", err)
	}
	return c, nil
}

func trainCmd(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	trainFlags := flag.NewFlagSet("train", flag.ContinueOnError)
	bvals := trainFlags.String("bvals", "", "b-value file (whitespace separated)")
	modelFile := trainFlags.String("model", "", "output model file (JSON)")
	trainFlags.IntVar(&cfg.Samples, "samples", cfg.Samples, "synthetic samples per attempt")
	trainFlags.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "training epochs per attempt")
	trainFlags.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "mini-batch size")
	trainFlags.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "learning rate")
	trainFlags.StringVar(&cfg.Activator, "activator", cfg.Activator, "hidden activation: relu, sigmoid, tanh")
	trainFlags.Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "held-out MAE to accept a model")
	trainFlags.IntVar(&cfg.MaxAttempts, "attempts", cfg.MaxAttempts, "maximum training attempts")
	trainFlags.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	commonFlags(trainFlags, &cfg)
	if err := trainFlags.Parse(args); err != nil {
		return fmt.Errorf("parsing train flags: %w", err)
	}
	if *modelFile == "" {
		return fmt.Errorf("-model is required")
	}
	utils.Verbose = cfg.Verbose

	utils.Logf("Configuration:")
	utils.Logf("  B-values:      %s", *bvals)
	utils.Logf("  Samples:       %d", cfg.Samples)
	utils.Logf("  Epochs:        %d", cfg.Epochs)
	utils.Logf("  Learning Rate: %.4f", cfg.LearningRate)
	utils.Logf("  Activator:     %s", cfg.Activator)
	utils.Logf("  Threshold:     %.3f", cfg.Threshold)
	utils.Logf("  Max Attempts:  %d", cfg.MaxAttempts)
	utils.Logf("")

	d := dry.New(cfg)
	d.Stats = &utils.TimingStats{}
	totalStart := time.Now()
	m, err := d.TrainModel(ctx, *bvals)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := dry.SaveModel(*modelFile, m); err != nil {
		return err
	}
	d.Stats.SaveTime += time.Since(start)
	d.Stats.TotalTime = time.Since(totalStart)

	utils.Logf("\nModel %s (%s, MAE %.4f) saved to %s", m.ID, m.Arch, m.MAE, *modelFile)
	utils.PrintTimingStats(d.Stats, m.Attempts)
	return nil
}

func correctCmd(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	correctFlags := flag.NewFlagSet("correct", flag.ContinueOnError)
	modelFile := correctFlags.String("model", "", "model file written by 'dry train'")
	bvals := correctFlags.String("bvals", "", "b-value file of the volumes")
	outDir := correctFlags.String("out", ".", "output folder")
	commonFlags(correctFlags, &cfg)
	if err := correctFlags.Parse(args); err != nil {
		return fmt.Errorf("parsing correct flags: %w", err)
	}
	utils.Verbose = cfg.Verbose

	totalStart := time.Now()
	d := dry.New(cfg)
	d.Stats = &utils.TimingStats{}
	m, err := dry.LoadModel(*modelFile)
	if err != nil {
		return err
	}
	utils.Logf("Loaded model %s (%s)", m.ID, m.Arch)

	outputs, err := d.CorrectFWE(ctx, correctFlags.Args(), m, *bvals, *outDir)
	if err != nil {
		return err
	}
	d.Stats.TotalTime = time.Since(totalStart)
	report(outputs)
	utils.PrintTimingStats(d.Stats, 0)
	return nil
}

func correctTVFCmd(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tvfFlags := flag.NewFlagSet("correct-tvf", flag.ContinueOnError)
	bvals := tvfFlags.String("bvals", "", "b-value file of the volumes")
	tvf := tvfFlags.String("tvf", "", "TVF map, or one per volume separated by commas")
	outDir := tvfFlags.String("out", ".", "output folder")
	commonFlags(tvfFlags, &cfg)
	if err := tvfFlags.Parse(args); err != nil {
		return fmt.Errorf("parsing correct-tvf flags: %w", err)
	}
	utils.Verbose = cfg.Verbose

	totalStart := time.Now()
	d := dry.New(cfg)
	d.Stats = &utils.TimingStats{}
	outputs, err := d.CorrectFWEWithTVF(ctx, tvfFlags.Args(), splitList(*tvf), *bvals, *outDir)
	if err != nil {
		return err
	}
	d.Stats.TotalTime = time.Since(totalStart)
	report(outputs)
	utils.PrintTimingStats(d.Stats, 0)
	return nil
}

func report(outputs []dry.Output) {
	for _, o := range outputs {
		if o.TVF != "" {
			utils.Logf("%s:\n  TVF: %s\n  FWE: %s", o.Input, o.TVF, o.FWE)
		} else {
			utils.Logf("%s:\n  FWE: %s", o.Input, o.FWE)
		}
	}
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
