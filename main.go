package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
)

type args struct {
	Train    *trainCmd    `arg:"subcommand:train" help:"train the embedder, generator and discriminator"`
	Embed    *embedCmd    `arg:"subcommand:embed" help:"extract an identity embedding from a video"`
	Generate *generateCmd `arg:"subcommand:generate" help:"render a frame from an embedding and a sketch"`
	Inspect  *inspectCmd  `arg:"subcommand:inspect" help:"print a summary of a checkpoint"`
}

func (args) Description() string {
	return "few-shot talking-head synthesis: training and inference"
}

func main() {
	var a args
	p := arg.MustParse(&a)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case a.Train != nil:
		err = runTrain(ctx, a.Train)
	case a.Embed != nil:
		err = runEmbed(ctx, a.Embed)
	case a.Generate != nil:
		err = runGenerate(ctx, a.Generate)
	case a.Inspect != nil:
		err = runInspect(ctx, a.Inspect)
	default:
		p.WriteHelp(os.Stdout)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
