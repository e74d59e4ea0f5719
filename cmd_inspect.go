package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type inspectCmd struct {
	Model   string `arg:"--model,required" help:"checkpoint file"`
	Sidecar string `arg:"--sidecar" help:"projection sidecar directory, to print one row"`
	Row     int    `arg:"--row" help:"identity row to print from the sidecar"`
}

func runInspect(ctx context.Context, c *inspectCmd) error {
	fs := afero.NewOsFs()
	ck, err := NewCheckpointManager(fs, c.Model, "", nil, nil, zap.NewNop()).Load()
	if err != nil {
		return errors.Wrapf(err, "loading %s", c.Model)
	}
	info, err := fs.Stat(c.Model)
	if err != nil {
		return err
	}
	printCheckpoint(os.Stdout, ck, info.Size())

	if c.Sidecar == "" {
		return nil
	}
	store, err := OpenLevelDBProjectionStore(c.Sidecar)
	if err != nil {
		return err
	}
	defer store.Close()
	row, err := store.ReadRow(c.Row)
	if err != nil {
		return err
	}
	fmt.Printf("Row %d:           %v\n", c.Row, row)
	return nil
}

func printCheckpoint(w io.Writer, ck *Checkpoint, size int64) {
	fmt.Fprintf(w, "Checkpoint (version %d, %s)\n", ck.Version, humanize.Bytes(uint64(size)))
	fmt.Fprintf(w, "  Epoch:          %d\n", ck.Epoch)
	fmt.Fprintf(w, "  Step:           %d\n", ck.Step)
	fmt.Fprintf(w, "  Batch in epoch: %d\n", ck.BatchInEpoch)
	fmt.Fprintf(w, "  Identities:     %d\n", ck.NumIdentities)
	fmt.Fprintf(w, "  Frame size:     %d\n", ck.Arch.FrameSize)
	fmt.Fprintf(w, "  Embed dim:      %d\n", ck.Arch.EmbedDim)
	fmt.Fprintf(w, "  Parameters:     E=%s G=%s D=%s table=%s\n",
		humanize.Comma(stateDictSize(ck.Embedder)),
		humanize.Comma(stateDictSize(ck.Generator)),
		humanize.Comma(stateDictSize(ck.Discriminator)),
		humanize.Comma(int64(len(ck.Projection.Data))))
	fmt.Fprintf(w, "  Optimizer steps: G=%d D=%d (rows with state: %d)\n",
		ck.OptimizerG.Step, ck.OptimizerD.Step, len(ck.OptimizerD.Rows))
	fmt.Fprintf(w, "  Loss G:         %s\n", SummarizeLosses(ck.LossesG))
	fmt.Fprintf(w, "  Loss D:         %s\n", SummarizeLosses(ck.LossesD))
}

func stateDictSize(sd StateDict) int64 {
	var n int64
	for _, ts := range sd {
		n += int64(len(ts.Data))
	}
	return n
}
