// stratactl inspects strata containers stored on the local filesystem.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/justapithecus/strata/strata"
)

var version = "0.1.0"

func main() {
	var rootDir string
	var verbose bool

	root := &cobra.Command{
		Use:   "stratactl",
		Short: "Inspect strata containers",
		Long: `stratactl inspects compound types and chunked datasets inside a strata
container stored on the local filesystem.`,
	}
	root.PersistentFlags().StringVarP(&rootDir, "root", "r", ".", "Container root directory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stratactl v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "type <name>",
		Short: "Show a committed compound type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(rootDir, verbose, func(ctx context.Context, c *strata.Container) error {
				return showType(ctx, c, args[0])
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "dataset <path>",
		Short: "Show a dataset's extent and element size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(rootDir, verbose, func(ctx context.Context, c *strata.Container) error {
				return showDataset(ctx, c, args[0])
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "blocks <path>",
		Short: "List a dataset's natural blocks in row-major order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(rootDir, verbose, func(ctx context.Context, c *strata.Container) error {
				return listBlocks(ctx, c, args[0])
			})
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withContainer(rootDir string, verbose bool, fn func(context.Context, *strata.Container) error) error {
	store, err := strata.NewFSStore(rootDir)
	if err != nil {
		return fmt.Errorf("open container root %s: %w", rootDir, err)
	}

	logger := zap.NewNop()
	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	ctx := context.Background()
	c := strata.Open(strata.NewStoreBackend(store),
		strata.WithLogger(logger),
		strata.WithSyncMode(strata.SyncNone))
	defer func() { _ = c.Close(ctx) }()

	return fn(ctx, c)
}

func showType(ctx context.Context, c *strata.Container, name string) error {
	ct, err := c.Types().LookupType(ctx, name)
	if err != nil {
		return fmt.Errorf("type %s: %w", name, err)
	}

	fmt.Printf("type %s (storage id %s, %d bytes)\n", name, ct.StorageID, ct.Stored.TotalSize)
	for _, m := range ct.Stored.Members {
		fmt.Printf("  %-20s offset=%-5d size=%-5d %s/%s", m.Name, m.Offset, m.Size, m.Kind, m.Primitive)
		if len(m.Dimensions) > 0 {
			fmt.Printf(" dims=%v", m.Dimensions)
		}
		if m.StringLength > 0 {
			fmt.Printf(" strlen=%d", m.StringLength)
		}
		if len(m.EnumSymbols) > 0 {
			fmt.Printf(" symbols=%v", m.EnumSymbols)
		}
		fmt.Println()
	}

	tags, err := c.Types().VariantTags(ctx, name)
	if err != nil {
		return err
	}
	for member, v := range tags {
		fmt.Printf("  variant %s: %s\n", member, v)
	}
	return nil
}

func showDataset(ctx context.Context, c *strata.Container, path string) error {
	extent, elemSize, err := c.Backend().DatasetExtent(ctx, path)
	if err != nil {
		return fmt.Errorf("dataset %s: %w", path, err)
	}

	fmt.Printf("dataset %s\n", path)
	fmt.Printf("  element size:   %d bytes\n", elemSize)
	fmt.Printf("  dimensions:     %v\n", extent.Dimensions)
	if len(extent.MaxDimensions) > 0 {
		fmt.Printf("  max dimensions: %s\n", formatMaxDims(extent.MaxDimensions))
	}
	if extent.Chunked() {
		fmt.Printf("  chunk shape:    %v\n", extent.ChunkShape)
		fmt.Printf("  natural blocks: %d\n", strata.NumBlocks(extent))
	} else {
		fmt.Printf("  chunk shape:    none (monolithic)\n")
	}
	return nil
}

func listBlocks(ctx context.Context, c *strata.Container, path string) error {
	it, err := c.NaturalBlocks(ctx, path)
	if err != nil {
		return fmt.Errorf("dataset %s: %w", path, err)
	}

	n := 0
	for it.Next(ctx) {
		b := it.Block()
		fmt.Printf("block %v offset=%v shape=%v (%d elements, %d bytes)\n",
			b.Index, b.Offset, b.Shape, b.NumElements(), len(b.Data))
		n++
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Printf("%d blocks\n", n)
	return nil
}

func formatMaxDims(dims []uint64) string {
	out := "["
	for i, d := range dims {
		if i > 0 {
			out += " "
		}
		if d == strata.Unlimited {
			out += "unlimited"
		} else {
			out += fmt.Sprintf("%d", d)
		}
	}
	return out + "]"
}
