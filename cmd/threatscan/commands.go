package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"threatscan/internal/dataio"
	"threatscan/internal/model"
	"threatscan/internal/pipeline"
	"threatscan/internal/runner"
)

func newApp() *cli.Command {
	app := &cli.Command{
		Name:  "threatscan",
		Usage: "Cached body-scan threat detection pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "cache-dir", Usage: "root of the result cache"},
			&cli.StringFlag{Name: "data-dir", Usage: "root of the partitioned input data"},
			&cli.IntFlag{Name: "seed", Usage: "fixed seed for every random generator (0 uses the wall clock)"},
		},
		Commands: []*cli.Command{
			runCommand(),
			fingerprintsCommand(),
			lsCommand(),
			historyCommand(),
			invalidateCommand(),
			synthCommand(),
		},
	}
	for _, cmd := range app.Commands {
		sort.Slice(cmd.Flags, func(i, j int) bool {
			return cmd.Flags[i].Names()[0] < cmd.Flags[j].Names()[0]
		})
	}
	return app
}

func stageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: string(dataio.SampleTrain), Usage: "data mode"},
		&cli.IntFlag{Name: "size", Value: 250, Usage: "global image size"},
		&cli.BoolFlag{Name: "symmetric", Usage: "use the symmetric global images"},
	}
}

func runArgs(cmd *cli.Command) (pipeline.RunArgs, error) {
	mode, err := dataio.ParseMode(cmd.String("mode"))
	if err != nil {
		return pipeline.RunArgs{}, err
	}
	return pipeline.RunArgs{Mode: mode, Size: cmd.Int("size"), Symmetric: cmd.Bool("symmetric")}, nil
}

func stageArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", fmt.Errorf("expected exactly one stage name")
	}
	return cmd.Args().First(), nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a stage, reusing every cached upstream result",
		ArgsUsage: "<stage>",
		Flags:     stageFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := stageArg(cmd)
			if err != nil {
				return err
			}
			args, err := runArgs(cmd)
			if err != nil {
				return err
			}
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			entry, err := e.pipe.Entry(name)
			if err != nil {
				return err
			}
			start := time.Now()
			res, err := entry.Run(ctx, args)
			if err != nil {
				return err
			}
			id, err := entry.Identity(args)
			if err != nil {
				return err
			}
			dir, err := e.store.Dir(name, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "%s %s (%s)\n", name, short(id), time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(out(cmd), "  run:    %s\n", e.pipe.Registry().RunID())
			fmt.Fprintf(out(cmd), "  dir:    %s\n", dir)
			fmt.Fprintf(out(cmd), "  result: %s\n", describe(res))
			return nil
		},
	}
}

// describe summarizes a stage result on one line.
func describe(res any) string {
	switch r := res.(type) {
	case runner.ArrayPair:
		parts := []string{fmt.Sprintf("x%v", r.X.Shape())}
		if r.Y != nil {
			parts = append(parts, fmt.Sprintf("y%v", r.Y.Shape()))
		}
		if r.IDs != nil {
			parts = append(parts, fmt.Sprintf("%d ids", len(r.IDs)))
		}
		return strings.Join(parts, " ")
	case model.Model:
		return fmt.Sprintf("model %T", r)
	case dataio.Predictions:
		return fmt.Sprintf("predictions for %d scans", len(r))
	case pipeline.Answer:
		s := fmt.Sprintf("%s with %d rows for %d scans", r.File, r.Rows, r.Scans)
		if r.Clipped {
			s += " (clipped)"
		}
		return s
	default:
		return fmt.Sprintf("%v", r)
	}
}

func fingerprintsCommand() *cli.Command {
	return &cli.Command{
		Name:  "fingerprints",
		Usage: "Print every registered stage with its version and fingerprint",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			reg := e.pipe.Registry()
			tw := newTable(out(cmd), "STAGE", "VERSION", "DEPS", "FINGERPRINT")
			for _, s := range reg.Stages() {
				fp, err := reg.Fingerprint(s)
				if err != nil {
					return err
				}
				deps := make([]string, 0, len(s.Dependencies()))
				for _, d := range s.Dependencies() {
					deps = append(deps, d.Name())
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Name(), s.Version(), orDash(strings.Join(deps, ",")), fp)
			}
			return tw.Flush()
		},
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ls",
		Usage: "List cached working directories",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stage", Usage: "only list this stage"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.store.List(cmd.String("stage"))
			if err != nil {
				return err
			}
			tw := newTable(out(cmd), "STAGE", "IDENTITY", "VERSION", "COMPLETE", "CREATED", "ARGS")
			for _, en := range entries {
				created := "-"
				if !en.CreatedAt.IsZero() {
					created = humanize.Time(en.CreatedAt)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\t%s\n", en.Stage, short(en.Identity), en.Version, en.Complete, created, orDash(string(en.Args)))
			}
			return tw.Flush()
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show the ledger of cached calls",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stage", Usage: "only show this stage"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.ledger.List(ctx, cmd.String("stage"))
			if err != nil {
				return err
			}
			tw := newTable(out(cmd), "AT", "RUN", "STAGE", "IDENTITY", "STATUS", "DURATION", "ERROR")
			for _, en := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					en.At.Format(time.RFC3339), short(en.RunID), en.Stage, short(en.Identity),
					en.Status, en.Duration.Round(time.Millisecond), orDash(en.Error))
			}
			return tw.Flush()
		},
	}
}

func invalidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "invalidate",
		Usage:     "Remove the cached result of a stage for the given arguments",
		ArgsUsage: "<stage>",
		Flags:     stageFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := stageArg(cmd)
			if err != nil {
				return err
			}
			args, err := runArgs(cmd)
			if err != nil {
				return err
			}
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			entry, err := e.pipe.Entry(name)
			if err != nil {
				return err
			}
			id, err := entry.Identity(args)
			if err != nil {
				return err
			}
			if err := entry.Invalidate(args); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "removed %s %s\n", name, short(id))
			return nil
		},
	}
}

func synthCommand() *cli.Command {
	return &cli.Command{
		Name:  "synth",
		Usage: "Write a small synthetic dataset in the partitioned layout",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "output root (defaults to the data dir)"},
			&cli.IntFlag{Name: "size", Value: 8, Usage: "global image size"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			root := cmd.String("out")
			if root == "" {
				root = cmd.String("data-dir")
			}
			if root == "" {
				root = "data"
			}
			cfg := dataio.DefaultSynthConfig()
			cfg.Sizes = []int{cmd.Int("size")}
			if seed := cmd.Int("seed"); seed > 0 {
				cfg.Seed = uint64(seed)
			}
			if err := os.MkdirAll(root, 0o755); err != nil {
				return err
			}
			if err := dataio.Synthesize(root, cfg); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "synthetic data written to %s\n", root)
			return nil
		},
	}
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return orDash(id)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
