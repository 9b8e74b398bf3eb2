// Command loom compiles transformer decoder checkpoints into
// tensor-parallel artifacts and runs greedy generation or latency
// benchmarks against them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/compiler"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/tokenizer"
)

var (
	logLevel    string
	logFormat   string
	metricsAddr string

	batchSize        int64
	maxContext       int64
	maxNew           int64
	tpDegree         int64
	warmupIters      int64
	onDeviceSampling bool

	checkpointPath string
	configPath     string
	artifactPath   string
	tokenizerPath  string
	vocabOnly      bool

	prompts    []string
	iterations int64
)

func buildRunner() config.Runner {
	return config.Runner{
		BatchSize:        int(batchSize),
		MaxContextLen:    int(maxContext),
		MaxNewTokens:     int(maxNew),
		TPDegree:         int(tpDegree),
		OnDeviceSampling: onDeviceSampling,
		WarmupIters:      int(warmupIters),
	}
}

func shapeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "batch",
			Usage:       "batch size the artifact is specialized for",
			Value:       1,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Usage:       "maximum prompt length in tokens",
			Value:       512,
			Destination: &maxContext,
		},
		&cli.Int64Flag{
			Name:        "max-new",
			Usage:       "maximum tokens generated per prompt",
			Value:       128,
			Destination: &maxNew,
		},
		&cli.Int64Flag{
			Name:        "tp",
			Usage:       "tensor parallel degree",
			Value:       1,
			Destination: &tpDegree,
		},
		&cli.BoolFlag{
			Name:        "on-device-sampling",
			Usage:       "keep greedy selection on the workers (vocab-parallel argmax)",
			Value:       true,
			Destination: &onDeviceSampling,
		},
	}
}

func artifactFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "artifact",
		Usage:       "artifact bundle directory",
		Required:    true,
		Destination: &artifactPath,
	}
}

func promptFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:        "prompt",
		Usage:       "prompt text (repeat up to the artifact's batch size)",
		Required:    true,
		Destination: &prompts,
	}
}

func tokenizerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "path to tokenizer.json",
			Required:    true,
			Destination: &tokenizerPath,
		},
		&cli.BoolFlag{
			Name:        "vocab-only",
			Usage:       "use the pure-Go greedy vocab tokenizer instead of the native backend",
			Destination: &vocabOnly,
		},
	}
}

func setup() {
	logger.Setup(logLevel, logFormat)
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Log.Error("metrics server stopped", "error", err)
			}
		}()
	}
}

// openCheckpoint loads a local directory or streams from an Arrow
// Flight weight store (flight://host:port/name, config supplied
// separately).
func openCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	if !checkpoint.IsFlightURI(checkpointPath) {
		return checkpoint.Load(checkpointPath)
	}
	if configPath == "" {
		return nil, fmt.Errorf("remote checkpoints need --config (the store serves tensors only)")
	}
	cfg, err := model.Load(configPath)
	if err != nil {
		return nil, err
	}
	return checkpoint.LoadRemote(ctx, checkpointPath, cfg)
}

func compileCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Usage:       "checkpoint directory or flight:// uri",
			Required:    true,
			Destination: &checkpointPath,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config.json path (remote checkpoints only)",
			Destination: &configPath,
		},
		artifactFlag(),
	}
	flags = append(flags, shapeFlags()...)

	return &cli.Command{
		Name:  "compile",
		Usage: "Specialize a checkpoint into a tensor-parallel artifact",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			setup()
			ckpt, err := openCheckpoint(ctx)
			if err != nil {
				return err
			}

			runner := buildRunner()
			bar := progressbar.NewOptions(runner.TPDegree,
				progressbar.OptionSetDescription("Slicing ranks"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
			)
			m, err := compiler.Trace(ctx, ckpt, runner, artifactPath, compiler.Options{
				Progress: func(rank, total int) { _ = bar.Add(1) },
			})
			if err != nil {
				return err
			}
			_ = bar.Finish()
			fmt.Println()
			fmt.Printf("artifact %s (%s), %d shard(s)\n", artifactPath, m.Signature.String(), len(m.Shards))
			return nil
		},
	}
}

func runCommand() *cli.Command {
	flags := []cli.Flag{artifactFlag(), promptFlag()}
	flags = append(flags, tokenizerFlags()...)
	flags = append(flags, shapeFlags()...)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate greedily from a compiled artifact",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			setup()
			m, tok, err := loadModel()
			if err != nil {
				return err
			}
			defer m.Close()
			defer tok.Close()

			res, err := m.Generate(ctx, prompts)
			if err != nil {
				return err
			}
			for i, text := range res.Texts {
				fmt.Printf("[%d] (%d tokens) %s\n", i, len(res.TokenIDs[i]), text)
			}
			return nil
		},
	}
}

func benchCommand() *cli.Command {
	flags := []cli.Flag{
		artifactFlag(),
		promptFlag(),
		&cli.Int64Flag{
			Name:        "iters",
			Usage:       "measured iterations",
			Value:       10,
			Destination: &iterations,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "warm-up iterations excluded from the stats",
			Value:       2,
			Destination: &warmupIters,
		},
	}
	flags = append(flags, tokenizerFlags()...)
	flags = append(flags, shapeFlags()...)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure end-to-end generation latency",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			setup()
			m, tok, err := loadModel()
			if err != nil {
				return err
			}
			defer m.Close()
			defer tok.Close()

			stats, err := m.Benchmark(ctx, prompts, int(iterations))
			if err != nil {
				return err
			}
			fmt.Println(stats.String())
			return nil
		},
	}
}

// loadModel opens the tokenizer then the artifact, so a bad tokenizer
// path fails before the expensive shard load. The eos id comes from the
// artifact's embedded model config; -1 tells the adapter to defer.
func loadModel() (*engine.LoadedModel, tokenizer.Adapter, error) {
	var tok tokenizer.Adapter
	var err error
	if vocabOnly {
		tok, err = tokenizer.LoadVocab(tokenizerPath, -1)
	} else {
		tok, err = tokenizer.NewHF(tokenizerPath, -1)
	}
	if err != nil {
		return nil, nil, err
	}
	m, err := engine.Load(artifactPath, buildRunner(), tok)
	if err != nil {
		tok.Close()
		return nil, nil, err
	}
	return m, tok, nil
}

func main() {
	cmd := &cli.Command{
		Name:  "loom",
		Usage: "Tensor-parallel transformer decoder runner",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "trace, debug, info, warn, or error",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "console or json",
				Value:       "console",
				Destination: &logFormat,
			},
			&cli.StringFlag{
				Name:        "metrics",
				Usage:       "address to serve Prometheus metrics on (empty = disabled)",
				Destination: &metricsAddr,
			},
		},
		Commands: []*cli.Command{
			compileCommand(),
			runCommand(),
			benchCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var le *artifact.LoadError
		if errors.As(err, &le) {
			fmt.Fprintln(os.Stderr, "Hint: recompile the artifact for this shape, or match the flags it was compiled with.")
		}
		os.Exit(1)
	}
}
