// Command loom-inspect prints the manifest of a compiled artifact
// bundle: its shape signature, embedded model config, and shard files.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/loomworks/loom/internal/artifact"
)

var (
	path    = flag.String("artifact", "", "Path to artifact bundle directory")
	verify  = flag.Bool("verify", false, "Verify shard checksums (reads every shard)")
	tensors = flag.Bool("tensors", false, "List tensor names and shapes per rank")
)

func main() {
	flag.Parse()
	if *path == "" {
		fmt.Fprintln(os.Stderr, "Error: --artifact is required")
		flag.Usage()
		os.Exit(1)
	}

	art, err := artifact.Open(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	m := art.Manifest
	fmt.Printf("artifact:   %s\n", *path)
	fmt.Printf("format:     v%d, created %s\n", m.FormatVersion, m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("signature:  %s\n", m.Signature.String())
	fmt.Printf("sampling:   on_device=%v\n", m.OnDeviceSampling)
	fmt.Printf("model:      layers=%d dim=%d heads=%d kv_heads=%d vocab=%d\n",
		m.Model.Layers, m.Model.Dim, m.Model.Heads, m.Model.KVHeads, m.Model.VocabSize)
	for _, s := range m.Shards {
		fmt.Printf("shard %02d:   %s  %d bytes  xxh3=%s\n", s.Rank, s.File, s.Bytes, s.Checksum)
	}

	if !*verify && !*tensors {
		return
	}
	for _, s := range m.Shards {
		loaded, err := art.LoadRank(s.Rank)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: rank %d: %v\n", s.Rank, err)
			os.Exit(1)
		}
		fmt.Printf("rank %02d:    %d tensors ok\n", s.Rank, len(loaded))
		if *tensors {
			names := make([]string, 0, len(loaded))
			for name := range loaded {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				t := loaded[name]
				fmt.Printf("  %-60s [%d, %d]\n", name, t.Rows, t.Cols)
			}
		}
	}
}
