package main

// dataset_gen.go is a tiny helper utility to generate deterministic
// payload corpora for standalone benchmarking of depot (outside
// `go test`).  It writes N files of pseudo-random bytes whose sizes
// follow a uniform or zipf distribution, ready to be fed to a load
// tester hitting a depot-backed service.
//
// Usage:
//   go run ./tools/dataset_gen -n 10000 -dist=zipf -seed=42 -out corpus/
//
// Flags:
//   -n       number of payloads to generate (default 10000)
//   -min     minimum payload size in bytes (default 256)
//   -max     maximum payload size in bytes (default 262144)
//   -dist    size distribution: "uniform" or "zipf" (default uniform)
//   -zipfs   Zipf s parameter (>1)  (default 1.2)
//   -zipfv   Zipf v parameter (>0)  (default 1.0)
//   -seed    RNG seed (default current time)
//   -out     output directory (required)
//
// The program is *embarassingly simple* but placed under version control
// so that any contributor can regenerate the exact corpus used in
// performance regression hunting.
//
// © 2025 depot authors. MIT License.

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

func main() {
	var (
		n       = flag.Int("n", 10_000, "number of payloads to generate")
		minSize = flag.Int64("min", 256, "minimum payload size in bytes")
		maxSize = flag.Int64("max", 256<<10, "maximum payload size in bytes")
		dist    = flag.String("dist", "uniform", "size distribution: uniform or zipf")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>0)")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outDir  = flag.String("out", "", "output directory (required)")
	)
	flag.Parse()

	if *outDir == "" {
		fmt.Fprintln(os.Stderr, "-out is required")
		os.Exit(1)
	}
	if *minSize <= 0 || *maxSize < *minSize {
		fmt.Fprintln(os.Stderr, "need 0 < min <= max")
		os.Exit(1)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seedVal))

	var sizeFor func() int64
	span := uint64(*maxSize - *minSize)
	switch *dist {
	case "uniform":
		sizeFor = func() int64 { return *minSize + int64(rnd.Uint64()%(span+1)) }
	case "zipf":
		if *zipfS <= 1.0 || *zipfV <= 0 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >0")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, span)
		sizeFor = func() int64 { return *minSize + int64(z.Uint64()) }
	default:
		fmt.Fprintf(os.Stderr, "unknown distribution %q\n", *dist)
		os.Exit(1)
	}

	buf := make([]byte, *maxSize)
	var total int64
	for i := 0; i < *n; i++ {
		size := sizeFor()
		rnd.Read(buf[:size])
		path := filepath.Join(*outDir, fmt.Sprintf("payload-%06d.bin", i))
		if err := os.WriteFile(path, buf[:size], 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		total += size
	}
	fmt.Printf("wrote %d payloads, %d bytes total, seed %d\n", *n, total, *seedVal)
}
