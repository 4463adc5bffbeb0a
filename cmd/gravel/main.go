package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/datnguyenzzz/gravel"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "get":
		err = getCmd(os.Args[2:])
	case "put":
		err = putCmd(os.Args[2:])
	case "delete":
		err = deleteCmd(os.Args[2:])
	case "scan":
		err = scanCmd(os.Args[2:])
	case "compact":
		err = compactCmd(os.Args[2:])
	case "stats":
		err = statsCmd(os.Args[2:])
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`gravel - ordered persistent key-value store

Usage:
  gravel <command> [options]

Commands:
  get       Read one key
  put       Set one key
  delete    Remove one key
  scan      List keys in order
  compact   Merge a key range down through the levels
  stats     Print store statistics
  help      Show this help

Examples:
  gravel put -db ./data -key user:42 -value alice
  gravel get -db ./data -key user:42
  gravel scan -db ./data -start user: -limit user;
  gravel compact -db ./data`)
}

// fileConfig mirrors the tunable subset of gravel.Options for the
// -config yaml file.
type fileConfig struct {
	WriteBufferSize     int64  `yaml:"write_buffer_size"`
	BlockSize           int    `yaml:"block_size"`
	CacheSize           int64  `yaml:"cache_size"`
	MaxOpenFiles        int    `yaml:"max_open_files"`
	FilterBitsPerKey    int    `yaml:"filter_bits_per_key"`
	Compression         string `yaml:"compression"`
	L0CompactionTrigger int    `yaml:"l0_compaction_trigger"`
	L0StopWritesTrigger int    `yaml:"l0_stop_writes_trigger"`
	MaxFileSize         uint64 `yaml:"max_file_size"`
	VerifyChecksums     bool   `yaml:"verify_checksums"`
	StrictWALRecovery   bool   `yaml:"strict_wal_recovery"`
	Verbose             bool   `yaml:"verbose"`
}

func loadOptions(configPath string, create bool) (*gravel.Options, error) {
	opts := &gravel.Options{CreateIfMissing: create}
	if configPath == "" {
		return opts, nil
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	opts.WriteBufferSize = cfg.WriteBufferSize
	opts.BlockSize = cfg.BlockSize
	opts.CacheSize = cfg.CacheSize
	opts.MaxOpenFiles = cfg.MaxOpenFiles
	opts.FilterBitsPerKey = cfg.FilterBitsPerKey
	opts.L0CompactionTrigger = cfg.L0CompactionTrigger
	opts.L0StopWritesTrigger = cfg.L0StopWritesTrigger
	opts.MaxFileSize = cfg.MaxFileSize
	opts.VerifyChecksums = cfg.VerifyChecksums
	opts.StrictWALRecovery = cfg.StrictWALRecovery

	switch cfg.Compression {
	case "", "snappy":
		opts.Compression = gravel.SnappyCompression
	case "zstd":
		opts.Compression = gravel.ZstdCompression
	case "none":
		opts.Compression = gravel.NoCompression
	default:
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}

	if cfg.Verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts.Logger = logger
	}
	return opts, nil
}

func openStore(fs *flag.FlagSet, args []string, create bool) (*gravel.DB, error) {
	dir := fs.String("db", "", "Store directory (required)")
	config := fs.String("config", "", "Path to a yaml options file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *dir == "" {
		return nil, errors.New("-db is required")
	}
	opts, err := loadOptions(*config, create)
	if err != nil {
		return nil, err
	}
	return gravel.Open(*dir, opts)
}

func getCmd(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	key := fs.String("key", "", "Key to read (required)")
	db, err := openStore(fs, args, false)
	if err != nil {
		return err
	}
	defer db.Close()
	if *key == "" {
		return errors.New("-key is required")
	}

	value, err := db.Get([]byte(*key), nil)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", value)
	return nil
}

func putCmd(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	key := fs.String("key", "", "Key to set (required)")
	value := fs.String("value", "", "Value to store")
	sync := fs.Bool("sync", true, "Sync the log before acknowledging")
	db, err := openStore(fs, args, true)
	if err != nil {
		return err
	}
	defer db.Close()
	if *key == "" {
		return errors.New("-key is required")
	}

	return db.Put([]byte(*key), []byte(*value), &gravel.WriteOptions{Sync: *sync})
}

func deleteCmd(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	key := fs.String("key", "", "Key to remove (required)")
	sync := fs.Bool("sync", true, "Sync the log before acknowledging")
	db, err := openStore(fs, args, false)
	if err != nil {
		return err
	}
	defer db.Close()
	if *key == "" {
		return errors.New("-key is required")
	}

	return db.Delete([]byte(*key), &gravel.WriteOptions{Sync: *sync})
}

func scanCmd(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	start := fs.String("start", "", "First key of the range, inclusive")
	limit := fs.String("limit", "", "Last key of the range, inclusive (empty scans to the end)")
	max := fs.Int("max", 0, "Stop after this many entries (0 is unlimited)")
	db, err := openStore(fs, args, false)
	if err != nil {
		return err
	}
	defer db.Close()

	it, err := db.NewIter(nil)
	if err != nil {
		return err
	}
	defer it.Close()

	var ok bool
	if *start != "" {
		ok = it.SeekGTE([]byte(*start))
	} else {
		ok = it.First()
	}
	n := 0
	for ; ok; ok = it.Next() {
		if *limit != "" && string(it.Key()) > *limit {
			break
		}
		fmt.Printf("%s\t%s\n", it.Key(), it.Value())
		n++
		if *max > 0 && n >= *max {
			break
		}
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", n)
	return it.Close()
}

func compactCmd(args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	start := fs.String("start", "", "First key of the range (empty is unbounded)")
	limit := fs.String("limit", "", "Last key of the range (empty is unbounded)")
	db, err := openStore(fs, args, false)
	if err != nil {
		return err
	}
	defer db.Close()

	var lo, hi []byte
	if *start != "" {
		lo = []byte(*start)
	}
	if *limit != "" {
		hi = []byte(*limit)
	}
	return db.Compact(lo, hi)
}

func statsCmd(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	db, err := openStore(fs, args, false)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, prop := range []string{
		"gravel.stats",
		"gravel.sstables",
		"gravel.approximate-memory-usage",
		"gravel.block-cache-stats",
		"gravel.num-snapshots",
	} {
		if v, ok := db.GetProperty(prop); ok {
			fmt.Printf("%s:\n%s\n", prop, v)
		}
	}
	return nil
}
