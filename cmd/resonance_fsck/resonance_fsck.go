package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v3"
	"github.com/tryfinity/resonance/resonanced/store"
)

var (
	defaultHomeDir = dcrutil.AppDataDir("resonanced", false)

	file        = flag.String("file", "", "journal of modifications if used (will be written despite -fix)")
	fix         = flag.Bool("fix", false, "Try to correct correctable failures")
	printHashes = flag.Bool("printhashes", false, "Print all record ids and digests")
	fsRoot      = flag.String("source", "", "Source directory")
	keyFile     = flag.String("keyfile", "", "File containing the hex encoded master key")
	testnet     = flag.Bool("testnet", false, "Use testnet directory")
	verbose     = flag.Bool("v", false, "Print more information during run")
)

func _main() error {
	flag.Parse()

	// The daemon config file supplies defaults for the data directory and
	// key file when present.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	network := "mainnet"
	if *testnet {
		network = "testnet"
	}

	root := *fsRoot
	if root == "" {
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = filepath.Join(defaultHomeDir, "data")
		}
		root = filepath.Join(dataDir, network, "store")
	}

	kf := *keyFile
	if kf == "" {
		kf = cfg.KeyFile
		if kf == "" {
			kf = filepath.Join(defaultHomeDir, "master.key")
		}
	}

	fmt.Printf("=== Root: %v\n", root)

	masterKey, err := store.LoadMasterKey(kf)
	if err != nil {
		return err
	}

	s, err := store.New(root, masterKey)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Fsck(&store.FsckOptions{
		Verbose:     *verbose,
		PrintHashes: *printHashes,
		Fix:         *fix,
		File:        *file,
	})
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
