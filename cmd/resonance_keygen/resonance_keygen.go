// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

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

	out = flag.String("out", filepath.Join(defaultHomeDir, "master.key"),
		"Key file destination")
	force = flag.Bool("force", false, "Overwrite an existing key file")
)

func _main() error {
	flag.Parse()

	// Overwriting a live key orphans every record sealed under it.
	if !*force {
		if _, err := os.Stat(*out); err == nil {
			return fmt.Errorf("%v exists, use -force to overwrite",
				*out)
		}
	}

	key, err := store.GenerateMasterKey()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0700); err != nil {
		return err
	}
	if err := store.SaveMasterKey(*out, key); err != nil {
		return err
	}

	fmt.Printf("Master key written to %v\n", *out)
	fmt.Printf("Keep a copy somewhere safe, sealed records cannot be " +
		"recovered without it\n")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
