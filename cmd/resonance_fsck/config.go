// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

const defaultConfigFilename = "resonanced.conf"

var defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)

// config defines the configuration options for resonance_fsck.  It mirrors
// the daemon's options so the daemon's config file parses cleanly; only the
// data directory and key file are used here.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir             string   `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion         bool     `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile          string   `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir             string   `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir              string   `long:"logdir" description:"Directory to log output."`
	TestNet             bool     `long:"testnet" description:"Use the test network"`
	DebugLevel          string   `short:"d" long:"debuglevel" description:"Logging level for all subsystems"`
	Listeners           []string `long:"listen" description:"Add an interface/port to listen for connections"`
	HTTPSCert           string   `long:"httpscert" description:"File containing the https certificate file"`
	HTTPSKey            string   `long:"httpskey" description:"File containing the https certificate key"`
	FeedHost            string   `long:"feedhost" description:"Hostname for the transfer feed server"`
	FeedCert            string   `long:"feedcert" description:"Certificate path for the transfer feed server"`
	RegistryHost        string   `long:"registryhost" description:"Hostname for the root registry server"`
	RegistryCert        string   `long:"registrycert" description:"Certificate path for the root registry server"`
	KeyFile             string   `long:"keyfile" description:"File containing the hex encoded master key"`
	APITokens           []string `long:"apitoken" description:"Token used to grant access to privileged API resources"`
	EnableRecordQueries bool     `long:"enablerecordqueries" description:"Allow clients holding an API token to retrieve decrypted records"`
	PollInterval        uint     `long:"pollinterval" description:"Seconds between transfer feed polls"`
	CommitSchedule      string   `long:"commitschedule" description:"Cron spec controlling commit and anchor runs"`
	TotalSupply         uint64   `long:"totalsupply" description:"Total token supply used by the burn rule"`
	BurnTarget          uint64   `long:"burntarget" description:"Amount burned once circulating supply reaches the total supply"`
	Version             string
}

// loadConfig initializes and parses the config using a config file.  A
// missing config file is fine, the tool then relies on its flags.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{}

	err := flags.IniParse(defaultConfigFile, &cfg)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return &cfg, nil
}
