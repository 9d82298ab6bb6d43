// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v3"
	flags "github.com/jessevdk/go-flags"

	"github.com/tryfinity/resonance/resonanced/ledger"
	"github.com/tryfinity/resonance/resonanced/reconciler"
)

const (
	defaultConfigFilename = "resonanced.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "resonanced.log"
	defaultKeyFilename    = "master.key"

	defaultMainnetPort = "49170"
	defaultTestnetPort = "59170"
)

var (
	defaultHomeDir       = dcrutil.AppDataDir("resonanced", false)
	defaultConfigFile    = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir       = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultHTTPSKeyFile  = filepath.Join(defaultHomeDir, "https.key")
	defaultHTTPSCertFile = filepath.Join(defaultHomeDir, "https.cert")
	defaultLogDir        = filepath.Join(defaultHomeDir, defaultLogDirname)
	defaultKeyFile       = filepath.Join(defaultHomeDir, defaultKeyFilename)
)

// netParams couples the human readable network name with the default port
// the daemon listens on.  Data and log directories are namespaced by the
// network name.
type netParams struct {
	Name        string
	DefaultPort string
}

var (
	mainNetParams = netParams{Name: "mainnet", DefaultPort: defaultMainnetPort}
	testNetParams = netParams{Name: "testnet", DefaultPort: defaultTestnetPort}

	activeNetParams = &mainNetParams
)

// config defines the configuration options for resonanced.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir             string   `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion         bool     `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile          string   `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir             string   `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir              string   `long:"logdir" description:"Directory to log output."`
	TestNet             bool     `long:"testnet" description:"Use the test network"`
	DebugLevel          string   `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listeners           []string `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 49170, testnet: 59170)"`
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

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// filesExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	for i, addr := range addrs {
		addrs[i] = normalizeAddress(addr, defaultPort)
	}

	return removeDuplicateAddresses(addrs)
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// removeDuplicateAddresses returns a new slice with all duplicate entries in
// addrs removed.
func removeDuplicateAddresses(addrs []string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, val := range addrs {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = struct{}{}
		}
	}
	return result
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//
//	1) Start with a default config with sane settings
//	2) Pre-parse the command line to check for an alternative config file
//	3) Load configuration file overwriting defaults with any specified
//	   options
//	4) Parse CLI options and overwrite/add any specified options
//
// The above results in resonanced functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:        defaultHomeDir,
		ConfigFile:     defaultConfigFile,
		DebugLevel:     defaultLogLevel,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		HTTPSKey:       defaultHTTPSKeyFile,
		HTTPSCert:      defaultHTTPSCertFile,
		KeyFile:        defaultKeyFile,
		PollInterval:   uint(reconciler.DefaultPollInterval / time.Second),
		CommitSchedule: reconciler.DefaultCommitSchedule,
		TotalSupply:    ledger.DefaultTotalSupply,
		BurnTarget:     ledger.DefaultBurnTarget,
		Version:        version(),
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory for resonanced if specified.  Since the
	// home directory is updated, other variables need to be updated to
	// reflect the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(preCfg.HomeDir)

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.HTTPSKey == defaultHTTPSKeyFile {
			cfg.HTTPSKey = filepath.Join(cfg.HomeDir, "https.key")
		} else {
			cfg.HTTPSKey = preCfg.HTTPSKey
		}
		if preCfg.HTTPSCert == defaultHTTPSCertFile {
			cfg.HTTPSCert = filepath.Join(cfg.HomeDir, "https.cert")
		} else {
			cfg.HTTPSCert = preCfg.HTTPSCert
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
		if preCfg.KeyFile == defaultKeyFile {
			cfg.KeyFile = filepath.Join(cfg.HomeDir, defaultKeyFilename)
		} else {
			cfg.KeyFile = preCfg.KeyFile
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n",
				err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: Failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Select the network.
	if cfg.TestNet {
		activeNetParams = &testNetParams
	}

	// Append the network type to the data directory so it is "namespaced"
	// per network.  This is important because it prevents mixing data from
	// different networks.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, activeNetParams.Name)

	// Append the network type to the log directory so it is "namespaced"
	// per network in the same fashion as the data directory.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNetParams.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// The daemon cannot reconcile without its external endpoints.
	if cfg.FeedHost == "" {
		err := fmt.Errorf("%s: feedhost must be set", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if cfg.RegistryHost == "" {
		err := fmt.Errorf("%s: registryhost must be set", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if cfg.PollInterval == 0 {
		err := fmt.Errorf("%s: pollinterval must not be zero", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.BurnTarget >= cfg.TotalSupply {
		err := fmt.Errorf("%s: burntarget %v must be smaller than "+
			"totalsupply %v", funcName, cfg.BurnTarget, cfg.TotalSupply)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Add the default listener if none were specified.  The default
	// listener is all addresses on the listen port for the network we are
	// to connect to.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", activeNetParams.DefaultPort),
		}
	}

	// Add default port to all listener addresses if needed and remove
	// duplicate addresses.
	cfg.Listeners = normalizeAddresses(cfg.Listeners,
		activeNetParams.DefaultPort)

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
