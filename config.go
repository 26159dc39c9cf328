// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/p2pd/p2pd/connmgr"
	"github.com/p2pd/p2pd/internal/log"
	"github.com/p2pd/p2pd/internal/version"
	"github.com/p2pd/p2pd/peer"
	"github.com/p2pd/p2pd/sampleconfig"
	"github.com/p2pd/p2pd/wire"
)

const (
	defaultConfigFilename = "p2pd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "p2pd.log"
	defaultTLSCertFile    = "p2pd.cert"
	defaultTLSKeyFile     = "p2pd.key"
	defaultBanDuration    = connmgr.DefaultBanDuration
	defaultBanSweep       = connmgr.DefaultBanSaveInterval
	defaultBanThreshold   = connmgr.DefaultBanThreshold
	defaultConnectTimeout = connmgr.DefaultDialTimeout
)

var (
	defaultHomeDir    = p2pdHomeDir()
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
	defaultCertFile   = filepath.Join(defaultHomeDir, defaultTLSCertFile)
	defaultKeyFile    = filepath.Join(defaultHomeDir, defaultTLSKeyFile)
)

// config defines the configuration options for p2pd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion      bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile       string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir          string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir           string        `long:"logdir" description:"Directory to log output."`
	DebugLevel       string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listeners        []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 8233, testnet: 18233, regtest: 18344)"`
	DisableListen    bool          `long:"nolisten" description:"Disable listening for incoming connections -- NOTE: Listening is automatically disabled if the --connect or --proxy options are used without also specifying listen interfaces via --listen"`
	ConnectPeers     []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	AddPeers         []string      `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	MaxInbound       int           `long:"maxinbound" description:"Max number of inbound peers before one is evicted for a new one"`
	MaxOutbound      int           `long:"maxoutbound" description:"Max number of automatic outbound peers"`
	MaxPerIP         int           `long:"maxperip" description:"Max number of inbound peers from a single IP -- 0 means no limit"`
	Whitelists       []string      `long:"whitelist" description:"Add an IP network or IP that will not be banned or evicted. (eg. 192.168.1.0/24 or ::1)"`
	BanDuration      time.Duration `long:"banduration" description:"How long to ban misbehaving peers.  Valid time units are {s, m, h}.  Minimum 1 second"`
	BanThreshold     uint32        `long:"banthreshold" description:"Maximum allowed ban score before disconnecting and banning misbehaving peers."`
	BanTimeSweep     time.Duration `long:"bantimesweep" description:"How often a changed ban list is written to disk"`
	TLS              bool          `long:"tls" description:"Encrypt peer connections with TLS"`
	TLSFallback      bool          `long:"tlsfallback" description:"Allow plaintext connections with peers that do not negotiate TLS"`
	TLSCert          string        `long:"tlscert" description:"File containing the TLS certificate"`
	TLSKey           string        `long:"tlskey" description:"File containing the TLS certificate key"`
	Proxy            string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser        string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass        string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	DisableDNSSeed   bool          `long:"nodnsseed" description:"Disable DNS and fixed seeding for peers"`
	ConnectTimeout   time.Duration `long:"timeout" description:"Timeout for a single outbound connection attempt"`
	FloodSize        int           `long:"floodsize" description:"Bytes of unprocessed received data after which reading from a peer pauses"`
	SendBuffer       int           `long:"sendbuffer" description:"Bytes of queued send data after which processing of a peer pauses"`
	MaxMsgSize       uint32        `long:"maxmsgsize" description:"Maximum payload size of a single message"`
	Processors       int           `long:"processors" description:"Number of message processing goroutines"`
	AcceptRate       float64       `long:"acceptrate" description:"Inbound connections accepted per second"`
	BestHeight       int32         `long:"bestheight" description:"Chain height used to schedule upgrade-aware eviction"`
	UpgradeHeight    int32         `long:"upgradeheight" description:"Height of the next network upgrade, overriding the built-in schedule"`
	UpgradeVersion   uint32        `long:"upgradeversion" description:"Minimum protocol version after --upgradeheight"`
	UpgradeLookahead int32         `long:"upgradelookahead" description:"Blocks before an upgrade during which peers below its version are evicted first"`
	MetricsListen    string        `long:"metricslisten" description:"Serve prometheus metrics on this interface/port (eg. 127.0.0.1:9233)"`
	TestNet          bool          `long:"testnet" description:"Use the test network"`
	RegressionTest   bool          `long:"regtest" description:"Use the regression test network"`

	whitelists []*net.IPNet
	upgrade    *connmgr.Upgrade
}

// p2pdHomeDir returns an OS appropriate home directory for p2pd.
func p2pdHomeDir() string {
	// Search for Windows APPDATA first.  This won't exist on POSIX OSes.
	appData := os.Getenv("APPDATA")
	if appData != "" {
		return filepath.Join(appData, "P2pd")
	}

	// Fall back to standard HOME directory that works for most POSIX OSes.
	home := os.Getenv("HOME")
	if home != "" {
		return filepath.Join(home, ".p2pd")
	}

	// In the worst case, use the current directory.
	return "."
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
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
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

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	for i, addr := range addrs {
		addrs[i] = normalizeAddress(addr, defaultPort)
	}

	return removeDuplicateAddresses(addrs)
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// createDefaultConfigFile writes the sample config to destPath, creating its
// directory as needed.
func createDefaultConfigFile(destPath string) error {
	err := os.MkdirAll(filepath.Dir(destPath), 0700)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte(sampleconfig.FileContents), 0600)
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// defaultConfig returns a config with default settings.
func defaultConfig() config {
	return config{
		ConfigFile:       defaultConfigFile,
		DebugLevel:       defaultLogLevel,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		MaxInbound:       connmgr.DefaultMaxInbound,
		MaxOutbound:      connmgr.DefaultMaxOutbound,
		BanDuration:      defaultBanDuration,
		BanThreshold:     defaultBanThreshold,
		BanTimeSweep:     defaultBanSweep,
		TLSCert:          defaultCertFile,
		TLSKey:           defaultKeyFile,
		ConnectTimeout:   defaultConnectTimeout,
		FloodSize:        peer.DefaultReceiveFloodSize,
		SendBuffer:       peer.DefaultSendBufferSize,
		MaxMsgSize:       wire.MaxMessagePayload,
		Processors:       connmgr.DefaultProcessors,
		AcceptRate:       connmgr.DefaultAcceptRate,
		UpgradeLookahead: connmgr.DefaultUpgradeLookahead,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in p2pd functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.  A
// missing config file is only an error when it was named explicitly.
func loadConfig(args []string) (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.String())
		os.Exit(0)
	}

	// Create the home directory and a commented default config file when
	// the default one does not exist yet.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(defaultConfigFile) {
		err := createDefaultConfigFile(defaultConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config "+
				"file: %v\n", err)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	funcName := "loadConfig"
	configError := func(err error) (*config, []string, error) {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// The two test networks can't be selected simultaneously.
	if cfg.TestNet && cfg.RegressionTest {
		str := "%s: the testnet and regtest params can't be used " +
			"together -- choose one of the two"
		return configError(fmt.Errorf(str, funcName))
	}

	// Choose the active network params based on the selected network.
	switch {
	case cfg.TestNet:
		activeNetParams = &testNetParams
	case cfg.RegressionTest:
		activeNetParams = &regressionNetParams
	default:
		activeNetParams = &mainNetParams
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.  The ban list and address database are
	// specific to a network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, activeNetParams.name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNetParams.name)
	cfg.TLSCert = cleanAndExpandPath(cfg.TLSCert)
	cfg.TLSKey = cleanAndExpandPath(cfg.TLSKey)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", log.SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	if err := log.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return configError(fmt.Errorf("%s: %w", funcName, err))
	}

	// Don't allow ban durations that are too short.
	if cfg.BanDuration < time.Second {
		str := "%s: the banduration option may not be less than 1s " +
			"-- parsed [%v]"
		return configError(fmt.Errorf(str, funcName, cfg.BanDuration))
	}
	if cfg.BanTimeSweep <= 0 {
		str := "%s: the bantimesweep option must be positive -- " +
			"parsed [%v]"
		return configError(fmt.Errorf(str, funcName, cfg.BanTimeSweep))
	}

	// Validate any given whitelisted IP addresses and networks.
	for _, addr := range cfg.Whitelists {
		ipnet, err := connmgr.ParseSubnet(addr)
		if err != nil {
			str := "%s: the whitelist value of '%s' is invalid"
			return configError(fmt.Errorf(str, funcName, addr))
		}
		cfg.whitelists = append(cfg.whitelists, ipnet)
	}

	// Peer limits must not be negative.
	if cfg.MaxInbound < 0 || cfg.MaxOutbound < 0 || cfg.MaxPerIP < 0 {
		str := "%s: the maxinbound, maxoutbound and maxperip options " +
			"may not be negative"
		return configError(fmt.Errorf(str, funcName))
	}
	if cfg.Processors < 1 {
		str := "%s: the processors option must be at least 1 -- " +
			"parsed [%d]"
		return configError(fmt.Errorf(str, funcName, cfg.Processors))
	}
	if cfg.MaxMsgSize == 0 || cfg.FloodSize < 1 || cfg.SendBuffer < 1 {
		str := "%s: the maxmsgsize, floodsize and sendbuffer options " +
			"must be positive"
		return configError(fmt.Errorf(str, funcName))
	}
	if cfg.AcceptRate <= 0 {
		str := "%s: the acceptrate option must be positive -- " +
			"parsed [%v]"
		return configError(fmt.Errorf(str, funcName, cfg.AcceptRate))
	}

	// --addpeer and --connect do not mix.
	if len(cfg.AddPeers) > 0 && len(cfg.ConnectPeers) > 0 {
		str := "%s: the --addpeer and --connect options can not be " +
			"mixed"
		return configError(fmt.Errorf(str, funcName))
	}

	// --tlsfallback requires --tls.
	if cfg.TLSFallback && !cfg.TLS {
		str := "%s: the --tlsfallback option requires --tls"
		return configError(fmt.Errorf(str, funcName))
	}

	// The upgrade override needs both a height and a version.
	if (cfg.UpgradeHeight != 0) != (cfg.UpgradeVersion != 0) {
		str := "%s: the --upgradeheight and --upgradeversion options " +
			"must be specified together"
		return configError(fmt.Errorf(str, funcName))
	}
	if cfg.UpgradeHeight != 0 {
		cfg.upgrade = &connmgr.Upgrade{
			Height:  cfg.UpgradeHeight,
			Version: cfg.UpgradeVersion,
		}
	}

	// --proxy or --connect without --listen disables listening.
	if (cfg.Proxy != "" || len(cfg.ConnectPeers) > 0) &&
		len(cfg.Listeners) == 0 {

		cfg.DisableListen = true
	}

	// Connect means no seeding.
	if len(cfg.ConnectPeers) > 0 {
		cfg.DisableDNSSeed = true
	}

	// Add the default listener if none were specified.  The default
	// listener is all addresses on the listen port for the network we are
	// to connect to.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", activeNetParams.defaultPort),
		}
	}

	// Add default port to all listener and peer addresses if needed and
	// remove duplicate addresses.
	cfg.Listeners = normalizeAddresses(cfg.Listeners,
		activeNetParams.defaultPort)
	cfg.AddPeers = normalizeAddresses(cfg.AddPeers,
		activeNetParams.defaultPort)
	cfg.ConnectPeers = normalizeAddresses(cfg.ConnectPeers,
		activeNetParams.defaultPort)
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			str := "%s: proxy address '%s' is invalid: %w"
			return configError(fmt.Errorf(str, funcName, cfg.Proxy, err))
		}
	}
	if cfg.MetricsListen != "" {
		_, _, err := net.SplitHostPort(cfg.MetricsListen)
		if err != nil {
			str := "%s: metrics listen address '%s' is invalid: %w"
			return configError(fmt.Errorf(str, funcName,
				cfg.MetricsListen, err))
		}
	}

	// Report a missing config file only after all other configuration is
	// done.  This prevents the error on help messages and invalid options.
	if configFileError != nil && preCfg.ConfigFile != defaultConfigFile {
		return configError(fmt.Errorf("%s: %w", funcName, configFileError))
	}

	return &cfg, remainingArgs, nil
}
