package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "phoenix.conf"
	defaultLogFilename    = "phoenix.log"
	defaultDataDirname    = "data"
	defaultQueueSize      = 1
	defaultQueueDelay     = 5
	defaultRateSamples    = 10
	defaultDashboardAddr  = "127.0.0.1:7780"
)

// config defines the flags and config-file options wiring the work
// coordination core together. It deliberately stays thin: the config
// file parser's own machinery (go-flags' IniParse) is out of scope per
// §1; only the settings that feed the in-scope components live here.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	HomeDir    string `long:"homedir" description:"Directory to store data and logs"`

	URL       string `short:"u" long:"url" description:"Pool URL, mmp:// or http(s)://, credentials embedded" required:"true"`
	SubmitOld bool   `long:"submitold" description:"Submit solutions found on stale work units anyway"`

	QueueSize  int `long:"queuesize" description:"Target number of buffered work units" default:"1"`
	QueueDelay int `long:"queuedelay" description:"Seconds before expiry the queue tries to refill" default:"5"`

	RateSamples int `long:"ratesamples" description:"Sliding-window sample count for hash-rate averaging" default:"10"`

	Devices []string `short:"d" long:"device" description:"kerneltype:deviceid pair to mine with (repeatable); empty runs the cpu kernel on cpu:0"`
	Threads int      `long:"threads" description:"CPU kernel thread count override (0 = NumCPU)"`

	DashboardAddr     string `long:"dashboardaddr" description:"Status dashboard bind address" default:"127.0.0.1:7780"`
	DashboardUser     string `long:"dashboarduser" description:"Status dashboard basic-auth username"`
	DashboardPassword string `long:"dashboardpass" description:"Status dashboard basic-auth password (plaintext, hashed in memory at startup)"`

	Debug string `long:"debuglevel" description:"Logging level: trace, debug, info, warn, error, critical" default:"info"`

	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`
}

// defaultHomeDir mirrors the Decred-family convention of a per-OS
// application data directory rooted at the user's home directory.
func defaultHomeDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, ".phoenix")
}

// loadConfig parses the config file (if present) followed by the
// command line, command line flags taking precedence, matching the
// two-pass pattern used throughout the Decred tool family.
func loadConfig() (*config, error) {
	cfg := config{
		HomeDir:     defaultHomeDir(),
		QueueSize:   defaultQueueSize,
		QueueDelay:  defaultQueueDelay,
		RateSamples: defaultRateSamples,
		Debug:       "info",
	}

	// The preliminary pass only needs enough to locate the config file;
	// it is parsed with a separate, non-required struct so a bare
	// --homedir/--configfile invocation doesn't trip config's
	// required:"true" url tag before the config file has even been read.
	var preCfg struct {
		ConfigFile  string `short:"C" long:"configfile"`
		HomeDir     string `long:"homedir"`
		ShowVersion bool   `short:"V" long:"version"`
	}
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash|flags.IgnoreUnknown)
	if _, err := preParser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}
	if preCfg.ShowVersion {
		fmt.Println("phoenix", version())
		os.Exit(0)
	}

	if preCfg.HomeDir != "" {
		cfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)
	}
	configFile := filepath.Join(cfg.HomeDir, defaultConfigFilename)
	if preCfg.ConfigFile != "" {
		configFile = cleanAndExpandPath(preCfg.ConfigFile)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(configFile); err == nil {
		if err := flags.NewIniParser(parser).ParseFile(configFile); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("--url is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.QueueDelay <= 0 {
		cfg.QueueDelay = defaultQueueDelay
	}
	if cfg.RateSamples <= 0 {
		cfg.RateSamples = defaultRateSamples
	}
	if cfg.DashboardAddr == "" {
		cfg.DashboardAddr = defaultDashboardAddr
	}

	return &cfg, nil
}

// cleanAndExpandPath expands a leading ~ to the user's home directory
// and cleans the result, the same helper every Decred-family CLI carries.
func cleanAndExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
