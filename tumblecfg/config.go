package tumblecfg

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/tumblebit/tumbler/cycle"
	"github.com/tumblebit/tumbler/negotiation"
	"github.com/tumblebit/tumbler/promise"
	"github.com/tumblebit/tumbler/puzzle"
	"github.com/tumblebit/tumbler/solver"
)

const (
	// DefaultConfigFilename is the default configuration file name.
	DefaultConfigFilename = "tumbler.conf"

	// DefaultSessionDBFilename is the name of the negotiation checkpoint
	// database inside the network data directory.
	DefaultSessionDBFilename = "sessions.db"

	defaultDataDirname  = "data"
	defaultLogLevel     = "info"
	defaultDenomination = btcutil.SatoshiPerBitcoin / 10
)

var (
	// DefaultTumblerDir is the default directory holding the
	// configuration file and the data directory.
	DefaultTumblerDir = btcutil.AppDataDir("tumblebit", false)

	// DefaultConfigFile is the default full path of the configuration
	// file.
	DefaultConfigFile = filepath.Join(
		DefaultTumblerDir, DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultTumblerDir, defaultDataDirname)

	// ErrNetworkCount is returned when more or less than one network is
	// selected.
	ErrNetworkCount = errors.New("exactly one network must be selected")
)

// Tumbler holds the parameters published by the tumbler the client
// negotiates with.
//
//nolint:ll
type Tumbler struct {
	Denomination int64  `long:"denomination" description:"The amount in satoshis every tumbler escrow holds"`
	Fee          int64  `long:"fee" description:"The tumbler fee in satoshis paid on top of the denomination"`
	VoucherKey   string `long:"voucherkey" description:"Path to the PKCS#1 DER encoded RSA key the tumbler signs vouchers with, raw or hex"`
	ServerKey    string `long:"serverkey" description:"Path to the PKCS#1 DER encoded RSA key of the puzzle protocols, raw or hex"`

	RealPuzzleCount      int `long:"realpuzzles" description:"Number of real puzzles in the puzzle solver protocol"`
	FakePuzzleCount      int `long:"fakepuzzles" description:"Number of fake puzzles in the puzzle solver protocol"`
	RealTransactionCount int `long:"realtransactions" description:"Number of real transactions in the promise protocol"`
	FakeTransactionCount int `long:"faketransactions" description:"Number of fake transactions in the promise protocol"`
}

// Cycle holds the tumbler cycle schedule. All durations are in blocks.
//
//nolint:ll
type Cycle struct {
	FirstStart          uint32 `long:"firststart" description:"Height at which the first cycle starts"`
	RegistrationOverlap uint32 `long:"overlap" description:"Number of blocks two consecutive registration periods overlap"`

	Registration                uint32 `long:"registration" description:"Duration of the registration period"`
	ClientChannelEstablishment  uint32 `long:"clientchannel" description:"Duration of the client channel establishment period"`
	TumblerChannelEstablishment uint32 `long:"tumblerchannel" description:"Duration of the tumbler channel establishment period"`
	Payment                     uint32 `long:"payment" description:"Duration of the payment period"`
	ClientCashout               uint32 `long:"clientcashout" description:"Duration of the client cashout period"`
	TumblerCashout              uint32 `long:"tumblercashout" description:"Duration of the tumbler cashout period"`
	SafetyPeriod                uint32 `long:"safety" description:"Blocks added after a cashout period before its escrow can be refunded"`
}

// Generator returns the cycle generator described by the schedule.
func (c *Cycle) Generator() *cycle.Generator {
	return &cycle.Generator{
		RegistrationOverlap: c.RegistrationOverlap,
		FirstCycle: cycle.Parameters{
			Start:                               c.FirstStart,
			RegistrationDuration:                c.Registration,
			ClientChannelEstablishmentDuration:  c.ClientChannelEstablishment,
			TumblerChannelEstablishmentDuration: c.TumblerChannelEstablishment,
			PaymentPhaseDuration:                c.Payment,
			ClientCashoutDuration:               c.ClientCashout,
			TumblerCashoutDuration:              c.TumblerCashout,
			SafetyPeriodDuration:                c.SafetyPeriod,
		},
	}
}

// DB configures the negotiation checkpoint database.
//
//nolint:ll
type DB struct {
	Timeout time.Duration `long:"timeout" description:"How long to wait for the database lock before giving up"`
}

// Config holds the client configuration.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	TumblerDir string `long:"tumblerdir" description:"The base directory that contains the configuration file and the data directory"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the negotiation checkpoints within"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	MainNet  bool `long:"mainnet" description:"Use the main network"`
	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`

	Tumbler *Tumbler `group:"Tumbler" namespace:"tumbler"`
	Cycle   *Cycle   `group:"Cycle" namespace:"cycle"`
	DB      *DB      `group:"DB" namespace:"db"`

	// ActiveNetParams is the network selected by the flags above. It is
	// set by ValidateConfig.
	ActiveNetParams *chaincfg.Params `no-flag:"true"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	gen := cycle.DefaultGenerator(0)

	return Config{
		TumblerDir: DefaultTumblerDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		DebugLevel: defaultLogLevel,
		Tumbler: &Tumbler{
			Denomination:         int64(defaultDenomination),
			RealPuzzleCount:      solver.DefaultRealPuzzleCount,
			FakePuzzleCount:      solver.DefaultFakePuzzleCount,
			RealTransactionCount: promise.DefaultRealTransactionCount,
			FakeTransactionCount: promise.DefaultFakeTransactionCount,
		},
		Cycle: &Cycle{
			FirstStart:          gen.FirstCycle.Start,
			RegistrationOverlap: gen.RegistrationOverlap,
			Registration:        gen.FirstCycle.RegistrationDuration,
			ClientChannelEstablishment: gen.FirstCycle.
				ClientChannelEstablishmentDuration,
			TumblerChannelEstablishment: gen.FirstCycle.
				TumblerChannelEstablishmentDuration,
			Payment:        gen.FirstCycle.PaymentPhaseDuration,
			ClientCashout:  gen.FirstCycle.ClientCashoutDuration,
			TumblerCashout: gen.FirstCycle.TumblerCashoutDuration,
			SafetyPeriod:   gen.FirstCycle.SafetyPeriodDuration,
		},
		DB: &DB{
			Timeout: kvdb.DefaultDBTimeout,
		},
	}
}

// LoadConfig initializes and parses the config using a config file and the
// given command line arguments.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their tumbler dir, then we should assume they intend to
	// use the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.TumblerDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultTumblerDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided tumbler directory is not the default, the data
	// directory lives within it.
	tumblerDir := CleanAndExpandPath(cfg.TumblerDir)
	if tumblerDir != DefaultTumblerDir && cfg.DataDir == defaultDataDir {
		cfg.DataDir = filepath.Join(tumblerDir, defaultDataDirname)
	}

	cfg.TumblerDir = tumblerDir
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.Tumbler.VoucherKey = CleanAndExpandPath(cfg.Tumbler.VoucherKey)
	cfg.Tumbler.ServerKey = CleanAndExpandPath(cfg.Tumbler.ServerKey)

	var (
		numNets int
		params  *chaincfg.Params
	)
	for _, net := range []struct {
		active bool
		params *chaincfg.Params
	}{
		{cfg.MainNet, &chaincfg.MainNetParams},
		{cfg.TestNet3, &chaincfg.TestNet3Params},
		{cfg.RegTest, &chaincfg.RegressionNetParams},
		{cfg.SimNet, &chaincfg.SimNetParams},
		{cfg.SigNet, &chaincfg.SigNetParams},
	} {
		if net.active {
			numNets++
			params = net.params
		}
	}
	if numNets != 1 {
		return nil, fmt.Errorf("%w, got %d", ErrNetworkCount, numNets)
	}
	cfg.ActiveNetParams = params

	switch {
	case cfg.Tumbler.Denomination <= 0:
		return nil, fmt.Errorf("tumbler.denomination must be positive, "+
			"got %d", cfg.Tumbler.Denomination)

	case cfg.Tumbler.Fee < 0:
		return nil, fmt.Errorf("tumbler.fee must not be negative, "+
			"got %d", cfg.Tumbler.Fee)

	case cfg.DB.Timeout <= 0:
		return nil, fmt.Errorf("db.timeout must be positive, got %v",
			cfg.DB.Timeout)
	}

	if err := cfg.Cycle.Generator().Validate(); err != nil {
		return nil, fmt.Errorf("invalid cycle schedule: %w", err)
	}

	return &cfg, nil
}

// NegotiationParameters loads the tumbler keys and returns the parameters
// negotiations run with.
func (c *Config) NegotiationParameters() (*negotiation.Parameters, error) {
	voucherKey, err := LoadPuzzleKey(c.Tumbler.VoucherKey)
	if err != nil {
		return nil, fmt.Errorf("voucher key: %w", err)
	}
	serverKey, err := LoadPuzzleKey(c.Tumbler.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}

	params := &negotiation.Parameters{
		Network:              c.ActiveNetParams,
		Denomination:         btcutil.Amount(c.Tumbler.Denomination),
		Fee:                  btcutil.Amount(c.Tumbler.Fee),
		VoucherKey:           voucherKey,
		ServerKey:            serverKey,
		CycleGenerator:       c.Cycle.Generator(),
		RealPuzzleCount:      c.Tumbler.RealPuzzleCount,
		FakePuzzleCount:      c.Tumbler.FakePuzzleCount,
		RealTransactionCount: c.Tumbler.RealTransactionCount,
		FakeTransactionCount: c.Tumbler.FakeTransactionCount,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	return params, nil
}

// NetworkDir is the data directory of the active network.
func (c *Config) NetworkDir() string {
	return filepath.Join(
		c.DataDir, NormalizeNetwork(c.ActiveNetParams.Name),
	)
}

// SessionDBPath is the path of the negotiation checkpoint database.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.NetworkDir(), DefaultSessionDBFilename)
}

// LoadPuzzleKey reads a PKCS#1 DER encoded RSA public key from path. The
// file may hold the raw DER bytes or their hex encoding.
func LoadPuzzleKey(path string) (*puzzle.PublicKey, error) {
	if path == "" {
		return nil, errors.New("no key file given")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	der, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err == nil {
		return puzzle.ParsePublicKey(der)
	}

	return puzzle.ParsePublicKey(b)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// NormalizeNetwork returns the common name of a network type used to create
// file paths. This allows differently versioned networks to use the same
// path.
func NormalizeNetwork(network string) string {
	if strings.HasPrefix(network, "testnet") {
		return "testnet"
	}

	return network
}
