package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btclog/v2"
	"github.com/tumblebit/tumbler/build"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/negotiation"
	"github.com/tumblebit/tumbler/promise"
	"github.com/tumblebit/tumbler/sessiondb"
	"github.com/tumblebit/tumbler/solver"
	"github.com/tumblebit/tumbler/tumblecfg"
	"github.com/urfave/cli"
)

// logManager hands out the loggers of every subsystem the tool drives.
var logManager = build.NewSubLoggerManager(
	btclog.NewDefaultHandler(os.Stderr),
)

func init() {
	logManager.GenSubLogger(escrow.Subsystem, escrow.UseLogger)
	logManager.GenSubLogger(negotiation.Subsystem, negotiation.UseLogger)
	logManager.GenSubLogger(solver.Subsystem, solver.UseLogger)
	logManager.GenSubLogger(promise.Subsystem, promise.UseLogger)
	logManager.GenSubLogger(sessiondb.Subsystem, sessiondb.UseLogger)
	logManager.GenSubLogger(tumblecfg.Subsystem, tumblecfg.UseLogger)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[tumblecli] %v\n", err)
	os.Exit(1)
}

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Printf("%s\n", b)
}

// loadConfig reads the tumbler configuration, letting the global flags
// override the config file, and applies the configured log levels.
func loadConfig(ctx *cli.Context) (*tumblecfg.Config, error) {
	args := []string{
		"--tumblerdir=" + ctx.GlobalString("tumblerdir"),
	}
	if ctx.GlobalIsSet("configfile") {
		args = append(args, "--configfile="+ctx.GlobalString("configfile"))
	}
	if ctx.GlobalIsSet("debuglevel") {
		args = append(args, "--debuglevel="+ctx.GlobalString("debuglevel"))
	}

	switch network := ctx.GlobalString("network"); network {
	case "":

	case "mainnet", "testnet", "regtest", "simnet", "signet":
		args = append(args, "--"+network)

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}

	cfg, err := tumblecfg.LoadConfig(args)
	if err != nil {
		return nil, err
	}

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logManager)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "tumblecli"
	app.Version = build.Version() + " commit=" + build.Commit +
		" deployment=" + build.Deployment.String()
	app.Usage = "drive classic tumbler channel negotiations by hand"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "tumblerdir",
			Value:     tumblecfg.DefaultTumblerDir,
			Usage:     "The path to the tumbler client's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Usage:     "The path to the configuration file.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network the tumbler runs on, e.g. mainnet, " +
				"testnet, etc. Overrides the configuration file.",
		},
		cli.StringFlag{
			Name: "metricsfile",
			Usage: "Write the negotiation metrics of each step to " +
				"this file in the prometheus text format.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "debuglevel",
			Usage: "Logging level for all subsystems, or " +
				"<subsystem>=<level> pairs.",
		},
	}
	app.Commands = []cli.Command{
		cycleCommand,
		decodeEscrowCommand,
		newSessionCommand,
		listSessionsCommand,
		showSessionCommand,
		receiveVoucherCommand,
		receiveTumblerKeyCommand,
		fundPsbtCommand,
		setFundingCommand,
		checkSolutionCommand,
		receiveEscrowCommand,
		abandonCommand,
		showHandoffCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
