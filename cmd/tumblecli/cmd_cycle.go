package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tumblebit/tumbler/cycle"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/urfave/cli"
)

type period struct {
	Name  string `json:"name"`
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

type cycleInfo struct {
	Start           uint32   `json:"start"`
	Periods         []period `json:"periods"`
	ClientLockTime  uint32   `json:"client_lock_time"`
	TumblerLockTime uint32   `json:"tumbler_lock_time"`
	CurrentPeriod   string   `json:"current_period,omitempty"`
}

func newCycleInfo(params *cycle.Parameters) *cycleInfo {
	periods := params.Periods()

	info := &cycleInfo{
		Start:           params.Start,
		ClientLockTime:  params.ClientLockTime(),
		TumblerLockTime: params.TumblerLockTime(),
	}
	for i, p := range []cycle.Period{
		periods.Registration,
		periods.ClientChannelEstablishment,
		periods.TumblerChannelEstablishment,
		periods.Payment,
		periods.ClientCashout,
		periods.TumblerCashout,
	} {
		info.Periods = append(info.Periods, period{
			Name:  cycle.PeriodKind(i).String(),
			Start: p.Start,
			End:   p.End,
		})
	}

	return info
}

var cycleCommand = cli.Command{
	Name:      "cycle",
	Category:  "Schedule",
	Usage:     "Show the cycle registering at a block height.",
	ArgsUsage: "height",
	Description: `
	Show the schedule and escrow lock times of the most recent cycle whose
	registration period contains the given height. With --start the cycle
	starting at the given height is shown instead.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "start",
			Usage: "Treat the height as the start of a cycle.",
		},
	},
	Action: showCycle,
}

func showCycle(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "cycle")
	}

	height, err := strconv.ParseUint(ctx.Args().First(), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid height: %w", err)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	gen := cfg.Cycle.Generator()

	var params *cycle.Parameters
	if ctx.Bool("start") {
		if !gen.IsCycleStart(uint32(height)) {
			return fmt.Errorf("no cycle starts at height %d", height)
		}
		params = gen.GetCycle(uint32(height))
	} else {
		params, err = gen.RegistratingCycle(uint32(height))
		if err != nil {
			return err
		}
	}

	info := newCycleInfo(params)
	if kind, ok := params.PeriodAt(uint32(height)); ok {
		info.CurrentPeriod = kind.String()
	}

	printJSON(info)

	return nil
}

type escrowInfo struct {
	Initiator string `json:"initiator"`
	Receiver  string `json:"receiver"`
	LockTime  uint32 `json:"lock_time"`
	Script    string `json:"script"`
	PkScript  string `json:"pk_script"`
	Address   string `json:"address"`
}

func newEscrowInfo(params *escrow.Params,
	net *chaincfg.Params) (*escrowInfo, error) {

	script, err := params.Script()
	if err != nil {
		return nil, err
	}
	pkScript, err := escrow.WitnessScriptHash(script)
	if err != nil {
		return nil, err
	}

	// The witness program is the last 32 bytes of the pk script.
	addr, err := btcutil.NewAddressWitnessScriptHash(
		pkScript[2:], net,
	)
	if err != nil {
		return nil, err
	}

	return &escrowInfo{
		Initiator: hex.EncodeToString(
			params.Initiator.SerializeCompressed(),
		),
		Receiver: hex.EncodeToString(
			params.Receiver.SerializeCompressed(),
		),
		LockTime: params.LockTime,
		Script:   hex.EncodeToString(script),
		PkScript: hex.EncodeToString(pkScript),
		Address:  addr.EncodeAddress(),
	}, nil
}

var decodeEscrowCommand = cli.Command{
	Name:      "decodeescrow",
	Category:  "Schedule",
	Usage:     "Decode an escrow redeem script.",
	ArgsUsage: "script",
	Description: `
	Parse a hex encoded escrow script and show its keys, lock time and
	the address paying to it on the configured network.`,
	Action: decodeEscrow,
}

func decodeEscrow(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "decodeescrow")
	}

	script, err := hex.DecodeString(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid script: %w", err)
	}

	params, err := escrow.ParseScript(script)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	info, err := newEscrowInfo(params, cfg.ActiveNetParams)
	if err != nil {
		return err
	}

	printJSON(info)

	return nil
}
