package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/monitoring"
	"github.com/tumblebit/tumbler/negotiation"
	"github.com/tumblebit/tumbler/promise"
	"github.com/tumblebit/tumbler/puzzle"
	"github.com/tumblebit/tumbler/sessiondb"
	"github.com/tumblebit/tumbler/solver"
	"github.com/tumblebit/tumbler/tumblecfg"
	"github.com/urfave/cli"
)

type sessionInfo struct {
	ID            string      `json:"id"`
	Phase         string      `json:"phase"`
	CycleStart    uint32      `json:"cycle_start"`
	ClientEscrow  *escrowInfo `json:"client_escrow,omitempty"`
	TumblerEscrow *escrowInfo `json:"tumbler_escrow,omitempty"`
}

func newSessionInfo(cfg *tumblecfg.Config, id sessiondb.SessionID,
	state negotiation.State) (*sessionInfo, error) {

	info := &sessionInfo{
		ID:         id.String(),
		Phase:      state.Phase().String(),
		CycleStart: negotiation.CycleStart(state),
	}

	if params, ok := negotiation.ClientEscrow(state); ok {
		escrowInfo, err := newEscrowInfo(&params, cfg.ActiveNetParams)
		if err != nil {
			return nil, err
		}
		info.ClientEscrow = escrowInfo
	}

	if st, ok := state.(*negotiation.StatePromisePhase); ok {
		escrowInfo, err := newEscrowInfo(
			&st.TumblerEscrow, cfg.ActiveNetParams,
		)
		if err != nil {
			return nil, err
		}
		info.TumblerEscrow = escrowInfo
	}

	return info, nil
}

func openStore(cfg *tumblecfg.Config) (*sessiondb.Store, error) {
	return sessiondb.Open(cfg.SessionDBPath(), cfg.DB.Timeout)
}

// sessionEnv is what the steps of a stored negotiation run against.
type sessionEnv struct {
	cfg    *tumblecfg.Config
	params *negotiation.Parameters
	store  *sessiondb.Store
	id     sessiondb.SessionID
	opts   []negotiation.Option
}

// negotiationStep moves a negotiation forward and returns the response to
// print.
type negotiationStep func(
	n *negotiation.ClientNegotiation) (interface{}, error)

// runStep restores the negotiation of the session and runs step on it. The
// new checkpoint is stored only once step returns without error, after any
// hand-off record step stored.
func (e *sessionEnv) runStep(step negotiationStep) (interface{}, error) {
	state, err := e.store.Fetch(e.id)
	if err != nil {
		return nil, err
	}

	n, err := negotiation.Restore(e.params, state, e.opts...)
	if err != nil {
		return nil, err
	}

	resp, err := step(n)
	if err != nil {
		return nil, err
	}

	if err := e.store.Put(e.id, n.Checkpoint()); err != nil {
		return nil, err
	}

	return resp, nil
}

// writeMetrics writes the metrics gathered by g to path in the prometheus
// text format, for the node exporter's textfile collector to pick up.
func writeMetrics(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}

	return prometheus.WriteToTextfile(
		tumblecfg.CleanAndExpandPath(path), g,
	)
}

// negotiationAction is run on the negotiation restored from the session
// given as first argument.
type negotiationAction func(ctx *cli.Context, env *sessionEnv,
	n *negotiation.ClientNegotiation) (interface{}, error)

func withNegotiation(name string, nargs int,
	action negotiationAction) cli.ActionFunc {

	return func(ctx *cli.Context) error {
		if ctx.NArg() != nargs {
			return cli.ShowCommandHelp(ctx, name)
		}

		id, err := sessiondb.ParseSessionID(ctx.Args().First())
		if err != nil {
			return fmt.Errorf("invalid session id: %w", err)
		}

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		params, err := cfg.NegotiationParameters()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := prometheus.NewRegistry()
		metrics, err := monitoring.NewNegotiationMetrics(reg)
		if err != nil {
			return err
		}

		env := &sessionEnv{
			cfg:    cfg,
			params: params,
			store:  store,
			id:     id,
			opts: []negotiation.Option{
				negotiation.WithMetrics(metrics),
			},
		}
		resp, err := env.runStep(func(
			n *negotiation.ClientNegotiation) (interface{}, error) {

			return action(ctx, env, n)
		})

		// Protocol violations are counted even though the step failed.
		mErr := writeMetrics(ctx.GlobalString("metricsfile"), reg)
		switch {
		case err != nil:
			return err

		case mErr != nil:
			return fmt.Errorf("unable to write metrics: %w", mErr)
		}

		printJSON(resp)

		return nil
	}
}

var newSessionCommand = cli.Command{
	Name:     "newsession",
	Category: "Negotiation",
	Usage:    "Start negotiating a channel for a cycle.",
	Description: `
	Create a negotiation waiting for the tumbler's voucher and store it.
	The cycle is either given by its start height with --cycle or is the
	one registering at --height.`,
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "cycle",
			Usage: "The start height of the cycle.",
		},
		cli.Uint64Flag{
			Name:  "height",
			Usage: "Use the cycle registering at this height.",
		},
	},
	Action: newSession,
}

func newSession(ctx *cli.Context) error {
	if ctx.IsSet("cycle") == ctx.IsSet("height") {
		return errors.New("exactly one of --cycle and --height " +
			"must be set")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	params, err := cfg.NegotiationParameters()
	if err != nil {
		return err
	}
	gen := params.CycleGenerator

	var cycleStart uint32
	if ctx.IsSet("cycle") {
		cycleStart, err = toHeight("cycle", ctx.Uint64("cycle"))
		if err != nil {
			return err
		}
		if !gen.IsCycleStart(cycleStart) {
			return fmt.Errorf("no cycle starts at height %d",
				cycleStart)
		}
	} else {
		height, err := toHeight("height", ctx.Uint64("height"))
		if err != nil {
			return err
		}
		cycle, err := gen.RegistratingCycle(height)
		if err != nil {
			return err
		}
		cycleStart = cycle.Start
	}

	n, err := negotiation.New(params, cycleStart)
	if err != nil {
		return err
	}

	id, err := sessiondb.NewSessionID()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Put(id, n.Checkpoint()); err != nil {
		return err
	}

	info, err := newSessionInfo(cfg, id, n.Checkpoint())
	if err != nil {
		return err
	}
	printJSON(info)

	return nil
}

// toHeight checks that the value of a height flag fits a block height.
func toHeight(name string, v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("--%s %d is not a valid height", name, v)
	}

	return uint32(v), nil
}

var listSessionsCommand = cli.Command{
	Name:     "listsessions",
	Category: "Negotiation",
	Usage:    "List the stored negotiations.",
	Action:   listSessions,
}

func listSessions(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions := make([]*sessionInfo, 0)
	err = store.ForEach(func(id sessiondb.SessionID,
		state negotiation.State) error {

		info, err := newSessionInfo(cfg, id, state)
		if err != nil {
			return err
		}
		sessions = append(sessions, info)

		return nil
	})
	if err != nil {
		return err
	}

	printJSON(struct {
		Sessions []*sessionInfo `json:"sessions"`
	}{sessions})

	return nil
}

var showSessionCommand = cli.Command{
	Name:      "showsession",
	Category:  "Negotiation",
	Usage:     "Show a stored negotiation.",
	ArgsUsage: "id",
	Action:    showSession,
}

func showSession(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "showsession")
	}

	id, err := sessiondb.ParseSessionID(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.Fetch(id)
	if err != nil {
		return err
	}

	info, err := newSessionInfo(cfg, id, state)
	if err != nil {
		return err
	}
	printJSON(info)

	return nil
}

var receiveVoucherCommand = cli.Command{
	Name:      "receivevoucher",
	Category:  "Negotiation",
	Usage:     "Blind the voucher sent by the tumbler.",
	ArgsUsage: "id voucher",
	Description: `
	Take the hex encoded unsigned voucher of the tumbler and return the
	blinded puzzle to send back once the client escrow is funded.`,
	Action: withNegotiation("receivevoucher", 2, receiveVoucher),
}

func receiveVoucher(ctx *cli.Context, _ *sessionEnv,
	n *negotiation.ClientNegotiation) (interface{}, error) {

	b, err := hex.DecodeString(ctx.Args().Get(1))
	if err != nil {
		return nil, fmt.Errorf("invalid voucher: %w", err)
	}

	var voucher negotiation.UnsignedVoucher
	if err := voucher.Decode(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	if err := n.ReceiveUnsignedVoucher(&voucher); err != nil {
		return nil, err
	}

	blinded, err := n.BlindedVoucher()
	if err != nil {
		return nil, err
	}

	return struct {
		BlindedVoucher string `json:"blinded_voucher"`
	}{hex.EncodeToString(blinded.Bytes())}, nil
}

var receiveTumblerKeyCommand = cli.Command{
	Name:      "receivetumblerkey",
	Category:  "Negotiation",
	Usage:     "Build the client escrow from the tumbler's key.",
	ArgsUsage: "id pubkey keyref",
	Description: `
	Take the tumbler's key for the client escrow and the reference of the
	tumbler escrow key, and return the output the client must fund.`,
	Action: withNegotiation("receivetumblerkey", 3, receiveTumblerKey),
}

func receiveTumblerKey(ctx *cli.Context, env *sessionEnv,
	n *negotiation.ClientNegotiation) (interface{}, error) {

	keyBytes, err := hex.DecodeString(ctx.Args().Get(1))
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %w", err)
	}
	key, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, err
	}

	keyRef, err := strconv.ParseUint(ctx.Args().Get(2), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid key reference: %w", err)
	}

	err = n.ReceiveTumblerEscrowKey(key, uint32(keyRef))
	if err != nil {
		return nil, err
	}

	txOut, err := n.BuildClientEscrowTxOut()
	if err != nil {
		return nil, err
	}

	params, _ := negotiation.ClientEscrow(n.Checkpoint())
	info, err := newEscrowInfo(&params, env.cfg.ActiveNetParams)
	if err != nil {
		return nil, err
	}

	return struct {
		Amount int64       `json:"amount"`
		Escrow *escrowInfo `json:"escrow"`
	}{txOut.Value, info}, nil
}

var fundPsbtCommand = cli.Command{
	Name:      "fundpsbt",
	Category:  "Negotiation",
	Usage:     "Export the client escrow output as a PSBT template.",
	ArgsUsage: "id",
	Description: `
	Return a base64 PSBT paying the client escrow, for a wallet to add
	inputs, change and signatures to.`,
	Action: withNegotiation("fundpsbt", 1, fundPsbt),
}

func fundPsbt(_ *cli.Context, _ *sessionEnv,
	n *negotiation.ClientNegotiation) (interface{}, error) {

	packet, err := n.BuildClientEscrowPsbt()
	if err != nil {
		return nil, err
	}

	b64, err := packet.B64Encode()
	if err != nil {
		return nil, err
	}

	return struct {
		Psbt string `json:"psbt"`
	}{b64}, nil
}

var setFundingCommand = cli.Command{
	Name:      "setfunding",
	Category:  "Negotiation",
	Usage:     "Bind the negotiation to the transaction funding it.",
	ArgsUsage: "id",
	Description: `
	Take the signed transaction funding the client escrow, either as a
	finalized base64 PSBT or as a raw hex transaction. The transaction
	reclaiming the escrow to --redeemaddr after its lock time is signed,
	stored along with the escrow key and returned. Keep it: once the
	voucher is solved the negotiation no longer holds the escrow key.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "psbt",
			Usage: "The signed base64 PSBT.",
		},
		cli.StringFlag{
			Name:  "tx",
			Usage: "The signed hex transaction.",
		},
		cli.StringFlag{
			Name:  "redeemaddr",
			Usage: "The address the escrow is refunded to.",
		},
		cli.Int64Flag{
			Name:  "refundfee",
			Usage: "The absolute fee in satoshis of the refund.",
		},
	},
	Action: withNegotiation("setfunding", 1, setFunding),
}

func setFunding(ctx *cli.Context, env *sessionEnv,
	n *negotiation.ClientNegotiation) (interface{}, error) {

	if !ctx.IsSet("refundfee") {
		return nil, errors.New("--refundfee required")
	}
	fee := btcutil.Amount(ctx.Int64("refundfee"))
	if fee < 0 {
		return nil, fmt.Errorf("negative refund fee %v", fee)
	}

	if ctx.String("redeemaddr") == "" {
		return nil, errors.New("--redeemaddr required")
	}
	addr, err := btcutil.DecodeAddress(
		ctx.String("redeemaddr"), env.cfg.ActiveNetParams,
	)
	if err != nil {
		return nil, err
	}
	redeemScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	var session *solver.ClientSession
	switch {
	case ctx.IsSet("psbt") && !ctx.IsSet("tx"):
		packet, err := psbt.NewFromRawBytes(
			strings.NewReader(ctx.String("psbt")), true,
		)
		if err != nil {
			return nil, err
		}

		session, err = n.SetClientSignedPsbt(packet, redeemScript)
		if err != nil {
			return nil, err
		}

	case ctx.IsSet("tx") && !ctx.IsSet("psbt"):
		txBytes, err := hex.DecodeString(ctx.String("tx"))
		if err != nil {
			return nil, fmt.Errorf("invalid tx: %w", err)
		}

		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
			return nil, err
		}

		session, err = n.SetClientSignedTransaction(tx, redeemScript)
		if err != nil {
			return nil, err
		}

	default:
		return nil, errors.New("exactly one of --psbt and --tx must " +
			"be set")
	}

	return handOffClientEscrow(env, session, fee)
}

type clientEscrowHandoff struct {
	Outpoint       string `json:"escrow_outpoint"`
	RefundTx       string `json:"refund_tx"`
	RefundLockTime uint32 `json:"refund_lock_time"`
}

// handOffClientEscrow signs the refund of the client escrow and stores it
// along with the escrow key held by the solver session.
func handOffClientEscrow(env *sessionEnv, session *solver.ClientSession,
	fee btcutil.Amount) (*clientEscrowHandoff, error) {

	refund, err := session.CreateRedeemTransaction(fee)
	if err != nil {
		return nil, err
	}

	key := session.EscrowKey()
	defer key.Zero()

	err = env.store.PutEscrowKey(env.id, sessiondb.ClientEscrowRole, key)
	if err != nil {
		return nil, err
	}
	if err := env.store.PutRefundTx(env.id, refund); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := refund.Serialize(&b); err != nil {
		return nil, err
	}

	return &clientEscrowHandoff{
		Outpoint:       session.EscrowedCoin().OutPoint.String(),
		RefundTx:       hex.EncodeToString(b.Bytes()),
		RefundLockTime: refund.LockTime,
	}, nil
}

var checkSolutionCommand = cli.Command{
	Name:      "checksolution",
	Category:  "Negotiation",
	Usage:     "Check the tumbler's solution of the blinded voucher.",
	ArgsUsage: "id solution",
	Description: `
	Verify the hex encoded solution of the blinded voucher and return the
	open channel request asking the tumbler to fund its escrow.`,
	Action: withNegotiation("checksolution", 2, checkSolution),
}

func checkSolution(ctx *cli.Context, _ *sessionEnv,
	n *negotiation.ClientNegotiation) (interface{}, error) {

	b, err := hex.DecodeString(ctx.Args().Get(1))
	if err != nil {
		return nil, fmt.Errorf("invalid solution: %w", err)
	}

	if err := n.CheckVoucherSolution(puzzle.NewSolution(b)); err != nil {
		return nil, err
	}

	req, err := n.GetOpenChannelRequest()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		return nil, err
	}

	return struct {
		Request string `json:"open_channel_request"`
	}{hex.EncodeToString(buf.Bytes())}, nil
}

var receiveEscrowCommand = cli.Command{
	Name:      "receiveescrow",
	Category:  "Negotiation",
	Usage:     "Check the escrow the tumbler opened for the client.",
	ArgsUsage: "id tx index script",
	Description: `
	Take the hex encoded transaction funding the tumbler escrow, the index
	of the escrow output and its hex encoded witness script. On success
	the negotiation is complete.`,
	Action: withNegotiation("receiveescrow", 4, receiveEscrow),
}

func receiveEscrow(ctx *cli.Context, env *sessionEnv,
	n *negotiation.ClientNegotiation) (interface{}, error) {

	txBytes, err := hex.DecodeString(ctx.Args().Get(1))
	if err != nil {
		return nil, fmt.Errorf("invalid tx: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, err
	}

	index, err := strconv.ParseUint(ctx.Args().Get(2), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid index: %w", err)
	}

	script, err := hex.DecodeString(ctx.Args().Get(3))
	if err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}

	coin, err := escrow.NewCoin(tx, uint32(index), script)
	if err != nil {
		return nil, err
	}

	session, err := n.ReceiveTumblerEscrowedCoin(coin)
	if err != nil {
		return nil, err
	}

	return handOffTumblerEscrow(env, n, session)
}

type tumblerEscrowHandoff struct {
	Phase    string      `json:"phase"`
	Status   string      `json:"promise_status"`
	Outpoint string      `json:"escrow_outpoint"`
	Escrow   *escrowInfo `json:"tumbler_escrow"`
}

// handOffTumblerEscrow stores the key the promise session cashes the
// tumbler escrow out with.
func handOffTumblerEscrow(env *sessionEnv, n *negotiation.ClientNegotiation,
	session *promise.ClientSession) (*tumblerEscrowHandoff, error) {

	key := session.EscrowKey()
	defer key.Zero()

	err := env.store.PutEscrowKey(env.id, sessiondb.TumblerEscrowRole, key)
	if err != nil {
		return nil, err
	}

	params := session.Escrow()
	info, err := newEscrowInfo(&params, env.cfg.ActiveNetParams)
	if err != nil {
		return nil, err
	}

	return &tumblerEscrowHandoff{
		Phase:    n.Status().String(),
		Status:   session.Status().String(),
		Outpoint: session.EscrowedCoin().OutPoint.String(),
		Escrow:   info,
	}, nil
}

var abandonCommand = cli.Command{
	Name:      "abandon",
	Category:  "Negotiation",
	Usage:     "Abandon a negotiation and forget it.",
	ArgsUsage: "id",
	Description: `
	Wipe the secrets of the negotiation and delete it. The escrow keys
	and the refund stored by setfunding and receiveescrow are kept, see
	showhandoff.`,
	Action: abandon,
}

func abandon(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "abandon")
	}

	id, err := sessiondb.ParseSessionID(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	params, err := cfg.NegotiationParameters()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.Fetch(id)
	if err != nil {
		return err
	}

	n, err := negotiation.Restore(params, state)
	if err != nil {
		return err
	}
	n.Abandon()

	return store.Delete(id)
}

var showHandoffCommand = cli.Command{
	Name:      "showhandoff",
	Category:  "Negotiation",
	Usage:     "Show what a negotiation handed over to its sub-sessions.",
	ArgsUsage: "id",
	Description: `
	Show the stored refund of the client escrow and the public keys of
	the stored escrow keys. This works for abandoned negotiations too.`,
	Action: showHandoff,
}

type handoffInfo struct {
	ID               string `json:"id"`
	RefundTx         string `json:"refund_tx,omitempty"`
	ClientEscrowKey  string `json:"client_escrow_pubkey,omitempty"`
	TumblerEscrowKey string `json:"tumbler_escrow_pubkey,omitempty"`
}

// newHandoffInfo reads the hand-off records of id. Missing records are left
// out.
func newHandoffInfo(store *sessiondb.Store,
	id sessiondb.SessionID) (*handoffInfo, error) {

	info := &handoffInfo{ID: id.String()}

	refund, err := store.FetchRefundTx(id)
	switch {
	case err == nil:
		var b bytes.Buffer
		if err := refund.Serialize(&b); err != nil {
			return nil, err
		}
		info.RefundTx = hex.EncodeToString(b.Bytes())

	case !errors.Is(err, sessiondb.ErrHandoffNotFound):
		return nil, err
	}

	for _, role := range []sessiondb.EscrowRole{
		sessiondb.ClientEscrowRole, sessiondb.TumblerEscrowRole,
	} {
		key, err := store.FetchEscrowKey(id, role)
		switch {
		case errors.Is(err, sessiondb.ErrHandoffNotFound):
			continue

		case err != nil:
			return nil, err
		}

		pub := hex.EncodeToString(key.PubKey().SerializeCompressed())
		key.Zero()

		if role == sessiondb.ClientEscrowRole {
			info.ClientEscrowKey = pub
		} else {
			info.TumblerEscrowKey = pub
		}
	}

	return info, nil
}

func showHandoff(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "showhandoff")
	}

	id, err := sessiondb.ParseSessionID(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := newHandoffInfo(store, id)
	if err != nil {
		return err
	}
	printJSON(info)

	return nil
}
