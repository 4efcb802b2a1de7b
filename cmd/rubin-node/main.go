package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"rubin.dev/node/consensus"
	"rubin.dev/node/node"
)

var nowUnix = func() int64 { return time.Now().Unix() }

var mustTipFn = mustTip

var newMinerFn = node.NewMiner

var newSyncEngineFn = node.NewSyncEngine

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// extractConfigFlagValue pre-scans raw args for --config/-config so a
// config file (if any) can be loaded before the urfave/cli flag set is
// built: the file's values become each flag's default, with an explicit
// CLI flag still overriding them during normal parsing.
func extractConfigFlagValue(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return ""
}

// exitCodeFor maps a urfave/cli App.Run error to the process exit code: a
// cli.ExitCoder (as produced by cli.Exit) carries its own code, anything
// else (flag-parse failures, usage errors) is treated as the generic
// invalid-invocation code.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 2
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := node.DefaultConfig()
	if layered, err := node.LoadLayeredConfig(defaults, extractConfigFlagValue(args)); err == nil {
		defaults = layered
	} else {
		_, _ = fmt.Fprintf(stderr, "config file load failed: %v\n", err)
		return 2
	}

	var peers multiStringFlag
	var peerCSV string
	var configPath string
	var mineBlocks int
	var mineExit bool
	var deploymentsPath string
	var dryRun bool

	cfg := defaults

	app := &cli.App{
		Name:            "rubin-node",
		Usage:           "rubin devnet node",
		Writer:          stdout,
		ErrWriter:       stderr,
		ExitErrHandler:  func(*cli.Context, error) {}, // run() owns exit-code mapping, never os.Exit here
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Destination: &configPath, Usage: "path to a TOML/YAML/JSON config file"},
			&cli.StringFlag{Name: "peers", Destination: &peerCSV, Usage: "bootstrap peers, comma-separated host:port"},
			&cli.GenericFlag{Name: "peer", Value: &peers, Usage: "single bootstrap peer host:port (repeatable)"},
			&cli.StringFlag{Name: "network", Value: defaults.Network, Destination: &cfg.Network, Usage: "network name (devnet/testnet/mainnet)"},
			&cli.StringFlag{Name: "datadir", Value: defaults.DataDir, Destination: &cfg.DataDir, Usage: "node data directory"},
			&cli.StringFlag{Name: "bind", Value: defaults.BindAddr, Destination: &cfg.BindAddr, Usage: "bind address host:port"},
			&cli.StringFlag{Name: "log-level", Value: defaults.LogLevel, Destination: &cfg.LogLevel, Usage: "log level: debug|info|warn|error"},
			&cli.IntFlag{Name: "max-peers", Value: defaults.MaxPeers, Destination: &cfg.MaxPeers, Usage: "max connected peers"},
			&cli.IntFlag{Name: "mine-blocks", Destination: &mineBlocks, Usage: "mine N blocks locally after startup"},
			&cli.BoolFlag{Name: "mine-exit", Destination: &mineExit, Usage: "exit immediately after local mining"},
			&cli.StringFlag{Name: "deployments", Destination: &deploymentsPath, Usage: "path to JSON file with versionbits deployments (telemetry-only)"},
			&cli.BoolFlag{Name: "dry-run", Destination: &dryRun, Usage: "print effective config and exit"},
		},
		Action: func(*cli.Context) error {
			return runNode(stdout, stderr, cfg, peerCSV, peers, mineBlocks, mineExit, deploymentsPath, dryRun)
		},
	}

	err := app.Run(append([]string{"rubin-node"}, args...))
	return exitCodeFor(err)
}

// runNode is the body of the daemon once flags have resolved into cfg and
// friends: validate, open storage, report status, optionally mine, then
// block until SIGINT/SIGTERM (unless --dry-run or --mine-exit shortcut
// out first). Every early return uses cli.Exit so run()'s exitCodeFor
// recovers the exact code the pre-urfave flag-based implementation used.
func runNode(stdout, stderr io.Writer, cfg node.Config, peerCSV string, peers multiStringFlag, mineBlocks int, mineExit bool, deploymentsPath string, dryRun bool) error {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Peers = node.NormalizePeers(append([]string{peerCSV}, peers...)...)
	if err := node.ValidateConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return cli.Exit("", 2)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		_, _ = fmt.Fprintf(stderr, "datadir create failed: %v\n", err)
		return cli.Exit("", 2)
	}
	chainStatePath := node.ChainStatePath(cfg.DataDir)
	chainState, err := node.LoadChainState(chainStatePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "chainstate load failed: %v\n", err)
		return cli.Exit("", 2)
	}
	if err := chainState.Save(chainStatePath); err != nil {
		_, _ = fmt.Fprintf(stderr, "chainstate save failed: %v\n", err)
		return cli.Exit("", 2)
	}

	blockStore, err := node.OpenBlockStore(node.BlockStorePath(cfg.DataDir))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "blockstore open failed: %v\n", err)
		return cli.Exit("", 2)
	}
	syncEngine, err := newSyncEngineFn(
		chainState,
		blockStore,
		node.DefaultSyncConfig(chainStatePath),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "sync engine init failed: %v\n", err)
		return cli.Exit("", 2)
	}
	syncEngine.SetMetrics(node.NewMetrics())
	syncEngine.SetOrphanPool(node.NewOrphanPool())
	peerManager := node.NewPeerManager(node.DefaultPeerRuntimeConfig(cfg.Network, cfg.MaxPeers))

	logger := node.NewLogger(cfg)
	logger.Info().Uint64("height", chainState.Height).Bool("has_tip", chainState.HasTip).Msg("node starting")

	tipHeight, tipHash, tipOK, err := blockStore.Tip()
	tipHeight, tipHash, tipOK, tipExitCode := mustTipFn(tipHeight, tipHash, tipOK, err, stderr)
	if tipExitCode != 0 {
		return cli.Exit("", tipExitCode)
	}

	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return cli.Exit("", 1)
	}
	if tipOK {
		_, _ = fmt.Fprintf(stdout, "chainstate: has_tip=%v height=%d cells=%d dao_c=%d tip=%x\n", chainState.HasTip, chainState.Height, len(chainState.Cells), chainState.Dao.C, chainState.TipHash)
		_, _ = fmt.Fprintf(stdout, "blockstore: tip_height=%d tip_hash=%x\n", tipHeight, tipHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "chainstate: has_tip=%v height=%d cells=%d dao_c=%d\n", chainState.HasTip, chainState.Height, len(chainState.Cells), chainState.Dao.C)
		_, _ = fmt.Fprintln(stdout, "blockstore: empty")
	}
	if deploymentsPath != "" && tipOK {
		if err := printDeploymentTelemetry(stdout, syncEngine, deploymentsPath); err != nil {
			_, _ = fmt.Fprintf(stderr, "deployment telemetry failed: %v\n", err)
			return cli.Exit("", 2)
		}
	}
	headerReq := syncEngine.HeaderSyncRequest()
	_, _ = fmt.Fprintf(stdout, "sync: header_request_has_from=%v header_request_limit=%d ibd=%v\n", headerReq.HasFrom, headerReq.Limit, syncEngine.IsInIBD(nowUnixU64()))
	_, _ = fmt.Fprintf(stdout, "p2p: peer_slots=%d connected=%d\n", cfg.MaxPeers, len(peerManager.Snapshot()))
	if dryRun {
		return nil
	}
	if mineBlocks > 0 {
		miner, err := newMinerFn(chainState, blockStore, syncEngine, node.DefaultMinerConfig())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "miner init failed: %v\n", err)
			return cli.Exit("", 2)
		}
		mined, err := miner.MineN(context.Background(), mineBlocks, nil)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "mining failed: %v\n", err)
			return cli.Exit("", 2)
		}
		for _, b := range mined {
			_, _ = fmt.Fprintf(stdout, "mined: height=%d hash=%x timestamp=%d nonce=%d tx_count=%d\n", b.Height, b.Hash, b.Timestamp, b.Nonce, b.TxCount)
			logger.Info().Uint64("height", b.Height).Hex("hash", b.Hash[:]).Int("tx_count", b.TxCount).Msg("block mined")
		}
		if mineExit {
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintln(stdout, "rubin-node skeleton running")
	logger.Info().Msg("node running")
	<-ctx.Done()
	_, _ = fmt.Fprintln(stdout, "rubin-node skeleton stopped")
	logger.Info().Msg("node stopped")
	return nil
}

type deploymentJSON struct {
	Name         string `json:"name"`
	Bit          uint8  `json:"bit"`
	StartEpoch   uint64 `json:"start_epoch"`
	TimeoutEpoch uint64 `json:"timeout_epoch"`
	Threshold    uint32 `json:"threshold"`
}

type epochSource interface {
	CurrentEpoch() consensus.EpochExt
}

// printDeploymentTelemetry reports each configured deployment's state
// machine position (consensus/versionbits.go) as of the sync engine's
// current epoch. Without a full epoch-history replay it has no per-epoch
// signal counts to consult, so STARTED deployments are reported against
// zero observed signals; it still surfaces the DEFINED/STARTED/FAILED
// transitions that StartEpoch/TimeoutEpoch drive. A deployment reaches
// LOCKED_IN or ACTIVE here only when its Threshold is zero.
func printDeploymentTelemetry(w io.Writer, se epochSource, deploymentsPath string) error {
	raw, err := os.ReadFile(filepath.Clean(deploymentsPath))
	if err != nil {
		return err
	}
	var ds []deploymentJSON
	if err := json.Unmarshal(raw, &ds); err != nil {
		return err
	}
	epoch := se.CurrentEpoch()
	for _, dj := range ds {
		d := consensus.Deployment{
			Name:         dj.Name,
			Bit:          dj.Bit,
			StartEpoch:   dj.StartEpoch,
			TimeoutEpoch: dj.TimeoutEpoch,
			Threshold:    dj.Threshold,
		}
		ev, err := consensus.EvalDeploymentAtEpoch(d, epoch.Number, nil, nil)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(
			w,
			"deployment: name=%s bit=%d epoch=%d state=%s since_epoch=%d\n",
			d.Name,
			d.Bit,
			epoch.Number,
			ev.State,
			ev.SinceEpoch,
		)
	}
	return nil
}

func printConfig(w io.Writer, cfg node.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func nowUnixU64() uint64 {
	now := nowUnix()
	if now <= 0 {
		return 0
	}
	return uint64(now)
}

func mustTip(tipHeight uint64, tipHash [32]byte, tipOK bool, err error, stderr io.Writer) (uint64, [32]byte, bool, int) {
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "blockstore tip read failed: %v\n", err)
		var zero [32]byte
		return 0, zero, false, 2
	}
	return tipHeight, tipHash, tipOK, 0
}
