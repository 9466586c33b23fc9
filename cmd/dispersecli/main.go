package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/monadtools/disperse/internal/batch"
	"github.com/monadtools/disperse/internal/batch/pg"
	"github.com/monadtools/disperse/internal/chain"
	"github.com/monadtools/disperse/internal/config"
	"github.com/monadtools/disperse/internal/holdings"
	"github.com/monadtools/disperse/internal/logger"
)

const usage = `usage: dispersecli [-config FILE] COMMAND [args]

commands:
  preflight  -type native|token|nft -input FILE [-token ADDR] [-collection ADDR] [-kind erc721|erc1155]
  send       same flags as preflight; executes after a passing preflight
  resume     -batch ID
  pause      -batch ID  (cross-process pause needs the postgres store)
  list       resumable and recent batches for the configured signer
  snapshot   -collection ADDR -from N -to N [-out FILE]
`

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("DISPERSE_CONFIG"), "path to config file")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		die("config: " + err.Error())
	}
	log := logger.New(cfg.LogFile, cfg.DebugLogging)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		die(err.Error())
	}
	defer app.close()

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "preflight":
		err = app.cmdPreflight(ctx, cmdArgs, false)
	case "send":
		err = app.cmdPreflight(ctx, cmdArgs, true)
	case "resume":
		err = app.cmdResume(ctx, cmdArgs)
	case "pause":
		err = app.cmdPause(ctx, cmdArgs)
	case "list":
		err = app.cmdList(ctx)
	case "snapshot":
		err = app.cmdSnapshot(ctx, cmdArgs)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		die(err.Error())
	}
}

type app struct {
	cfg    *config.Config
	log    *zap.Logger
	client *chain.Client
	store  batch.Store
	pool   *pgxpool.Pool
	signer *chain.KeyedSigner
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	client, err := chain.Dial(cfg.RPCURL, log, chain.ClientConfig{
		BaseFeeMul:      cfg.BaseFeeMul,
		ReceiptInterval: cfg.ReceiptPoll(),
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, client: client}

	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := pg.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.pool = pool
		a.store = store
	} else {
		store, err := batch.OpenFileStore(cfg.StorePath, log)
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	if pk := strings.TrimSpace(os.Getenv("PRIVATE_KEY")); pk != "" {
		signer, err := chain.NewKeyedSigner(pk, big.NewInt(cfg.ChainID))
		if err != nil {
			return nil, fmt.Errorf("PRIVATE_KEY: %w", err)
		}
		a.signer = signer
	}
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) requireSigner() (*chain.KeyedSigner, error) {
	if a.signer == nil {
		return nil, fmt.Errorf("PRIVATE_KEY is not set")
	}
	return a.signer, nil
}

func (a *app) cmdPreflight(ctx context.Context, args []string, execute bool) error {
	fs := flag.NewFlagSet("preflight", flag.ExitOnError)
	typ := fs.String("type", "native", "batch type: native|token|nft")
	input := fs.String("input", "", "recipients CSV")
	token := fs.String("token", "", "ERC-20 token address (token type)")
	collection := fs.String("collection", "", "collection address (nft type)")
	kind := fs.String("kind", "erc721", "collection kind: erc721|erc1155")
	fs.Parse(args)

	signer, err := a.requireSigner()
	if err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("-input is required")
	}

	pf := batch.NewPreflighter(a.client, a.log, a.cfg.MaxBatchItems)

	var (
		res       *batch.Result
		batchType batch.Type
		metadata  *batch.TokenMetadata
	)
	switch *typ {
	case "native":
		raws, err := readTransferCSV(*input)
		if err != nil {
			return err
		}
		batchType = batch.NativeDisperse
		res, err = pf.Native(ctx, raws, signer.Address())
		if err != nil {
			return err
		}
	case "token":
		if !common.IsHexAddress(*token) {
			return fmt.Errorf("-token must be a valid address")
		}
		raws, err := readTransferCSV(*input)
		if err != nil {
			return err
		}
		addr := common.HexToAddress(*token)
		batchType = batch.TokenDisperse
		res, err = pf.Token(ctx, addr, raws, signer.Address())
		if err != nil {
			return err
		}
		symbol, _ := a.client.TokenSymbol(ctx, addr)
		decimals, _ := a.client.TokenDecimals(ctx, addr)
		metadata = &batch.TokenMetadata{Address: addr, Symbol: symbol, Decimals: decimals}
	case "nft":
		if !common.IsHexAddress(*collection) {
			return fmt.Errorf("-collection must be a valid address")
		}
		ck := batch.CollectionKind(*kind)
		raws, err := readNftCSV(*input)
		if err != nil {
			return err
		}
		addr := common.HexToAddress(*collection)
		batchType = batch.NftTransfer
		res, err = pf.Nft(ctx, addr, ck, raws, signer.Address())
		if err != nil {
			return err
		}
		metadata = &batch.TokenMetadata{Address: addr}
	default:
		return fmt.Errorf("unknown -type %q", *typ)
	}

	printPreflight(res)
	if !execute {
		return nil
	}
	if !res.Valid {
		return fmt.Errorf("preflight failed, not executing")
	}

	exec := batch.NewExecutor(a.store, a.client, big.NewInt(a.cfg.ChainID), a.log, a.cfg.MaxBatchItems)
	events := make(chan batch.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		printProgress(events)
	}()
	id, err := exec.Execute(ctx, batchType, res.Items, metadata, signer, events)
	close(events)
	<-done
	if id != "" {
		fmt.Println("batch id:", id)
	}
	return err
}

func (a *app) cmdResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	id := fs.String("batch", "", "batch id")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("-batch is required")
	}
	signer, err := a.requireSigner()
	if err != nil {
		return err
	}

	exec := batch.NewExecutor(a.store, a.client, big.NewInt(a.cfg.ChainID), a.log, a.cfg.MaxBatchItems)
	events := make(chan batch.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		printProgress(events)
	}()
	err = exec.Resume(ctx, *id, signer, events)
	close(events)
	<-done
	return err
}

func (a *app) cmdPause(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pause", flag.ExitOnError)
	id := fs.String("batch", "", "batch id")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("-batch is required")
	}
	if err := pauseBatch(ctx, a.store, *id); err != nil {
		return err
	}
	fmt.Println("pause requested; the executor stops at the next item boundary")
	return nil
}

// pauseBatch writes the Paused status for a running batch. The executor
// observes it at its next item boundary. With the file store this only
// reaches an executor in the same process; pausing a run owned by another
// process needs the postgres store.
func pauseBatch(ctx context.Context, store batch.Store, id string) error {
	b, err := store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != batch.StatusExecuting {
		return fmt.Errorf("batch %s is %s; only an executing batch can be paused", id, b.Status)
	}
	return store.UpdateBatchStatus(ctx, id, batch.StatusPaused)
}

func (a *app) cmdList(ctx context.Context) error {
	signer, err := a.requireSigner()
	if err != nil {
		return err
	}
	resumable, err := a.store.GetResumableBatches(ctx, signer.Address())
	if err != nil {
		return err
	}
	recent, err := a.store.GetRecentBatches(ctx, signer.Address(), 10)
	if err != nil {
		return err
	}

	fmt.Printf("resumable batches: %d\n", len(resumable))
	for _, b := range resumable {
		printBatchLine(b)
	}
	fmt.Printf("recent batches: %d\n", len(recent))
	for _, b := range recent {
		printBatchLine(b)
	}
	return nil
}

func (a *app) cmdSnapshot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	collection := fs.String("collection", "", "collection address")
	from := fs.Uint64("from", 0, "first block")
	to := fs.Uint64("to", 0, "last block")
	out := fs.String("out", "snapshot.csv", "output CSV")
	fs.Parse(args)
	if !common.IsHexAddress(*collection) {
		return fmt.Errorf("-collection must be a valid address")
	}

	scanner := holdings.NewScanner(a.client, a.log, a.cfg.SnapshotChunk, a.cfg.SnapshotConcurrency)
	rows, err := scanner.Snapshot(ctx, common.HexToAddress(*collection), *from, *to)
	if err != nil {
		return err
	}
	if err := writeSnapshotCSV(*out, rows); err != nil {
		return err
	}
	fmt.Printf("wrote %d holder rows to %s\n", len(rows), *out)
	return nil
}

func printBatchLine(b *batch.Batch) {
	var done, failed int
	for _, it := range b.Items {
		switch it.Status {
		case batch.ItemSuccess, batch.ItemSkipped:
			done++
		case batch.ItemFailed:
			failed++
		}
	}
	fmt.Printf("  %s  %-16s %-10s %d/%d done, %d failed  %s\n",
		b.ID, b.Type, b.Status, done, len(b.Items), failed, b.CreatedAt.Format("2006-01-02 15:04"))
}

func printPreflight(res *batch.Result) {
	verdict := "PASS"
	if !res.Valid {
		verdict = "FAIL"
	}
	fmt.Printf("preflight: %s  (estimated gas %d, total %s)\n", verdict, res.EstimatedGas, res.EstimatedTotal)
	for _, ir := range res.ItemResults {
		if ir.Valid {
			fmt.Printf("  item %-4d ok    gas=%d\n", ir.Index, ir.EstimatedGas)
		} else {
			fmt.Printf("  item %-4d FAIL  %s\n", ir.Index, ir.Error)
		}
	}
	for _, e := range res.Errors {
		if e.Index == batch.BatchErrorIndex {
			fmt.Printf("  batch: %s\n", e.Message)
		}
	}
}

func printProgress(events <-chan batch.Event) {
	for ev := range events {
		switch ev.Kind {
		case batch.EventItemStarted:
			fmt.Printf("item %d: submitting...\n", ev.Index)
		case batch.EventItemCompleted:
			fmt.Printf("item %d: confirmed  tx=%s gasUsed=%d\n", ev.Index, ev.TxHash, ev.GasUsed)
		case batch.EventItemFailed:
			fmt.Printf("item %d: FAILED  %s\n", ev.Index, ev.Err)
		case batch.EventBatchCompleted:
			fmt.Println("batch completed")
		case batch.EventBatchPaused:
			fmt.Println("batch paused; resume to continue")
		case batch.EventBatchFailed:
			fmt.Printf("batch failed: %s\n", ev.Err)
		}
	}
}

func die(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
