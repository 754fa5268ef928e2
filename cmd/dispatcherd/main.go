// Command dispatcherd hosts the batching dispatcher core end to end: an
// extractor-backed collector filling SharedMem slots, a local batch
// waiter consuming them, a replay buffer fed by the record plane, and
// the stats HTTP surface, wired the way a worker-host binary would.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/batchctx"
	"github.com/PayRpc/elf-dispatch/internal/collector"
	"github.com/PayRpc/elf-dispatch/internal/comm"
	"github.com/PayRpc/elf-dispatch/internal/config"
	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"github.com/PayRpc/elf-dispatch/internal/extractor"
	"github.com/PayRpc/elf-dispatch/internal/logging"
	"github.com/PayRpc/elf-dispatch/internal/metrics"
	"github.com/PayRpc/elf-dispatch/internal/recordplane"
	"github.com/PayRpc/elf-dispatch/internal/replay"
	"github.com/PayRpc/elf-dispatch/internal/sharedmem"
	"github.com/PayRpc/elf-dispatch/internal/statsapi"
	"github.com/PayRpc/elf-dispatch/internal/store"
	"go.uber.org/zap"
)

// workItem is a toy per-request state: one input value to transform and
// one output value to produce, standing in for whatever the hosting
// domain's real observation/action types look like.
type workItem struct {
	input  float32
	output float32
}

const fieldLabel = "work"

func main() {
	cfg := config.Load()
	logger := logging.New("dispatcherd")
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("dispatcherd: shutdown signal received")
		cancel()
	}()

	ext := extractor.New(logger.Named("extractor"))
	registerWorkField(ext, cfg.DefaultBatchSize)

	smComm := comm.New[sharedmem.Payload](true, logger.Named("comm.sharedmem"), time.Now().UnixNano())
	col := collector.New(ext, smComm, logger.Named("collector"))

	batchComm := batchctx.NewComm(logger.Named("comm.batch"), time.Now().UnixNano())
	collectFn, _ := batchctx.NewCollectFunc(batchComm)
	waiter := batchctx.NewWaiter(batchComm)

	workSlot, err := col.AllocateSharedMem(collector.AllocOptions{
		Label:        fieldLabel,
		TransferType: sharedmem.ServerTransfer,
		BatchSize:    cfg.DefaultBatchSize,
		MinBatchSize: cfg.DefaultMinBatchSize,
		Timeout:      cfg.DefaultTimeout,
	}, []string{fieldLabel}, collectFn)
	if err != nil {
		logger.Fatal("dispatcherd: allocate shared mem slot", zap.Error(err))
	}
	col.Start(ctx)

	replayBuf, err := replay.New(cfg.ReplayShards, cfg.ReplayMaxSize, cfg.ReplayMinSize, cfg.ReplaySeed)
	if err != nil {
		logger.Fatal("dispatcherd: construct replay buffer", zap.Error(err))
	}

	var archive *store.Store
	if cfg.EnableSQLiteStore {
		archive, err = store.New(store.Config{Type: "sqlite", URL: cfg.SQLitePath, MaxConns: 4, MinConns: 1}, logger.Named("store"))
		if err != nil {
			logger.Warn("dispatcherd: sqlite archive unavailable", zap.Error(err))
			archive = nil
		}
	} else if cfg.EnablePostgresStore {
		archive, err = store.New(store.Config{Type: "postgres", URL: cfg.PostgresURL, MaxConns: 8, MinConns: 2}, logger.Named("store"))
		if err != nil {
			logger.Warn("dispatcherd: postgres archive unavailable", zap.Error(err))
			archive = nil
		}
	}
	if archive != nil {
		defer archive.Close()
	}

	replyFunc := func(identity string) recordplane.MsgRequest {
		return recordplane.MsgRequest{ModelID: "dispatcherd-local"}
	}
	loader, err := recordplane.NewLoader(replayBuf, replyFunc, archive, logger.Named("recordplane.loader"))
	if err != nil {
		logger.Fatal("dispatcherd: construct loader", zap.Error(err))
	}

	dispatcherCtrl := ctrl.New()
	dispatcherAddr := ctrl.Register[recordplane.MsgRequest](dispatcherCtrl, ctrl.NewHandle(), "dispatcher")
	writer := recordplane.NewWriter("dispatcherd-worker-0", dispatcherCtrl, dispatcherAddr, logger.Named("recordplane.writer"))

	snapshot := func() statsapi.Snapshot {
		metrics.SharedMemSecondsSinceRelease.WithLabelValues(fieldLabel).Set(workSlot.SecondsSinceRelease())
		return statsapi.Snapshot{
			"replay_shards": replayBuf.NumShards(),
			"time":          time.Now().UTC().Format(time.RFC3339),
		}
	}
	statsSrv := statsapi.New(snapshot, logger.Named("statsapi"))

	go func() {
		addr := cfg.StatsHost + ":" + strconv.Itoa(cfg.StatsPort)
		logger.Info("dispatcherd: stats server listening", zap.String("addr", addr))
		if err := statsSrv.ListenAndServe(ctx, addr); err != nil {
			logger.Warn("dispatcherd: stats server exited", zap.Error(err))
		}
	}()

	go runBatchLoop(ctx, waiter, writer, logger.Named("batchloop"))
	go writer.RunIdleTimer(ctx, func(payload string) {
		logger.Debug("dispatcherd: writer heartbeat", zap.Int("bytes", len(payload)))
	})
	go runRecordPlaneLoop(ctx, writer, loader, logger.Named("recordplane"))

	if err := col.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("dispatcherd: collector exited with error", zap.Error(err))
	}
	logger.Info("dispatcherd: shut down")
}

func registerWorkField(ext *extractor.Extractor, batchSize int) {
	f := extractor.AddField[float32](ext, fieldLabel)
	f.AddExtents(batchSize, extractor.Shape{batchSize})
	extractor.AddTypedStateToMem[*workItem, float32](f, func(s *workItem, v *float32) {
		*v = s.input
	})
	extractor.AddTypedMemToState[*workItem, float32](f, func(s *workItem, v *float32) {
		s.output = *v
	})
}

// runBatchLoop is the local-mode numerical consumer: pull a filled
// batch, double every element as a stand-in for real inference, record
// the round for the record plane, and release it.
func runBatchLoop(ctx context.Context, w *batchctx.Waiter, writer *recordplane.Writer, logger *zap.Logger) {
	var seq uint64
	for {
		if ctx.Err() != nil {
			return
		}
		d := w.Wait(time.Second)
		if d == nil {
			continue
		}
		p, ok := d.Mem[fieldLabel]
		if ok {
			for i := 0; i < d.ActiveBatchSize; i++ {
				if v, err := extractor.Address[float32](p, []int{i}); err == nil {
					before := *v
					*v = before * 2
					seq++
					writer.AddRecord(recordplane.Record{
						Request:   "double",
						Result:    strconv.FormatFloat(float64(*v), 'f', -1, 32),
						Timestamp: time.Now().UnixNano(),
						ThreadID:  1,
						Seq:       seq,
					})
				}
			}
			writer.UpdateThreadState(recordplane.ThreadState{ThreadID: 1, Seq: seq})
		}
		metrics.SharedMemQueueDepth.WithLabelValues(d.Options.Label).Set(0)
		w.Step(comm.Success)
	}
}

// runRecordPlaneLoop closes the writer/loader round trip in-process:
// periodically flush the writer's pending records straight into the
// loader (standing in for whatever transport a networked deployment
// would move them over), then hand the loader's reply back to the
// writer so it can forward the next request to the dispatcher mailbox.
func runRecordPlaneLoop(ctx context.Context, w *recordplane.Writer, l *recordplane.Loader, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kind, payload, err := w.OnSend()
			if err != nil {
				logger.Warn("record plane: writer dump failed", zap.Error(err))
				continue
			}
			if kind == recordplane.NoReply {
				continue
			}
			if _, err := l.OnReceive("dispatcherd-worker-0", payload); err != nil {
				logger.Warn("record plane: loader ingest failed", zap.Error(err))
				continue
			}
			reply, err := l.OnReply("dispatcherd-worker-0")
			if err != nil {
				logger.Warn("record plane: loader reply failed", zap.Error(err))
				continue
			}
			if err := w.OnRecv(reply); err != nil {
				logger.Warn("record plane: writer recv failed", zap.Error(err))
			}
		}
	}
}
