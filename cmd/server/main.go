package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hu6789/MacroImmunet-demo/internal/logging"
	"github.com/hu6789/MacroImmunet-demo/internal/observability"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/archive"
	persistlog "github.com/hu6789/MacroImmunet-demo/internal/persistence/log"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/s3mirror"
	"github.com/hu6789/MacroImmunet-demo/internal/persistence/snapshot"
	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/tuning"
	"github.com/hu6789/MacroImmunet-demo/internal/transport/observer"
	"github.com/hu6789/MacroImmunet-demo/internal/transport/ws"
)

const defaultTuningPath = "./configs/tuning.yaml"

type serverFlags struct {
	addr       string
	dataDir    string
	tuningPath string
	disableDB  bool

	snapPath      string
	loadLatest    bool
	archiveEvery  uint64
	keepSnapshots int

	logJSON  bool
	logLevel string

	enableAdmin bool
	enablePprof bool

	policies []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:   "labelcenter",
		Short: "Run the Label Center store",
		Long: `Run the Label Center: the tick-bounded transactional store for fields,
labels and ownership.

Collaborators connect over /v1/ws, read committed snapshots and submit intents.
Every tick is logged to <data>/<store_id>/events and periodically snapshotted.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Initialize(f.logJSON, f.logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", ":8080", "http listen address")
	fl.StringVar(&f.dataDir, "data", "./data", "runtime data directory")
	fl.StringVar(&f.tuningPath, "tuning", defaultTuningPath, "path to tuning.yaml or tuning.toml")
	fl.BoolVar(&f.disableDB, "disable-db", false, "disable the sqlite index (tick/audit/snapshot metadata)")
	fl.StringVar(&f.snapPath, "snapshot", "", "snapshot to resume from (optional)")
	fl.BoolVar(&f.loadLatest, "load-latest-snapshot", true, "resume from the latest snapshot in the data dir when --snapshot is empty")
	fl.Uint64Var(&f.archiveEvery, "archive-every-ticks", 0, "copy snapshots on multiples of this tick into <store>/archives (0 = off)")
	fl.IntVar(&f.keepSnapshots, "keep-snapshots", 0, "keep only the newest N snapshots in <store>/snapshots (0 = keep all)")
	fl.BoolVar(&f.logJSON, "log-json", false, "log JSON instead of console text")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fl.BoolVar(&f.enableAdmin, "admin", true, "serve loopback-only admin and observer endpoints")
	fl.BoolVar(&f.enablePprof, "pprof", false, "serve /debug/pprof")
	fl.StringSliceVar(&f.policies, "policy", nil, "decision backends run each tick: noop, scan:<field>[:<type>], claim:<owner>[:<type>]")
	return cmd
}

func run(parent context.Context, f serverFlags) error {
	logger := logging.Logger.Named("server")

	tune, err := loadTuning(f.tuningPath, logger)
	if err != nil {
		return errors.Wrap(err, "load tuning")
	}
	backends, err := parseBackends(f.policies)
	if err != nil {
		return err
	}

	storeDir := filepath.Join(f.dataDir, tune.StoreID)
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return err
	}

	tickLog := persistlog.NewTickLogger(storeDir)
	auditLog := persistlog.NewAuditLogger(storeDir)
	defer tickLog.Close()
	defer auditLog.Close()
	ticks := tickTee{tickLog}
	audits := auditTee{auditLog}

	// Read-model index; never affects commits.
	var (
		recorder snapshotRecorder
		dropped  droppedCounter
	)
	idx, err := openIndex(storeDir, f.disableDB)
	if err != nil {
		return errors.Wrap(err, "open index")
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Warnw("index: upsert tuning", "error", err)
		}
		ticks = append(ticks, idx)
		audits = append(audits, idx)
		recorder, dropped = idx, idx
	}

	snapCh := make(chan snapshot.SnapshotV1, 2)
	opts := []center.Option{
		center.WithLogger(logging.Logger.Named("center")),
		center.WithTickLogger(ticks),
		center.WithAuditLogger(audits),
		center.WithSnapshotSink(snapCh),
	}

	c, err := openCenter(f, tune, storeDir, opts, logger)
	if err != nil {
		return err
	}

	observability.RegisterMetrics()
	validator, err := protocol.NewValidator()
	if err != nil {
		return errors.Wrap(err, "load schemas")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mirror, err := openMirror(ctx, f.dataDir, logging.Logger.Named("mirror"))
	if err != nil {
		return errors.Wrap(err, "open mirror")
	}
	snaps := &snapshotStore{
		storeDir:     storeDir,
		idx:          recorder,
		mirror:       mirror,
		archiveEvery: f.archiveEvery,
		keep:         f.keepSnapshots,
		log:          logging.Logger.Named("snapshot"),
	}
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		writeSnapshots(ctx, snapCh, snaps)
	}()

	driver := newDriver(c, backends, logging.Logger.Named("policy"))
	go runPolicies(ctx, c, driver, logger)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	wsSrv := ws.NewServer(c, validator, ws.Options{
		SubmitPerSecond:     tune.RateLimits.SubmitPerSecond,
		SubmitBurst:         tune.RateLimits.SubmitBurst,
		PerceptionThreshold: tune.Labels.PerceptionThreshold,
	}, logging.Logger.Named("ws"))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	if f.enableAdmin {
		mux.HandleFunc("/admin/v1/state", stateHandler(c, wsSrv, dropped, mirror))
		mux.HandleFunc("/admin/v1/snapshot", snapshotHandler(c, snaps))
		obsSrv := observer.NewServer(c, logging.Logger.Named("observer"))
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Infow("admin endpoints disabled")
	}
	if f.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              f.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Infow("listening", "addr", f.addr, "store", tune.StoreID, "tick", c.Snapshot().Tick(), "tick_rate_hz", c.Config().TickRateHz)
	serveErr := srv.ListenAndServe()
	stop()

	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("store stopped", "error", err)
	}
	<-snapDone

	// Final snapshot so a restart resumes exactly where we stopped.
	if tick, path, err := writeCurrentSnapshot(c, snaps); err != nil {
		logger.Errorw("final snapshot", "error", err)
	} else {
		logger.Infow("final snapshot written", "tick", tick, "path", path)
	}
	mirror.Close()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// loadTuning reads path. A missing file at the default location falls back to the
// built-in defaults plus environment.
func loadTuning(path string, logger *zap.SugaredLogger) (tuning.Tuning, error) {
	if path == defaultTuningPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Infow("tuning not found, using defaults", "path", path)
			path = ""
		}
	}
	return tuning.Load(path)
}

func openCenter(f serverFlags, tune tuning.Tuning, storeDir string, opts []center.Option, logger *zap.SugaredLogger) (*center.Center, error) {
	path := strings.TrimSpace(f.snapPath)
	if path == "" && f.loadLatest {
		latest, err := snapshot.Latest(filepath.Join(storeDir, "snapshots"))
		if err != nil {
			return nil, err
		}
		path = latest
	}
	if path == "" {
		c, err := center.New(tune.Center(), opts...)
		if err != nil {
			return nil, errors.Wrap(err, "new store")
		}
		logger.Infow("fresh store", "store", tune.StoreID, "grid", tune.Grid, "fields", len(tune.Fields))
		return c, nil
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	if snap.Header.StoreID != "" && snap.Header.StoreID != tune.StoreID {
		return nil, errors.Newf("snapshot store id mismatch: tuning=%s snapshot=%s", tune.StoreID, snap.Header.StoreID)
	}
	c, err := center.Restore(snap, tune.SnapshotEveryTicks, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "restore %s", filepath.Base(path))
	}
	logger.Infow("resumed from snapshot", "path", filepath.Base(path), "tick", c.Snapshot().Tick(), "digest", c.Snapshot().Digest())
	return c, nil
}

type snapshotRecorder interface {
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
}

// openMirror starts the bucket mirror when LC_S3_BUCKET is set. A nil mirror is inert.
func openMirror(ctx context.Context, dataDir string, logger *zap.SugaredLogger) (*s3mirror.Mirror, error) {
	cfg, err := s3mirror.ConfigFromEnv()
	if err != nil || !cfg.Enabled() {
		return nil, err
	}
	client, err := s3mirror.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Infow("mirroring snapshots", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "endpoint", cfg.Endpoint)
	return s3mirror.NewMirror(client, dataDir, s3mirror.Options{
		Prefix:        cfg.Prefix,
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
	}, logger), nil
}

// snapshotStore writes snapshots for one store: the file, its index row, an
// epoch archive copy, the bucket mirror and retention of the resume directory.
type snapshotStore struct {
	storeDir     string
	idx          snapshotRecorder
	mirror       *s3mirror.Mirror
	archiveEvery uint64
	keep         int
	log          *zap.SugaredLogger
}

func (st *snapshotStore) dir() string { return filepath.Join(st.storeDir, "snapshots") }

func (st *snapshotStore) write(snap snapshot.SnapshotV1) (string, error) {
	path := snapshot.PathForTick(st.dir(), snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if st.idx != nil {
		st.idx.RecordSnapshot(path, snap)
	}
	st.mirror.Enqueue(path)
	if epoch, dst, ok, err := archive.ArchiveEpochSnapshot(st.storeDir, path, snap, st.archiveEvery); err != nil {
		st.log.Warnw("snapshot archive", "tick", snap.Header.Tick, "error", err)
	} else if ok {
		st.log.Infow("snapshot archived", "epoch", epoch, "tick", snap.Header.Tick, "path", dst)
		st.mirror.Enqueue(filepath.Join(filepath.Dir(dst), "meta.json"))
	}
	if removed, err := archive.PruneSnapshots(st.dir(), st.keep); err != nil {
		st.log.Warnw("snapshot retention", "error", err)
	} else if len(removed) > 0 {
		st.log.Debugw("snapshots pruned", "count", len(removed))
	}
	return path, nil
}

func writeSnapshots(ctx context.Context, ch <-chan snapshot.SnapshotV1, st *snapshotStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			path, err := st.write(snap)
			if err != nil {
				st.log.Warnw("snapshot write", "tick", snap.Header.Tick, "error", err)
				continue
			}
			st.log.Debugw("snapshot written", "tick", snap.Header.Tick, "path", path)
		}
	}
}

// writeCurrentSnapshot exports the last committed tick. Committed snapshots are
// immutable, so this is safe while the store keeps running.
func writeCurrentSnapshot(c *center.Center, st *snapshotStore) (uint64, string, error) {
	snap := c.ExportSnapshot(c.Snapshot())
	path, err := st.write(snap)
	return snap.Header.Tick, path, err
}

func snapshotHandler(c *center.Center, st *snapshotStore) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		tick, path, err := writeCurrentSnapshot(c, st)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick, "path": path})
	}
}

type stateResponse struct {
	StoreID      string `json:"store_id"`
	Tick         uint64 `json:"tick"`
	Digest       string `json:"digest"`
	Phase        string `json:"phase"`
	Labels       int    `json:"labels"`
	Owned        int    `json:"owned"`
	Sessions     int    `json:"sessions"`
	IndexDropped uint64 `json:"index_dropped"`

	Mirror *s3mirror.Stats `json:"mirror,omitempty"`
}

type droppedCounter interface {
	Dropped() uint64
}

func stateHandler(c *center.Center, wsSrv *ws.Server, idx droppedCounter, mirror *s3mirror.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		snap := c.Snapshot()
		resp := stateResponse{
			StoreID:  c.Config().StoreID,
			Tick:     snap.Tick(),
			Digest:   snap.Digest(),
			Phase:    c.Phase().String(),
			Labels:   snap.LabelCount(),
			Owned:    snap.OwnedCount(),
			Sessions: wsSrv.Sessions(),
		}
		if idx != nil {
			resp.IndexDropped = idx.Dropped()
		}
		if mirror != nil {
			ms := mirror.Stats()
			resp.Mirror = &ms
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
