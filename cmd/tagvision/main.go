// Command tagvision runs one marker vision pipeline: frames in, packed
// field poses out over the controller link, UDP and the results log.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/config"
	"github.com/banshee-data/tagvision/internal/db"
	"github.com/banshee-data/tagvision/internal/detector"
	"github.com/banshee-data/tagvision/internal/fieldlayout"
	"github.com/banshee-data/tagvision/internal/frame"
	"github.com/banshee-data/tagvision/internal/fsutil"
	"github.com/banshee-data/tagvision/internal/model"
	"github.com/banshee-data/tagvision/internal/monitoring"
	"github.com/banshee-data/tagvision/internal/network"
	"github.com/banshee-data/tagvision/internal/pipeline"
	"github.com/banshee-data/tagvision/internal/pnp"
	"github.com/banshee-data/tagvision/internal/sched"
	"github.com/banshee-data/tagvision/internal/serialmux"
	"github.com/banshee-data/tagvision/internal/synthetic"
	"github.com/banshee-data/tagvision/internal/timeutil"
	"github.com/banshee-data/tagvision/internal/version"
	"github.com/banshee-data/tagvision/internal/wire"
)

var (
	configPath  = flag.String("config", "", "Pipeline configuration JSON")
	layoutPath  = flag.String("layout", "", "Field layout JSON (overrides the config)")
	listen      = flag.String("listen", "localhost:8081", "Debug HTTP listen address")
	devMode     = flag.Bool("dev", false, "Use a synthetic camera orbiting the field instead of real capture")
	cameraSrc   = flag.String("camera", "0", "Capture device index or stream URL")
	devFPS      = flag.Int("dev-fps", 30, "Synthetic frame rate in -dev mode")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.PipelineConfig, error) {
	if *configPath == "" {
		if !*devMode {
			return nil, fmt.Errorf("-config is required outside -dev mode")
		}
		return config.Parse([]byte(`{}`))
	}
	return config.Load(fsutil.OSFileSystem{}, *configPath)
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logFile := monitoring.SetLogFile(cfg.GetLogFile())
	defer logFile.Close()
	log.Printf("Starting %s, pipeline %q (%v)", version.String(), cfg.GetName(), cfg.GetKind())

	path := cfg.GetLayout()
	if *layoutPath != "" {
		path = *layoutPath
	}
	var layout *fieldlayout.Layout
	if path != "" {
		if layout, err = fieldlayout.LoadFile(fsutil.OSFileSystem{}, path); err != nil {
			log.Fatalf("Failed to load field layout: %v", err)
		}
		log.Printf("Loaded %d markers (%s, %.4fm) from %s", layout.Len(), layout.Family(), layout.TagSize(), path)
	} else if *devMode {
		log.Fatal("-dev needs a field layout (-layout or config \"layout\")")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := timeutil.RealClock{}
	sink := frame.NewSink(clock)
	intr := cfg.GetIntrinsics()
	width, height := cfg.GetCameraSize()

	var wg sync.WaitGroup
	var engine detector.Engine
	if *devMode {
		syn := synthetic.NewEngine(layout, intr, width, height)
		syn.SetNoise(0.3, time.Now().UnixNano())
		engine = syn
		orbit := synthetic.Orbit{
			Position: r3.Vec{X: layout.FieldLength() / 2, Y: layout.FieldWidth() / 2, Z: 0.6},
			Period:   20 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := synthetic.Run(ctx, syn, sink, clock, *devFPS, orbit); err != nil {
				log.Printf("synthetic camera stopped: %v", err)
			}
			sink.Close()
		}()
	} else {
		if engine, err = detector.NewGoCVEngine(); err != nil {
			log.Fatalf("Failed to create detector: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := frame.Capture(ctx, *cameraSrc, sink); err != nil && err != context.Canceled {
				log.Printf("capture stopped: %v", err)
				stop()
			}
			sink.Close()
		}()
	}
	det := detector.New(engine)
	defer det.Close()

	// Without a layout the solver still produces tag-relative poses.
	solver := pnp.NewSolver(intr, layout)
	pl := pipeline.New(cfg.PipelineConfig(), pipeline.Deps{
		Detector: det,
		Solver:   solver,
		Clock:    clock,
	})

	pool := sched.NewPool(cfg.SchedOptions())

	var link serialmux.SerialMuxInterface
	if port := cfg.GetSerialPort(); port != "" && !*devMode {
		serialLink, err := serialmux.NewRealSerialMux(port, cfg.GetSerialOptions())
		if err != nil {
			log.Fatalf("Failed to open controller link: %v", err)
		}
		link = serialLink
		log.Printf("Controller link on %s", port)
	} else {
		link = serialmux.NewDisabledSerialMux()
	}
	defer link.Close()

	var fwd *network.Forwarder
	if addr := cfg.GetUDPForward(); addr != "" {
		if fwd, err = network.NewForwarder(addr, network.DefaultQueueSize, clock, 10*time.Second); err != nil {
			log.Fatalf("Failed to create UDP forwarder: %v", err)
		}
		fwd.Start(ctx)
		defer fwd.Close()
	}

	var results *db.DB
	var run db.Run
	if dbPath := cfg.GetDBPath(); dbPath != "" {
		if results, err = db.Open(dbPath); err != nil {
			log.Fatalf("Failed to open results database: %v", err)
		}
		defer results.Close()
		if run, err = results.StartRun(cfg.GetName(), cfg.GetKind(), version.Version); err != nil {
			log.Fatalf("Failed to start run: %v", err)
		}
		log.Printf("Recording results to %s as run %s", dbPath, run.ID)
	}

	out := &output{
		version: cfg.GetWireVersion(),
		link:    link,
		fwd:     fwd,
		db:      results,
		run:     run,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("controller link monitor: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		handleCommands(ctx, link, pl)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		serveDebug(ctx, cfg.GetName(), pl, link, results, sink, fwd)
	}()

	// Futures are drained in submission order so results leave in
	// capture order even with several workers.
	pending := make(chan *sched.Future[model.Result], 2*cfg.GetWorkers())
	wg.Add(1)
	go func() {
		defer wg.Done()
		for fut := range pending {
			r, err := fut.Get()
			if err != nil {
				log.Printf("pipeline task failed: %v", err)
				continue
			}
			out.emit(r)
		}
	}()

	var seq uint64
	for {
		f, next, ok := sink.Next(seq)
		if !ok {
			break
		}
		seq = next
		fut, err := pl.Submit(pool, f)
		if err != nil {
			log.Printf("submit: %v", err)
			break
		}
		pending <- fut
	}
	close(pending)
	pool.Shutdown()
	stop()
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// output fans one packed result out to every configured consumer.
type output struct {
	version uint8
	link    serialmux.SerialMuxInterface
	fwd     *network.Forwarder
	db      *db.DB
	run     db.Run
}

func (o *output) emit(r model.Result) {
	packed, err := wire.EncodeVersion(r, o.version)
	if err != nil {
		log.Printf("encode result: %v", err)
		return
	}
	if err := o.link.Send(packed); err != nil {
		monitoring.Logf("controller link: %v", err)
	}
	if o.fwd != nil {
		o.fwd.Forward(packed)
	}
	if o.db != nil {
		if err := o.db.RecordResult(o.run, r, packed); err != nil {
			monitoring.Logf("results db: %v", err)
		}
	}
}
