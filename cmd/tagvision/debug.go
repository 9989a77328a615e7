package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tagvision/internal/db"
	"github.com/banshee-data/tagvision/internal/frame"
	"github.com/banshee-data/tagvision/internal/httputil"
	"github.com/banshee-data/tagvision/internal/network"
	"github.com/banshee-data/tagvision/internal/pipeline"
	"github.com/banshee-data/tagvision/internal/serialmux"
)

// debugMux collects every component's admin routes under /debug/.
func debugMux(name string, pl *pipeline.Pipeline, link serialmux.SerialMuxInterface, results *db.DB, sink *frame.Sink, fwd *network.Forwarder) *http.ServeMux {
	mux := http.NewServeMux()
	pl.AttachAdminRoutes(mux, name)
	link.AttachAdminRoutes(mux)
	if results != nil {
		if err := results.AttachAdminRoutes(mux); err != nil {
			log.Printf("results db admin routes: %v", err)
		}
	}

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("frames", "Frame sink state", func(w http.ResponseWriter, r *http.Request) {
		_, seq := sink.Latest()
		httputil.WriteJSONOK(w, struct {
			Format      string `json:"format"`
			Rows        int    `json:"rows"`
			Cols        int    `json:"cols"`
			Published   uint64 `json:"published"`
			Overwritten uint64 `json:"overwritten"`
		}{
			Format:      sink.Format().Colorspace.String(),
			Rows:        sink.Format().Rows,
			Cols:        sink.Format().Cols,
			Published:   seq,
			Overwritten: sink.Overwritten(),
		})
	})
	if fwd != nil {
		debug.HandleFunc("forward", "UDP result forwarding to "+fwd.Address(), func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSONOK(w, fwd.Stats())
		})
	}
	return mux
}

func serveDebug(ctx context.Context, name string, pl *pipeline.Pipeline, link serialmux.SerialMuxInterface, results *db.DB, sink *frame.Sink, fwd *network.Forwarder) {
	server := &http.Server{
		Addr:    *listen,
		Handler: debugMux(name, pl, link, results, sink, fwd),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("debug server shutdown error: %v", err)
	}
}
