package pipeline

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tagvision/internal/httputil"
)

// AttachAdminRoutes exposes the pipeline counters under /debug/pipeline/<name>.
func (p *Pipeline) AttachAdminRoutes(mux *http.ServeMux, name string) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("pipeline/"+name, "Counters for pipeline "+name, func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, struct {
			Kind    string `json:"kind"`
			Exclude []int  `json:"field_pose_exclude"`
			Stats
		}{Kind: p.kind.String(), Exclude: p.FieldPoseExclude(), Stats: p.Stats()})
	})
}
