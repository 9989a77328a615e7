package main

import (
	"context"
	"log"

	"github.com/banshee-data/tagvision/internal/pipeline"
	"github.com/banshee-data/tagvision/internal/serialmux"
)

// handleCommands applies controller commands to the pipeline until ctx is
// done or the link closes.
func handleCommands(ctx context.Context, link serialmux.SerialMuxInterface, pl *pipeline.Pipeline) {
	id, lines := link.Subscribe()
	defer link.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			applyCommand(line, pl)
		}
	}
}

func applyCommand(line string, pl *pipeline.Pipeline) {
	cmd, ok := serialmux.ParseCommand(line)
	if !ok {
		return
	}
	switch cmd.Name {
	case serialmux.CommandPing:
		st := pl.Stats()
		log.Printf("controller ping: %d frames, %d field poses", st.Frames, st.FieldPoses)
	case serialmux.CommandExclude:
		pl.ExcludeFromFieldPose(cmd.IDs()...)
		log.Printf("controller: field pose exclude now %v", pl.FieldPoseExclude())
	case serialmux.CommandInclude:
		pl.IncludeInFieldPose(cmd.IDs()...)
		log.Printf("controller: field pose exclude now %v", pl.FieldPoseExclude())
	default:
		log.Printf("controller: ignoring %q", line)
	}
}
