package engine

import (
	"fmt"

	"github.com/developer-mesh/eventmesh-engine/pkg/config"
	"github.com/developer-mesh/eventmesh-engine/pkg/ids"
)

// shuffleMarker is the literal step-list entry marking a pipeline stage
// boundary.
const shuffleMarker = "SHUFFLE"

// ResolveEffectiveEvents computes the effective event set from a declared
// AppConfig:
//
//  1. filters to events whose group is DEFAULT_GROUP or in enabledGroups
//     (all events pass when enabledGroups is empty);
//  2. expands SHUFFLE-delimited step lists into named stages
//     "<event>$stage<N>", wiring each stage's output stream to the next
//     stage's input stream;
//  3. adds a SERVICE sibling "<event>$__service__" for any STREAM event
//     whose registered handler exposes a service generator hook.
func ResolveEffectiveEvents(appConfig *config.AppConfig, enabledGroups []string, handler *Handler) map[string]*config.EventDescriptor {
	enabled := make(map[string]bool, len(enabledGroups))
	for _, g := range enabledGroups {
		enabled[g] = true
	}

	effective := make(map[string]*config.EventDescriptor)
	for eventName, ev := range appConfig.Events {
		group := ev.EffectiveGroup()
		if len(enabledGroups) > 0 && group != config.DefaultGroup && !enabled[group] {
			continue
		}

		for name, split := range splitStages(eventName, ev) {
			effective[name] = split
		}

		if ev.Type == config.EventSTREAM {
			if impl, ok := handler.Lookup(eventName); ok && impl.ServiceGenerator != nil {
				effective[ids.ServiceSiblingName(eventName)] = &config.EventDescriptor{
					Type:        config.EventSERVICE,
					Connections: ev.Connections,
					Impl:        ev.Impl,
					Settings:    ev.Settings,
				}
			}
		}
	}
	return effective
}

// splitStages expands ev's step list on shuffleMarker into one effective
// EventDescriptor per stage. A stage after the first reads from an
// internal stream fed by the previous stage's write, and (unless it is
// the last stage) writes to an internal stream consumed by the next
// stage, both propagating the upstream queue label.
func splitStages(eventName string, ev *config.EventDescriptor) map[string]*config.EventDescriptor {
	stages := splitOnMarker(ev.Steps, shuffleMarker)
	if len(stages) <= 1 {
		return map[string]*config.EventDescriptor{eventName: ev}
	}

	out := make(map[string]*config.EventDescriptor, len(stages))
	for i, stageSteps := range stages {
		clone := *ev
		clone.Steps = stageSteps

		stageName := eventName
		if i > 0 {
			stageName = ids.StageName(eventName, fmt.Sprintf("stage%d", i))
			clone.ReadStream = &config.ReadStreamDescriptor{
				Name:          internalStageStream(eventName, i),
				ConsumerGroup: stageName,
				Queues:        []config.Queue{config.AutoQueue},
			}
		}
		if i < len(stages)-1 {
			clone.WriteStream = &config.WriteStreamDescriptor{
				Name:          internalStageStream(eventName, i+1),
				Queues:        []config.Queue{config.AutoQueue},
				QueueStrategy: config.QueuePropagate,
			}
		}
		out[stageName] = &clone
	}
	return out
}

func internalStageStream(eventName string, stage int) string {
	return fmt.Sprintf("__internal.%s.stage%d", eventName, stage)
}

// splitOnMarker splits steps into contiguous runs separated by marker,
// dropping the marker entries themselves. A steps list with no marker
// returns a single-element slice containing the whole list.
func splitOnMarker(steps []string, marker string) [][]string {
	var stages [][]string
	current := make([]string, 0, len(steps))
	for _, s := range steps {
		if s == marker {
			stages = append(stages, current)
			current = make([]string, 0, len(steps))
			continue
		}
		current = append(current, s)
	}
	stages = append(stages, current)
	return stages
}
