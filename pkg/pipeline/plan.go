package pipeline

import (
	"context"
	"fmt"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/compose"
	"github.com/3leaps/oceangrid/pkg/discover"
	"github.com/3leaps/oceangrid/pkg/scene"
)

// Plan is what a run would do, without side effects.
type Plan struct {
	RunID    string
	DataRoot string
	Stages   []string
	Jobs     []batch.JobKey
	// Scenes are the level-1A scenes the download stage would fetch, or
	// the archived ones when download is disabled.
	Scenes   []discover.Candidate
	Unparsed int
	Filtered int
	Windows  []compose.Window
}

// EnabledStages lists the stages the manifest turns on, in order.
func (p *Pipeline) EnabledStages() []string {
	st := p.m.Stages
	on := map[string]bool{
		StageDownload:  st.Download.IsEnabled(),
		StageProcess:   st.Process.IsEnabled(),
		StageBin:       st.Bin.IsEnabled(),
		StageRegrid:    st.Regrid.IsEnabled(),
		StageComposite: st.Composite.IsEnabled() && len(p.periods) > 0,
	}
	var out []string
	for _, s := range StageNames {
		if on[s] {
			out = append(out, s)
		}
	}
	return out
}

// Plan discovers scenes and lays out the composite windows. It downloads
// nothing and does not take the data root lock.
func (p *Pipeline) Plan(ctx context.Context) (*Plan, error) {
	pl := &Plan{
		RunID:    p.runID,
		DataRoot: p.root,
		Stages:   p.EnabledStages(),
		Jobs:     p.keys,
	}
	dates := p.stepDates()
	if p.m.Stages.Download.IsEnabled() {
		res, err := discover.Discover(ctx, p.lister, p.matcher, p.query())
		if err != nil {
			return nil, fmt.Errorf("discover scenes: %w", err)
		}
		pl.Unparsed, pl.Filtered = res.Unparsed, res.Filtered
		for _, c := range res.Candidates {
			if dates[c.Key.Date()] {
				pl.Scenes = append(pl.Scenes, c)
			}
		}
	} else {
		cands, err := p.local(ctx, scene.L1A)
		if err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		for _, c := range cands {
			if dates[c.Key.Date()] {
				pl.Scenes = append(pl.Scenes, c)
			}
		}
	}

	if p.m.Stages.Composite.IsEnabled() {
		begin, end, err := p.m.DateRange()
		if err != nil {
			return nil, err
		}
		for _, per := range p.periods {
			ws, err := compose.Periods(begin, end, per)
			if err != nil {
				return nil, err
			}
			pl.Windows = append(pl.Windows, ws...)
		}
	}
	return pl, nil
}
