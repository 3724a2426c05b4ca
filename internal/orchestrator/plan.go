package orchestrator

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/obit-cli/internal/model"
)

// Plan is the source plan: the priority phases, the family table used by the
// early-stop rule and the sources that run regardless of early stopping.
type Plan struct {
	Phases    []Phase                       `yaml:"phases"`
	Families  map[string][]model.SourceType `yaml:"families"`
	AlwaysRun []model.SourceType            `yaml:"always_run"`

	familyOf map[model.SourceType]string
	always   map[model.SourceType]bool
}

// Phase is one priority tier of sources, tried in listed order.
type Phase struct {
	Name    string             `yaml:"name"`
	Sources []model.SourceType `yaml:"sources"`
}

// LoadPlan reads a source plan from a YAML file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: read plan %s", path)
	}
	return ParsePlan(data)
}

// ParsePlan parses a source plan. The YAML has a top-level "plan" key.
func ParsePlan(data []byte) (*Plan, error) {
	var wrapper struct {
		Plan Plan `yaml:"plan"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "orchestrator: parse plan")
	}
	p := &wrapper.Plan
	if err := p.index(); err != nil {
		return nil, err
	}
	return p, nil
}

// DefaultPlan is the built-in plan used when no plan file is configured.
func DefaultPlan() *Plan {
	p := &Plan{
		Phases: []Phase{
			{Name: "structured", Sources: []model.SourceType{model.SourceWikidata, model.SourceWikipedia}},
			{Name: "free_text", Sources: []model.SourceType{model.SourceNewsFeed, model.SourceLegacy}},
			{Name: "archives", Sources: []model.SourceType{model.SourceOpenLibrary, model.SourceInternetArchive}},
			{Name: "paid_search", Sources: []model.SourceType{model.SourcePerplexity, model.SourceJinaSearch}},
		},
		Families: map[string][]model.SourceType{
			"wikimedia":  {model.SourceWikidata, model.SourceWikipedia},
			"news":       {model.SourceNewsFeed},
			"obituaries": {model.SourceLegacy},
			"books":      {model.SourceOpenLibrary, model.SourceInternetArchive},
			"web_search": {model.SourceJinaSearch, model.SourcePerplexity},
		},
		AlwaysRun: []model.SourceType{model.SourceOpenLibrary, model.SourceInternetArchive},
	}
	if err := p.index(); err != nil {
		panic(err)
	}
	return p
}

// index validates the plan and builds the membership lookups. A source may
// appear in at most one phase and at most one family.
func (p *Plan) index() error {
	seen := make(map[model.SourceType]bool)
	for _, ph := range p.Phases {
		for _, t := range ph.Sources {
			if seen[t] {
				return eris.Errorf("orchestrator: source %s listed twice in plan phases", t)
			}
			seen[t] = true
		}
	}
	if len(seen) == 0 {
		return eris.New("orchestrator: plan has no sources")
	}

	p.familyOf = make(map[model.SourceType]string)
	for fam, members := range p.Families {
		for _, t := range members {
			if other, ok := p.familyOf[t]; ok && other != fam {
				return eris.Errorf("orchestrator: source %s in families %s and %s", t, other, fam)
			}
			p.familyOf[t] = fam
		}
	}

	p.always = make(map[model.SourceType]bool, len(p.AlwaysRun))
	for _, t := range p.AlwaysRun {
		p.always[t] = true
	}
	return nil
}

// Order returns every planned source type in priority order.
func (p *Plan) Order() []model.SourceType {
	var out []model.SourceType
	for _, ph := range p.Phases {
		out = append(out, ph.Sources...)
	}
	return out
}

// Family returns the family key of t. A source outside every family is its
// own family.
func (p *Plan) Family(t model.SourceType) string {
	if fam, ok := p.familyOf[t]; ok {
		return fam
	}
	return string(t)
}

// AlwaysRuns reports whether t is exempt from early stopping.
func (p *Plan) AlwaysRuns(t model.SourceType) bool {
	return p.always[t]
}
