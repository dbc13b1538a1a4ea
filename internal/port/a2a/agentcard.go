package a2a

import "github.com/Strob0t/Conductor/internal/port/constraints"

// SkillOrchestrate is the single inbound skill: run a task through the full
// decompose, route, execute and synthesize pipeline.
const SkillOrchestrate = "orchestrate"

// BuildAgentCard returns the card for this Conductor instance. The known
// domains are advertised as tags so callers can tell what it can coordinate.
func BuildAgentCard(baseURL, version string, domains []constraints.DomainInfo) AgentCard {
	tags := make([]string, 0, len(domains))
	for _, d := range domains {
		tags = append(tags, d.ID)
	}
	card := AgentCard{
		Name:        "Conductor",
		Description: "Coordinates domain reasoning services to answer multi-domain requests",
		URL:         baseURL,
		Version:     version,
		Skills: []Skill{
			{
				ID:          SkillOrchestrate,
				Name:        "Orchestrate",
				Description: "Decompose a request, dispatch subtasks to domain services and synthesize one answer",
				Tags:        tags,
				InputModes:  []string{"text"},
				OutputModes: []string{"data"},
			},
		},
	}
	return card
}
