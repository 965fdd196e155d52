package proposer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

var affirmatives = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "sure": {}, "ok": {}, "okay": {},
	"confirm": {}, "confirmed": {}, "correct": {}, "done": {}, "finalize": {},
	"looks good": {}, "go ahead": {},
}

// CatalogProposer builds graphs from a connector catalog without calling out
// to a model. It recognises connectors and transforms by name, asks for one
// missing field per turn and finishes with an explicit confirmation.
type CatalogProposer struct {
	catalog *Catalog

	// ThinkDelay is slept before every thought to pace the stream
	ThinkDelay time.Duration
}

// NewCatalogProposer creates a proposer over catalog. A nil catalog uses DefaultCatalog.
func NewCatalogProposer(catalog *Catalog) *CatalogProposer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &CatalogProposer{catalog: catalog}
}

// Propose starts a proposal stream for one turn
func (p *CatalogProposer) Propose(ctx context.Context, req Request) (Stream, error) {
	return NewStream(ctx, func(ctx context.Context, emit EmitFunc) (*Result, error) {
		think := func(format string, args ...interface{}) error {
			if p.ThinkDelay > 0 {
				select {
				case <-time.After(p.ThinkDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return emit(fmt.Sprintf(format, args...))
		}

		if req.PriorGraph == nil || len(req.PriorGraph.Nodes) == 0 {
			return p.draft(req, think)
		}
		return p.refine(req, think)
	}), nil
}

type thinkFunc func(format string, args ...interface{}) error

// draft builds the first graph from the description
func (p *CatalogProposer) draft(req Request, think thinkFunc) (*Result, error) {
	text := req.Description
	if text == "" {
		text = req.Answer
	}

	if err := think("Reading the pipeline description"); err != nil {
		return nil, err
	}
	graph, err := p.build(text, nil, think)
	if err != nil {
		return nil, err
	}
	return p.nextQuestion(graph, nil, think)
}

// refine applies an answer to the prior graph
func (p *CatalogProposer) refine(req Request, think thinkFunc) (*Result, error) {
	graph := req.PriorGraph.Clone()
	answer := strings.TrimSpace(req.Answer)

	if req.Awaiting != nil {
		node, ok := graph.Node(req.Awaiting.NodeID)
		if ok && node.IsRequired(req.Awaiting.Field) {
			if err := think("Checking the %s for %s", humanize(req.Awaiting.Field), node.Name); err != nil {
				return nil, err
			}
			if problem := checkValue(req.Awaiting.Field, answer); problem != "" {
				node = withoutField(node, req.Awaiting.Field)
				node.Status = models.NodeStatusError
				graph = graph.WithNode(node)
				graph.Complete = false
				return &Result{
					Graph:            graph,
					FollowupQuestion: fmt.Sprintf("%s Please provide the %s for %s.", problem, humanize(req.Awaiting.Field), node.Name),
					Awaiting:         req.Awaiting,
				}, nil
			}

			// Redelivering the node clears a previous error
			node.Status = models.NodeStatusPending
			merged, err := models.MergeFields(node, []string{req.Awaiting.Field})
			if err != nil {
				return nil, models.NewProposerError(models.ProposerErrorMalformed, err)
			}
			graph = graph.WithNode(merged)
			values := map[string]map[string]string{
				merged.ID: {req.Awaiting.Field: answer},
			}
			return p.nextQuestion(graph, values, think)
		}
	}

	connectors, transforms := p.catalog.findMentions(answer)
	if len(connectors) > 0 || len(transforms) > 0 {
		if err := think("Updating the pipeline with the new requirements"); err != nil {
			return nil, err
		}
		rebuilt, err := p.build(describe(req), &graph, think)
		if err != nil {
			return nil, err
		}
		return p.nextQuestion(rebuilt, nil, think)
	}

	if graph.AllNodesComplete() && !graph.Complete {
		if isAffirmative(answer) {
			if err := think("Finalizing the pipeline"); err != nil {
				return nil, err
			}
			graph.Complete = true
			return &Result{Graph: graph, FollowupQuestion: "Your pipeline is complete."}, nil
		}
	}

	if graph.Complete {
		return &Result{Graph: graph, FollowupQuestion: "Your pipeline is already complete. Describe a change to keep editing it."}, nil
	}
	return p.nextQuestion(graph, nil, think)
}

// build creates the node chain for text. Fields already provided on nodes of
// prior with the same id are kept.
func (p *CatalogProposer) build(text string, prior *models.WorkflowGraph, think thinkFunc) (models.WorkflowGraph, error) {
	connectors, transforms := p.catalog.findMentions(text)

	var sources, destinations, steps []models.Node
	var dual []*Connector
	for _, m := range connectors {
		c := m.connector
		switch {
		case c.hasRole(models.NodeTypeSource) && c.hasRole(models.NodeTypeDestination):
			dual = append(dual, c)
		case c.hasRole(models.NodeTypeSource):
			sources = append(sources, newNode(c.ID, c.Name, models.NodeTypeSource, c.RequiredFields, prior))
		default:
			destinations = append(destinations, newNode(c.ID, c.Name, models.NodeTypeDestination, c.RequiredFields, prior))
		}
	}
	for i, c := range dual {
		last := i == len(dual)-1
		if last && len(destinations) == 0 && len(connectors) > 1 {
			destinations = append(destinations, newNode(c.ID, c.Name, models.NodeTypeDestination, c.RequiredFields, prior))
			continue
		}
		sources = append(sources, newNode(c.ID, c.Name, models.NodeTypeSource, c.RequiredFields, prior))
	}
	for _, m := range transforms {
		t := m.transform
		steps = append(steps, newNode(t.ID, t.Name, models.NodeTypeTransform, t.RequiredFields, prior))
	}

	for _, n := range sources {
		if err := think("Found %s as a source", n.Name); err != nil {
			return models.WorkflowGraph{}, err
		}
	}
	for _, n := range steps {
		if err := think("Adding a %s step", strings.ToLower(n.Name)); err != nil {
			return models.WorkflowGraph{}, err
		}
	}
	for _, n := range destinations {
		if err := think("Found %s as a destination", n.Name); err != nil {
			return models.WorkflowGraph{}, err
		}
	}

	graph := models.WorkflowGraph{
		Nodes:       make([]models.Node, 0, len(sources)+len(steps)+len(destinations)),
		Connections: []models.Connection{},
	}
	graph.Nodes = append(graph.Nodes, sources...)
	graph.Nodes = append(graph.Nodes, steps...)
	graph.Nodes = append(graph.Nodes, destinations...)

	link := func(from, to []models.Node) {
		for _, a := range from {
			for _, b := range to {
				graph.Connections = append(graph.Connections, models.Connection{SourceNodeID: a.ID, TargetNodeID: b.ID})
			}
		}
	}
	if len(steps) == 0 {
		link(sources, destinations)
	} else {
		link(sources, steps[:1])
		for i := 1; i < len(steps); i++ {
			link(steps[i-1:i], steps[i:i+1])
		}
		link(steps[len(steps)-1:], destinations)
	}

	if len(graph.Connections) > 0 {
		if err := think("Connecting %d nodes", len(graph.Nodes)); err != nil {
			return models.WorkflowGraph{}, err
		}
	}
	return graph, nil
}

// nextQuestion picks the follow-up for graph
func (p *CatalogProposer) nextQuestion(graph models.WorkflowGraph, values map[string]map[string]string, think thinkFunc) (*Result, error) {
	if err := think("Checking required fields"); err != nil {
		return nil, err
	}

	result := &Result{Graph: graph, FieldValues: values}
	if len(graph.Nodes) == 0 {
		result.FollowupQuestion = "I could not recognise any systems in that description. Which system should the pipeline read from, and where should the data go?"
		return result, nil
	}

	for _, node := range graph.Nodes {
		missing := node.MissingFields()
		if len(missing) == 0 {
			continue
		}
		result.FollowupQuestion = fmt.Sprintf("What is the %s for %s?", humanize(missing[0]), node.Name)
		result.Awaiting = &models.FieldRef{NodeID: node.ID, Field: missing[0]}
		return result, nil
	}

	hasSource, hasDestination := false, false
	for _, node := range graph.Nodes {
		hasSource = hasSource || node.Type == models.NodeTypeSource
		hasDestination = hasDestination || node.Type == models.NodeTypeDestination
	}
	switch {
	case !hasSource:
		result.FollowupQuestion = "Where should the pipeline read its data from?"
	case !hasDestination:
		result.FollowupQuestion = "Where should the pipeline write its data?"
	default:
		result.FollowupQuestion = "All required fields are filled in. Shall I finalize the pipeline?"
	}
	return result, nil
}

func newNode(id, name string, typ models.NodeType, required []string, prior *models.WorkflowGraph) models.Node {
	node := models.Node{
		ID:             id,
		Name:           name,
		Type:           typ,
		RequiredFields: append([]string{}, required...),
		ProvidedFields: []string{},
	}
	if prior != nil {
		if old, ok := prior.Node(id); ok {
			for _, f := range old.ProvidedFields {
				if node.IsRequired(f) {
					node.ProvidedFields = append(node.ProvidedFields, f)
				}
			}
		}
	}
	node.Status = models.DeriveStatus(node.RequiredFields, node.ProvidedFields, false)
	return node
}

func withoutField(node models.Node, field string) models.Node {
	out := node.Clone()
	out.ProvidedFields = out.ProvidedFields[:0]
	for _, f := range node.ProvidedFields {
		if f != field {
			out.ProvidedFields = append(out.ProvidedFields, f)
		}
	}
	return out
}

// checkValue returns a complaint when answer is not acceptable for field
func checkValue(field, answer string) string {
	if answer == "" {
		return "I did not get a value."
	}
	if strings.HasSuffix(field, "_url") && !strings.Contains(answer, ".") {
		return fmt.Sprintf("%q does not look like a valid address.", answer)
	}
	return ""
}

// describe joins every user message of the conversation
func describe(req Request) string {
	var parts []string
	for _, msg := range req.Transcript {
		if msg.Role == models.RoleUser && msg.Type == models.MessageTypeMessage {
			parts = append(parts, msg.Content)
		}
	}
	if len(parts) == 0 || parts[len(parts)-1] != req.Answer {
		parts = append(parts, req.Description, req.Answer)
	}
	return strings.Join(parts, "\n")
}

func humanize(field string) string {
	return strings.ReplaceAll(field, "_", " ")
}

func isAffirmative(answer string) bool {
	normalized := strings.ToLower(strings.Trim(strings.TrimSpace(answer), ".!"))
	_, ok := affirmatives[normalized]
	return ok
}
