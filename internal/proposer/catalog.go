package proposer

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// Connector describes a system a pipeline can read from or write to
type Connector struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Aliases        []string          `yaml:"aliases"`
	Roles          []models.NodeType `yaml:"roles"`
	RequiredFields []string          `yaml:"required_fields"`
}

// Transform describes an intermediate processing step
type Transform struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Keywords       []string `yaml:"keywords"`
	RequiredFields []string `yaml:"required_fields"`
}

// Catalog is the set of building blocks the catalog proposer knows about
type Catalog struct {
	Connectors []Connector `yaml:"connectors"`
	Transforms []Transform `yaml:"transforms"`

	patterns map[string]*regexp.Regexp
}

// LoadCatalog reads a YAML catalog from disk
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.compile()
	return &c, nil
}

// DefaultCatalog returns the built-in connector catalog
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Connectors: []Connector{
			{ID: "shopify", Name: "Shopify", Aliases: []string{"shopify"}, Roles: []models.NodeType{models.NodeTypeSource}, RequiredFields: []string{"store_url"}},
			{ID: "snowflake", Name: "Snowflake", Aliases: []string{"snowflake"}, Roles: []models.NodeType{models.NodeTypeDestination}, RequiredFields: []string{"account_id"}},
			{ID: "salesforce", Name: "Salesforce", Aliases: []string{"salesforce", "sfdc"}, Roles: []models.NodeType{models.NodeTypeSource}, RequiredFields: []string{"instance_url", "api_token"}},
			{ID: "stripe", Name: "Stripe", Aliases: []string{"stripe"}, Roles: []models.NodeType{models.NodeTypeSource}, RequiredFields: []string{"api_key"}},
			{ID: "bigquery", Name: "BigQuery", Aliases: []string{"bigquery", "big query"}, Roles: []models.NodeType{models.NodeTypeDestination}, RequiredFields: []string{"project_id", "dataset"}},
			{ID: "redshift", Name: "Redshift", Aliases: []string{"redshift"}, Roles: []models.NodeType{models.NodeTypeDestination}, RequiredFields: []string{"cluster_url", "database"}},
			{ID: "postgres", Name: "PostgreSQL", Aliases: []string{"postgres", "postgresql"}, Roles: []models.NodeType{models.NodeTypeSource, models.NodeTypeDestination}, RequiredFields: []string{"host", "database"}},
			{ID: "s3", Name: "Amazon S3", Aliases: []string{"s3", "amazon s3"}, Roles: []models.NodeType{models.NodeTypeSource, models.NodeTypeDestination}, RequiredFields: []string{"bucket"}},
		},
		Transforms: []Transform{
			{ID: "deduplicate", Name: "Deduplicate", Keywords: []string{"dedupe", "deduplicate", "duplicates"}, RequiredFields: []string{"key_columns"}},
			{ID: "filter", Name: "Filter", Keywords: []string{"filter", "only include", "exclude"}, RequiredFields: []string{"condition"}},
			{ID: "aggregate", Name: "Aggregate", Keywords: []string{"aggregate", "group by", "summarize"}, RequiredFields: []string{"group_by"}},
		},
	}
	c.compile()
	return c
}

func (c *Catalog) validate() error {
	seen := make(map[string]struct{})
	for _, conn := range c.Connectors {
		if conn.ID == "" || conn.Name == "" {
			return fmt.Errorf("catalog connector requires id and name")
		}
		if _, dup := seen[conn.ID]; dup {
			return fmt.Errorf("duplicate catalog id %q", conn.ID)
		}
		seen[conn.ID] = struct{}{}
		if len(conn.Roles) == 0 {
			return fmt.Errorf("connector %q declares no roles", conn.ID)
		}
		for _, role := range conn.Roles {
			if role != models.NodeTypeSource && role != models.NodeTypeDestination {
				return fmt.Errorf("connector %q has invalid role %q", conn.ID, role)
			}
		}
	}
	for _, tr := range c.Transforms {
		if tr.ID == "" || tr.Name == "" {
			return fmt.Errorf("catalog transform requires id and name")
		}
		if _, dup := seen[tr.ID]; dup {
			return fmt.Errorf("duplicate catalog id %q", tr.ID)
		}
		seen[tr.ID] = struct{}{}
		if len(tr.Keywords) == 0 {
			return fmt.Errorf("transform %q declares no keywords", tr.ID)
		}
	}
	return nil
}

func (c *Catalog) compile() {
	c.patterns = make(map[string]*regexp.Regexp)
	for _, conn := range c.Connectors {
		terms := append([]string{conn.Name}, conn.Aliases...)
		c.patterns[conn.ID] = termPattern(terms)
	}
	for _, tr := range c.Transforms {
		c.patterns[tr.ID] = termPattern(tr.Keywords)
	}
}

func termPattern(terms []string) *regexp.Regexp {
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(term)))
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// mention is a catalog entry found in free text
type mention struct {
	connector *Connector
	transform *Transform
	offset    int
}

// findMentions returns connectors and transforms in order of first appearance
func (c *Catalog) findMentions(text string) (connectors []mention, transforms []mention) {
	lower := strings.ToLower(text)
	for i := range c.Connectors {
		if loc := c.patterns[c.Connectors[i].ID].FindStringIndex(lower); loc != nil {
			connectors = insertByOffset(connectors, mention{connector: &c.Connectors[i], offset: loc[0]})
		}
	}
	for i := range c.Transforms {
		if loc := c.patterns[c.Transforms[i].ID].FindStringIndex(lower); loc != nil {
			transforms = insertByOffset(transforms, mention{transform: &c.Transforms[i], offset: loc[0]})
		}
	}
	return connectors, transforms
}

func insertByOffset(list []mention, m mention) []mention {
	i := len(list)
	for i > 0 && list[i-1].offset > m.offset {
		i--
	}
	list = append(list, mention{})
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}

func (c Connector) hasRole(role models.NodeType) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
