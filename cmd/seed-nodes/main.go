package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
	"github.com/bizmatters/agent-builder/pipeline-builder/internal/store"
)

var nodeIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// seedFile is the YAML layout accepted by -file
type seedFile struct {
	Nodes []struct {
		ID     string            `yaml:"id"`
		Title  string            `yaml:"title"`
		Values map[string]string `yaml:"values"`
	} `yaml:"nodes"`
}

func main() {
	// Parse command-line flags
	file := flag.String("file", "", "YAML file with a list of nodes to seed")
	nodeID := flag.String("id", "", "Node id (ignored when -file is set)")
	title := flag.String("title", "", "Node title")
	values := flag.String("values", "", "Comma separated field=value pairs")
	redisAddr := flag.String("redis", os.Getenv("REDIS_ADDR"), "Redis address; seeds Redis as well as Postgres when set")
	flag.Parse()

	if err := initTracer(); err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	var details []models.NodeDetail
	var err error
	if *file != "" {
		details, err = loadSeedFile(*file)
	} else {
		var detail models.NodeDetail
		detail, err = buildDetail(*nodeID, *title, *values)
		details = []models.NodeDetail{detail}
	}
	if err != nil {
		log.Fatalf("Validation error: %v", err)
	}

	ctx := context.Background()
	var targets []func(context.Context, models.NodeDetail) error

	// Get database connection string from environment
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}
		log.Println("Connected to PostgreSQL database")

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to create node_details table: %v", err)
		}
		targets = append(targets, pg.Upsert)
	}

	if *redisAddr != "" {
		rs := store.NewRedisStore(*redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			log.Fatalf("Failed to ping redis: %v", err)
		}
		log.Printf("Connected to Redis at %s", *redisAddr)
		targets = append(targets, rs.Put)
	}

	if len(targets) == 0 {
		log.Fatalf("Nothing to seed into: set DATABASE_URL or -redis")
	}

	if err := seed(ctx, details, targets); err != nil {
		log.Fatalf("Failed to seed node details: %v", err)
	}

	log.Printf("✓ Successfully seeded %d node(s)", len(details))
	for _, d := range details {
		log.Printf("  %s: %s (%d values)", d.NodeID, d.NodeTitle, len(d.FilledValues))
	}
}

func seed(ctx context.Context, details []models.NodeDetail, targets []func(context.Context, models.NodeDetail) error) error {
	tracer := otel.Tracer("seed-nodes")
	ctx, span := tracer.Start(ctx, "seed_node_details")
	defer span.End()
	span.SetAttributes(attribute.Int("nodes.count", len(details)))

	for _, d := range details {
		for _, put := range targets {
			if err := put(ctx, d); err != nil {
				span.RecordError(err)
				return fmt.Errorf("node %s: %w", d.NodeID, err)
			}
		}
	}
	return nil
}

func loadSeedFile(path string) ([]models.NodeDetail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var parsed seedFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if len(parsed.Nodes) == 0 {
		return nil, fmt.Errorf("seed file %s lists no nodes", path)
	}

	details := make([]models.NodeDetail, 0, len(parsed.Nodes))
	seen := make(map[string]bool)
	for _, n := range parsed.Nodes {
		if seen[n.ID] {
			return nil, fmt.Errorf("node %s is listed twice", n.ID)
		}
		seen[n.ID] = true

		d := models.NodeDetail{NodeID: n.ID, NodeTitle: n.Title, FilledValues: n.Values}
		if d.FilledValues == nil {
			d.FilledValues = map[string]string{}
		}
		if err := validateDetail(d); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

func buildDetail(nodeID, title, values string) (models.NodeDetail, error) {
	filled, err := parseValues(values)
	if err != nil {
		return models.NodeDetail{}, err
	}
	d := models.NodeDetail{NodeID: nodeID, NodeTitle: title, FilledValues: filled}
	return d, validateDetail(d)
}

// parseValues reads "a=1,b=2" into a map
func parseValues(raw string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid value %q, expected field=value", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func validateDetail(d models.NodeDetail) error {
	if !nodeIDRegex.MatchString(d.NodeID) {
		return fmt.Errorf("invalid node id %q", d.NodeID)
	}
	if strings.TrimSpace(d.NodeTitle) == "" {
		return fmt.Errorf("node %s requires a title", d.NodeID)
	}
	return nil
}

// initTracer initializes OpenTelemetry tracing
func initTracer() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return nil
}
