package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"revline/internal/config"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/repo"
	"revline/internal/rules"
)

func TestOpenWiresEngineWithFileRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, rules.DefaultDocument(), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	cfg := config.Default()
	cfg.Rules.Source = config.SourceFile
	cfg.Rules.Path = path
	ctx := context.Background()

	a, err := Open(ctx, dir, cfg, nil, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(ctx)

	rs, err := a.Engine.CurrentRuleSet(ctx)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if rs.Origin != "file:"+path {
		t.Fatalf("origin = %s", rs.Origin)
	}
	if err := a.Engine.Repo.UpsertConstituent(ctx, domain.Constituent{ID: "c-1"}); err != nil {
		t.Fatalf("constituent: %v", err)
	}
	res, err := a.Engine.RouteOpportunity(ctx, engine.RouteRequest{ConstituentID: "c-1", Type: domain.OpportunityTicket, Amount: 40})
	if err != nil || res.PrimaryRole != "ticketing" {
		t.Fatalf("route = %+v, %v", res, err)
	}
}

func TestRuleSourceRejectsUnknown(t *testing.T) {
	if _, err := RuleSource(context.Background(), config.RulesConfig{Source: "ftp"}, repo.Repo{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf).Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("json output = %q", buf.String())
	}
	buf.Reset()
	NewLogger(config.LogConfig{Level: "warn"}, &buf).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
}
