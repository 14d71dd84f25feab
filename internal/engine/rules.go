package engine

import (
	"context"
	"errors"
	"fmt"

	"revline/internal/domain"
	"revline/internal/engine/auth"
	"revline/internal/events"
	"revline/internal/repo"
	"revline/internal/rules"
)

// CurrentRuleSet returns the rule set used for the next evaluation.
func (e Engine) CurrentRuleSet(ctx context.Context) (*rules.RuleSet, error) {
	if e.Rules == nil {
		return nil, errors.New("no rule provider configured")
	}
	return e.Rules.Current(ctx)
}

// RulesInfo describes the active rule set and the stored history.
type RulesInfo struct {
	Name            string                   `json:"name"`
	Version         string                   `json:"version"`
	Digest          string                   `json:"digest"`
	Origin          string                   `json:"origin"`
	RoutingRules    int                      `json:"routing_rules"`
	CollisionRules  int                      `json:"collision_rules"`
	MissingCatchAll []domain.OpportunityType `json:"missing_catch_all"`
	History         []domain.StoredRuleSet   `json:"history"`
}

func (e Engine) DescribeRules(ctx context.Context, historyLimit int) (RulesInfo, error) {
	rs, err := e.CurrentRuleSet(ctx)
	if err != nil {
		return RulesInfo{}, err
	}
	info := RulesInfo{
		Name:            rs.Name,
		Version:         rs.Version,
		Digest:          rs.Digest,
		Origin:          rs.Origin,
		RoutingRules:    len(rs.RoutingRules),
		CollisionRules:  len(rs.CollisionRules),
		MissingCatchAll: rs.MissingCatchAll(),
		History:         []domain.StoredRuleSet{},
	}
	if info.MissingCatchAll == nil {
		info.MissingCatchAll = []domain.OpportunityType{}
	}
	hist, err := e.Repo.ListRuleSets(ctx, rs.Name, historyLimit)
	if err != nil {
		return info, err
	}
	for _, h := range hist {
		h.Document = ""
		info.History = append(info.History, h)
	}
	return info, nil
}

type ImportRequest struct {
	Data   []byte
	Format string
	Actor  Actor
}

type reloader interface {
	Reload(ctx context.Context) (*rules.RuleSet, error)
}

// ImportRuleSet validates a document and stores it as the newest version of
// its rule set. Only admins may import.
func (e Engine) ImportRuleSet(ctx context.Context, req ImportRequest) (*rules.RuleSet, error) {
	roles, err := e.roles(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	if err := auth.Require(roles, auth.PermRulesImport); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, invalid("document", "is required")
	}
	format := req.Format
	if format == "" {
		format = rules.FormatYAML
	}
	rs, err := rules.Parse(req.Data, format)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			return nil, invalid("document", "%s", verr.Error())
		}
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := e.Repo.InsertRuleSet(ctx, tx, domain.StoredRuleSet{
		Name:      rs.Name,
		Version:   rs.Version,
		Format:    format,
		Document:  string(req.Data),
		Digest:    rs.Digest,
		CreatedBy: req.Actor.UserID,
		CreatedAt: repo.FormatTime(e.now()),
	}); err != nil {
		return nil, err
	}
	if err := e.events().Append(ctx, tx, events.RulesImported, "rule_set", rs.Name, req.Actor.UserID, events.EventPayload{
		"version": rs.Version,
		"digest":  rs.Digest,
		"routing": len(rs.RoutingRules),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if l, ok := e.Rules.(*rules.Loader); ok {
		if p, ok := l.Source.(rules.Publisher); ok {
			if err := p.Publish(ctx, rules.Document{Data: req.Data, Format: format}); err != nil {
				return nil, fmt.Errorf("publish rule set: %w", err)
			}
		}
	}
	for _, t := range rs.MissingCatchAll() {
		e.logger().Warn("imported rule set has no catch-all", "type", t, "rule_set", rs.Name, "version", rs.Version)
	}
	if l, ok := e.Rules.(reloader); ok {
		if _, err := l.Reload(ctx); err != nil {
			e.logger().Warn("reload after import", "err", err)
		}
	}
	return rs, nil
}
