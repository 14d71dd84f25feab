package server

import (
	"encoding/json"
	"time"

	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/workqueue"
)

// Request payloads

type ScoringRunRequest struct {
	ConstituentIDs []string `json:"constituent_ids,omitempty"`
	BatchSize      int      `json:"batch_size,omitempty" minimum:"0" maximum:"10000"`
	AsOf           string   `json:"as_of,omitempty" example:"2026-03-01"`
}

type RouteOpportunityRequest struct {
	ConstituentID string  `json:"constituent_id"`
	Type          string  `json:"type" enum:"ticket,major_gift,corporate"`
	Amount        float64 `json:"amount"`
	Override      bool    `json:"override,omitempty"`
}

type RerouteOpportunityRequest struct {
	Override bool `json:"override,omitempty"`
}

type TaskStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,completed,cancelled"`
}

type ImportRulesRequest struct {
	Format   string `json:"format,omitempty" enum:"yaml,json,jsonc"`
	Document string `json:"document"`
}

type RoleChangeRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Priority       string  `json:"priority"`
	Status         string  `json:"status"`
	Title          string  `json:"title,omitempty"`
	AssignedRole   string  `json:"assigned_role"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	OpportunityID  *string `json:"opportunity_id,omitempty"`
	ConstituentID  *string `json:"constituent_id,omitempty"`
	DueAt          *string `json:"due_at,omitempty" format:"date-time"`
	ClaimedAt      *string `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type QueueResponse struct {
	Tasks         []TaskResponse            `json:"tasks"`
	GroupedByType map[string][]TaskResponse `json:"grouped_by_type"`
	Total         int                       `json:"total"`
	Page          int                       `json:"page"`
	PageSize      int                       `json:"page_size"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only returned when the key is created.
	Key string `json:"key,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	Source string   `json:"source"`
}

type RulesResponse = engine.RulesInfo

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeString(*t)
	return &s
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		Type:           t.Type,
		Priority:       string(t.Priority),
		Status:         t.Status,
		Title:          t.Title,
		AssignedRole:   t.AssignedRole,
		AssignedUserID: t.AssignedUserID,
		OpportunityID:  t.OpportunityID,
		ConstituentID:  t.ConstituentID,
		DueAt:          optionalTime(t.DueAt),
		ClaimedAt:      optionalTime(t.ClaimedAt),
		CompletedAt:    optionalTime(t.CompletedAt),
		CreatedAt:      timeString(t.CreatedAt),
		UpdatedAt:      timeString(t.UpdatedAt),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func queueResponse(p workqueue.Page) QueueResponse {
	grouped := make(map[string][]TaskResponse, len(p.GroupedByType))
	for typ, tasks := range p.GroupedByType {
		grouped[typ] = mapTasks(tasks)
	}
	return QueueResponse{
		Tasks:         mapTasks(p.Tasks),
		GroupedByType: grouped,
		Total:         p.Total,
		Page:          p.Page,
		PageSize:      p.PageSize,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, UserID: k.UserID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
