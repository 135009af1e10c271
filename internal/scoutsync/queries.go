package scoutsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// QueryKind names a family of upstream reads sharing a TTL and a validator.
type QueryKind string

const (
	QueryEvent       QueryKind = "event"
	QueryEvents      QueryKind = "events"
	QueryScoutGroups QueryKind = "scoutGroups"
	QueryAccounts    QueryKind = "accounts"
	QueryTeamStats   QueryKind = "teamStats"
)

func defaultTTLs() map[QueryKind]time.Duration {
	return map[QueryKind]time.Duration{
		QueryEvent:       time.Hour,
		QueryEvents:      24 * time.Hour,
		QueryScoutGroups: 24 * time.Hour,
		QueryAccounts:    24 * time.Hour,
		QueryTeamStats:   10 * time.Minute,
	}
}

// Query is one upstream read. Path is relative to /event-server and doubles
// as the cache key.
type Query struct {
	Kind     QueryKind
	Path     string
	Validate Validator
}

func EventQuery(eventKey string) Query {
	return Query{Kind: QueryEvent, Path: "/event/" + url.PathEscape(eventKey), Validate: ValidateEvent}
}

func EventsQuery(year int) Query {
	return Query{Kind: QueryEvents, Path: fmt.Sprintf("/events/%d", year), Validate: ValidateEvents}
}

func ScoutGroupsQuery(eventKey string) Query {
	return Query{Kind: QueryScoutGroups, Path: "/event/" + url.PathEscape(eventKey) + "/scout-groups", Validate: ValidateScoutGroups}
}

func AccountsQuery() Query {
	return Query{Kind: QueryAccounts, Path: "/accounts", Validate: ValidateAccounts}
}

func TeamStatsQuery(eventKey string, team int) Query {
	return Query{
		Kind:     QueryTeamStats,
		Path:     fmt.Sprintf("/event/%s/team/%d/stats", url.PathEscape(eventKey), team),
		Validate: ValidateObject,
	}
}

// Query serves q through the read-through cache using the configured TTL for
// its kind.
func (s *Service) Query(ctx context.Context, q Query) (json.RawMessage, error) {
	b, err := s.cache.Get(ctx, q.Path, s.cfg.TTL(q.Kind), q.Validate)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func (s *Service) Event(ctx context.Context, eventKey string) (json.RawMessage, error) {
	return s.Query(ctx, EventQuery(eventKey))
}

func (s *Service) Events(ctx context.Context, year int) (json.RawMessage, error) {
	return s.Query(ctx, EventsQuery(year))
}

func (s *Service) ScoutGroups(ctx context.Context, eventKey string) (json.RawMessage, error) {
	return s.Query(ctx, ScoutGroupsQuery(eventKey))
}

func (s *Service) Accounts(ctx context.Context) (json.RawMessage, error) {
	return s.Query(ctx, AccountsQuery())
}

func (s *Service) TeamStats(ctx context.Context, eventKey string, team int) (json.RawMessage, error) {
	return s.Query(ctx, TeamStatsQuery(eventKey, team))
}
