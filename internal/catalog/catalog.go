/**
 * @description
 * The catalog is the external source of point values, venue geofences, QR
 * signing keys, rewards and the points-to-currency rate. It is loaded from a
 * YAML file and served from memory; tests build one directly with NewStatic.
 *
 * @dependencies
 * - gopkg.in/yaml.v3: catalog file parsing.
 * - github.com/shopspring/decimal: exact currency conversion.
 */

package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrVenueNotFound  = errors.New("venue not found")
	ErrRuleNotFound   = errors.New("no point rule for activity")
	ErrRewardNotFound = errors.New("reward not found")
)

// BucketPolicy decides how often the same activity may be rewarded.
type BucketPolicy string

const (
	BucketDay   BucketPolicy = "day"
	BucketOnce  BucketPolicy = "once"
	BucketEvent BucketPolicy = "event"
)

// Venue is a physical place users check in to.
type Venue struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	Lat           float64 `yaml:"lat"`
	Lng           float64 `yaml:"lng"`
	RadiusMeters  float64 `yaml:"radius_meters"`
	QRSigningKey  string  `yaml:"qr_signing_key"`
	CheckinPoints int64   `yaml:"checkin_points"`
	PinLength     int     `yaml:"pin_length"`
	Timezone      string  `yaml:"timezone"`
}

// Location returns the venue's time zone, falling back to fallback when the
// venue has none or it cannot be loaded.
func (v Venue) Location(fallback *time.Location) *time.Location {
	if v.Timezone != "" {
		if loc, err := time.LoadLocation(v.Timezone); err == nil {
			return loc
		}
	}
	if fallback == nil {
		return time.UTC
	}
	return fallback
}

type Event struct {
	ID      string `yaml:"id"`
	VenueID string `yaml:"venue_id"`
	Points  int64  `yaml:"points"`
}

type Task struct {
	ID      string       `yaml:"id"`
	Points  int64        `yaml:"points"`
	VenueID string       `yaml:"venue_id"`
	Bucket  BucketPolicy `yaml:"bucket"`
}

type PostRule struct {
	Points int64 `yaml:"points"`
}

type Reward struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Cost    int64  `yaml:"cost"`
	VenueID string `yaml:"venue_id"`
	Active  bool   `yaml:"active"`
}

// Rate converts points to a payout currency: Points points are worth Amount.
type Rate struct {
	Points   int64           `yaml:"points"`
	Amount   decimal.Decimal `yaml:"-"`
	RawValue string          `yaml:"amount"`
	Currency string          `yaml:"currency"`
}

// Convert returns the currency value of points, rounded to cents.
func (r Rate) Convert(points int64) decimal.Decimal {
	if r.Points <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(points).Mul(r.Amount).Div(decimal.NewFromInt(r.Points)).Round(2)
}

// DefaultRate is 100 points to R10.
var DefaultRate = Rate{Points: 100, Amount: decimal.NewFromInt(10), RawValue: "10", Currency: "ZAR"}

// Rule is the resolved award for one activity claim.
type Rule struct {
	Type    domain.ActivityType
	RefID   string
	VenueID string
	EventID string
	Points  int64
	Bucket  BucketPolicy
}

// RequiresPresence reports whether the activity must be proven at a venue.
func (r Rule) RequiresPresence() bool {
	return r.VenueID != ""
}

// RuleQuery identifies the activity being claimed.
type RuleQuery struct {
	Type    domain.ActivityType
	RefID   string
	VenueID string
	EventID string
}

// Catalog is the read-only collaborator the engine consults for configuration.
type Catalog interface {
	Venue(ctx context.Context, id string) (Venue, error)
	Venues(ctx context.Context) ([]Venue, error)
	Rule(ctx context.Context, query RuleQuery) (Rule, error)
	Reward(ctx context.Context, id string) (Reward, error)
	ConversionRate(ctx context.Context) (Rate, error)
}

// Document is the on-disk catalog layout.
type Document struct {
	Conversion *Rate     `yaml:"conversion"`
	Venues     []Venue   `yaml:"venues"`
	Events     []Event   `yaml:"events"`
	Tasks      []Task    `yaml:"tasks"`
	Surveys    []Task    `yaml:"surveys"`
	Post       *PostRule `yaml:"post"`
	Rewards    []Reward  `yaml:"rewards"`
}

// Static serves a Document from memory.
type Static struct {
	rate    Rate
	venues  map[string]Venue
	order   []string
	events  map[string]Event
	tasks   map[string]Task
	surveys map[string]Task
	post    *PostRule
	rewards map[string]Reward
}

// LoadFile reads and validates a YAML catalog.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalog document.
func Parse(raw []byte) (*Static, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if doc.Conversion != nil {
		amount, err := decimal.NewFromString(strings.TrimSpace(doc.Conversion.RawValue))
		if err != nil {
			return nil, fmt.Errorf("catalog conversion amount %q: %w", doc.Conversion.RawValue, err)
		}
		doc.Conversion.Amount = amount
	}
	return NewStatic(doc)
}

// NewStatic validates doc and indexes it for lookups.
func NewStatic(doc Document) (*Static, error) {
	s := &Static{
		rate:    DefaultRate,
		venues:  make(map[string]Venue, len(doc.Venues)),
		events:  make(map[string]Event, len(doc.Events)),
		tasks:   make(map[string]Task, len(doc.Tasks)),
		surveys: make(map[string]Task, len(doc.Surveys)),
		post:    doc.Post,
		rewards: make(map[string]Reward, len(doc.Rewards)),
	}
	if doc.Conversion != nil {
		if doc.Conversion.Points <= 0 || !doc.Conversion.Amount.IsPositive() {
			return nil, fmt.Errorf("catalog conversion must be positive, got %d points for %s", doc.Conversion.Points, doc.Conversion.Amount)
		}
		s.rate = *doc.Conversion
		if s.rate.Currency == "" {
			s.rate.Currency = DefaultRate.Currency
		}
	}

	for _, v := range doc.Venues {
		if v.ID == "" {
			return nil, errors.New("catalog venue without id")
		}
		if v.RadiusMeters <= 0 {
			return nil, fmt.Errorf("venue %s: radius_meters must be positive", v.ID)
		}
		if _, dup := s.venues[v.ID]; dup {
			return nil, fmt.Errorf("venue %s declared twice", v.ID)
		}
		s.venues[v.ID] = v
		s.order = append(s.order, v.ID)
	}
	for _, e := range doc.Events {
		if _, ok := s.venues[e.VenueID]; !ok {
			return nil, fmt.Errorf("event %s references unknown venue %s", e.ID, e.VenueID)
		}
		s.events[e.ID] = e
	}
	for _, t := range doc.Tasks {
		if t.VenueID != "" {
			if _, ok := s.venues[t.VenueID]; !ok {
				return nil, fmt.Errorf("task %s references unknown venue %s", t.ID, t.VenueID)
			}
		}
		s.tasks[t.ID] = t
	}
	for _, sv := range doc.Surveys {
		s.surveys[sv.ID] = sv
	}
	for _, r := range doc.Rewards {
		if r.Cost <= 0 {
			return nil, fmt.Errorf("reward %s: cost must be positive", r.ID)
		}
		s.rewards[r.ID] = r
	}
	return s, nil
}

func (s *Static) Venue(ctx context.Context, id string) (Venue, error) {
	v, ok := s.venues[id]
	if !ok {
		return Venue{}, fmt.Errorf("%w: %s", ErrVenueNotFound, id)
	}
	return v, nil
}

func (s *Static) Venues(ctx context.Context) ([]Venue, error) {
	out := make([]Venue, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.venues[id])
	}
	return out, nil
}

func (s *Static) Rule(ctx context.Context, q RuleQuery) (Rule, error) {
	switch q.Type {
	case domain.ActivityCheckin:
		if q.EventID != "" {
			e, ok := s.events[q.EventID]
			if !ok || (q.VenueID != "" && e.VenueID != q.VenueID) {
				return Rule{}, fmt.Errorf("%w: event %s", ErrRuleNotFound, q.EventID)
			}
			return Rule{Type: q.Type, RefID: e.ID, VenueID: e.VenueID, EventID: e.ID, Points: e.Points, Bucket: BucketEvent}, nil
		}
		v, ok := s.venues[q.VenueID]
		if !ok {
			return Rule{}, fmt.Errorf("%w: %s", ErrVenueNotFound, q.VenueID)
		}
		if v.CheckinPoints <= 0 {
			return Rule{}, fmt.Errorf("%w: venue %s has no check-in award", ErrRuleNotFound, v.ID)
		}
		return Rule{Type: q.Type, RefID: v.ID, VenueID: v.ID, Points: v.CheckinPoints, Bucket: BucketDay}, nil
	case domain.ActivityTask:
		return taskRule(q, s.tasks, BucketOnce)
	case domain.ActivitySurvey:
		return taskRule(q, s.surveys, BucketOnce)
	case domain.ActivityPost:
		if s.post == nil || s.post.Points <= 0 || q.RefID == "" {
			return Rule{}, fmt.Errorf("%w: post", ErrRuleNotFound)
		}
		return Rule{Type: q.Type, RefID: q.RefID, Points: s.post.Points, Bucket: BucketDay}, nil
	}
	return Rule{}, fmt.Errorf("%w: type %q", ErrRuleNotFound, q.Type)
}

func taskRule(q RuleQuery, from map[string]Task, fallback BucketPolicy) (Rule, error) {
	t, ok := from[q.RefID]
	if !ok || t.Points <= 0 {
		return Rule{}, fmt.Errorf("%w: %s %s", ErrRuleNotFound, q.Type, q.RefID)
	}
	bucket := t.Bucket
	if bucket == "" {
		bucket = fallback
	}
	return Rule{Type: q.Type, RefID: t.ID, VenueID: t.VenueID, Points: t.Points, Bucket: bucket}, nil
}

func (s *Static) Reward(ctx context.Context, id string) (Reward, error) {
	r, ok := s.rewards[id]
	if !ok || !r.Active {
		return Reward{}, fmt.Errorf("%w: %s", ErrRewardNotFound, id)
	}
	return r, nil
}

func (s *Static) ConversionRate(ctx context.Context) (Rate, error) {
	return s.rate, nil
}
