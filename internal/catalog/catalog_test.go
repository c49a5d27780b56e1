package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
)

const sampleCatalog = `
conversion:
  points: 100
  amount: "10.00"
  currency: ZAR
venues:
  - id: venue-1
    name: Braamfontein Coffee
    lat: -26.1929
    lng: 28.0305
    radius_meters: 30
    qr_signing_key: venue-1-secret
    checkin_points: 50
    pin_length: 4
    timezone: Africa/Johannesburg
events:
  - id: launch-night
    venue_id: venue-1
    points: 200
tasks:
  - id: follow-venue
    points: 20
surveys:
  - id: onboarding
    points: 40
post:
  points: 10
rewards:
  - id: free-coffee
    name: Free coffee
    cost: 300
    venue_id: venue-1
    active: true
  - id: retired
    name: Old reward
    cost: 100
    active: false
`

func TestParseAndLookup(t *testing.T) {
	ctx := context.Background()
	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	venue, err := c.Venue(ctx, "venue-1")
	if err != nil || venue.RadiusMeters != 30 || venue.PinLength != 4 {
		t.Fatalf("unexpected venue %+v err=%v", venue, err)
	}

	cases := []struct {
		name       string
		query      RuleQuery
		wantPoints int64
		wantBucket BucketPolicy
	}{
		{name: "venue check-in", query: RuleQuery{Type: domain.ActivityCheckin, VenueID: "venue-1"}, wantPoints: 50, wantBucket: BucketDay},
		{name: "event check-in", query: RuleQuery{Type: domain.ActivityCheckin, VenueID: "venue-1", EventID: "launch-night"}, wantPoints: 200, wantBucket: BucketEvent},
		{name: "task", query: RuleQuery{Type: domain.ActivityTask, RefID: "follow-venue"}, wantPoints: 20, wantBucket: BucketOnce},
		{name: "survey", query: RuleQuery{Type: domain.ActivitySurvey, RefID: "onboarding"}, wantPoints: 40, wantBucket: BucketOnce},
		{name: "post", query: RuleQuery{Type: domain.ActivityPost, RefID: "moment-9"}, wantPoints: 10, wantBucket: BucketDay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule, err := c.Rule(ctx, tc.query)
			if err != nil {
				t.Fatalf("rule: %v", err)
			}
			if rule.Points != tc.wantPoints || rule.Bucket != tc.wantBucket {
				t.Fatalf("expected %d/%s, got %d/%s", tc.wantPoints, tc.wantBucket, rule.Points, rule.Bucket)
			}
		})
	}

	if _, err := c.Rule(ctx, RuleQuery{Type: domain.ActivityCheckin, VenueID: "missing"}); !errors.Is(err, ErrVenueNotFound) {
		t.Fatalf("expected ErrVenueNotFound, got %v", err)
	}
	if _, err := c.Reward(ctx, "retired"); !errors.Is(err, ErrRewardNotFound) {
		t.Fatalf("inactive rewards must not be redeemable, got %v", err)
	}
}

func TestRateConvert(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rate, _ := c.ConversionRate(context.Background())
	if got := rate.Convert(600).StringFixed(2); got != "60.00" {
		t.Fatalf("expected 60.00, got %s", got)
	}
	if got := rate.Convert(555).StringFixed(2); got != "55.50" {
		t.Fatalf("expected 55.50, got %s", got)
	}
}

func TestNewStaticDefaultsRate(t *testing.T) {
	c, err := NewStatic(Document{})
	if err != nil {
		t.Fatalf("new static: %v", err)
	}
	rate, _ := c.ConversionRate(context.Background())
	if rate.Points != 100 || rate.Currency != "ZAR" || !rate.Amount.Equal(DefaultRate.Amount) {
		t.Fatalf("expected default rate, got %+v", rate)
	}
}

func TestParseRejectsInvalidVenue(t *testing.T) {
	_, err := Parse([]byte("venues:\n  - id: v\n    radius_meters: 0\n"))
	if err == nil {
		t.Fatal("expected zero radius to be rejected")
	}
}
