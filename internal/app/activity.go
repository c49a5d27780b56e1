/**
 * @description
 * The ActivityRecorder turns a verified activity claim into exactly one earned
 * ledger entry per qualifying occurrence. Idempotency keys are derived on the
 * server from the user, activity and occurrence bucket, so client retries and
 * concurrent submissions collapse onto one award.
 *
 * @dependencies
 * - internal/catalog: point values and bucket policies.
 * - internal/store: atomic activity + verification + ledger persistence.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/google/uuid"
)

// ActivityDraft is an activity claim before verification.
type ActivityDraft struct {
	Type        domain.ActivityType
	RefID       string
	VenueID     string
	EventID     string
	Method      domain.VerificationMethod
	Evidence    domain.Evidence
	Fingerprint domain.Fingerprint
	// ConfirmedBy is the host confirming a manual override. Only the internal
	// override route sets it.
	ConfirmedBy string
}

type RecordResult struct {
	Entry          domain.LedgerEntry `json:"entry"`
	AlreadyClaimed bool               `json:"alreadyClaimed"`
}

// RiskObserver is the fire-and-forget side of the risk emitter.
type RiskObserver interface {
	ObserveEntry(ctx context.Context, entry domain.LedgerEntry)
	Allow(ctx context.Context, userID string, kind domain.EntryKind) bool
}

// RecorderStore is the persistence the recorder needs.
type RecorderStore interface {
	store.ActivityRepository
	store.UserRepository
}

type ActivityRecorder struct {
	repo       RecorderStore
	catalog    catalog.Catalog
	verifier   *Verifier
	ledger     *Ledger
	risk       RiskObserver
	events     EventBus
	defaultLoc *time.Location
	hardBlock  bool
	now        func() time.Time
}

type RecorderOptions struct {
	DefaultLocation   *time.Location
	VelocityHardBlock bool
}

func NewActivityRecorder(repo RecorderStore, cat catalog.Catalog, verifier *Verifier, ledger *Ledger, risk RiskObserver, events EventBus, opts RecorderOptions) *ActivityRecorder {
	loc := opts.DefaultLocation
	if loc == nil {
		loc = time.UTC
	}
	return &ActivityRecorder{
		repo:       repo,
		catalog:    cat,
		verifier:   verifier,
		ledger:     ledger,
		risk:       risk,
		events:     events,
		defaultLoc: loc,
		hardBlock:  opts.VelocityHardBlock,
		now:        time.Now,
	}
}

// Record verifies and rewards an activity. A repeat of an already rewarded
// occurrence is a success with AlreadyClaimed set and the original entry.
func (r *ActivityRecorder) Record(ctx context.Context, user domain.User, draft ActivityDraft) (RecordResult, error) {
	if err := r.ensureActive(ctx, user); err != nil {
		return RecordResult{}, err
	}

	rule, venue, err := r.resolveRule(ctx, draft)
	if err != nil {
		return RecordResult{}, err
	}

	if rule.Type == domain.ActivityPost {
		if prior, err := r.repo.FindAwardByRef(ctx, user.ID, rule.Type, rule.RefID); err == nil {
			return RecordResult{Entry: prior, AlreadyClaimed: true}, nil
		} else if !errors.Is(err, store.ErrEntryNotFound) {
			return RecordResult{}, fmt.Errorf("lookup prior post award: %w", err)
		}
	}

	bucket := r.bucketFor(rule, venue)
	key := IdempotencyKey(user.ID, rule.Type, awardRef(rule), bucket)

	if prior, err := r.repo.FindAwardByKey(ctx, key); err == nil {
		return RecordResult{Entry: prior, AlreadyClaimed: true}, nil
	} else if !errors.Is(err, store.ErrEntryNotFound) {
		return RecordResult{}, fmt.Errorf("lookup prior award: %w", err)
	}

	if r.hardBlock && r.risk != nil && !r.risk.Allow(ctx, user.ID, domain.EntryKindEarned) {
		return RecordResult{}, ErrVelocityLimited
	}

	rec, err := r.verifier.Verify(ctx, VerifyRequest{
		User:        user,
		Rule:        rule,
		Venue:       venue,
		Method:      draft.Method,
		Evidence:    draft.Evidence,
		Fingerprint: draft.Fingerprint,
		ConfirmedBy: draft.ConfirmedBy,
	})
	if err != nil {
		return RecordResult{}, err
	}

	activity := domain.Activity{
		ID:             uuid.New(),
		UserID:         user.ID,
		Type:           rule.Type,
		RefID:          rule.RefID,
		VenueID:        rule.VenueID,
		EventID:        rule.EventID,
		Bucket:         bucket,
		IdempotencyKey: key,
		Verification:   rec,
		CreatedAt:      rec.CreatedAt,
	}
	entry := domain.LedgerEntry{
		UserID:     user.ID,
		Amount:     rule.Points,
		Kind:       domain.EntryKindEarned,
		Status:     domain.EntryStatusCompleted,
		SourceType: domain.SourceActivity,
		SourceRef:  activity.ID.String(),
	}

	posted, err := withConflictRetry(ctx, "record_award", func() (domain.LedgerEntry, error) {
		return r.repo.RecordAward(ctx, activity, entry)
	})
	if errors.Is(err, store.ErrAlreadyClaimed) {
		r.verifier.Release(ctx, rec)
		prior, lookupErr := r.repo.FindAwardByKey(ctx, key)
		if lookupErr != nil {
			return RecordResult{}, fmt.Errorf("load concurrent award: %w", lookupErr)
		}
		return RecordResult{Entry: prior, AlreadyClaimed: true}, nil
	}
	if err != nil {
		r.verifier.Release(ctx, rec)
		log.Printf("level=error component=activity msg=\"failed to post award\" user_id=%s type=%s ref_id=%s err=%v", user.ID, rule.Type, rule.RefID, err)
		return RecordResult{}, &VerificationError{Reason: domain.ReasonPostFailed, Err: err}
	}

	r.ledger.Invalidate(ctx, user.ID)
	log.Printf("level=info component=activity msg=\"activity rewarded\" user_id=%s type=%s ref_id=%s points=%d method=%s", user.ID, rule.Type, rule.RefID, rule.Points, rec.Method)

	r.events.publish(ctx, EventActivityRewarded, ActivityRewardedEvent{
		UserID:     user.ID,
		ActivityID: activity.ID,
		EntryID:    posted.ID,
		Type:       rule.Type,
		RefID:      rule.RefID,
		VenueID:    rule.VenueID,
		EventID:    rule.EventID,
		Points:     posted.Amount,
		Method:     rec.Method,
		OccurredAt: posted.CreatedAt,
	})
	if r.risk != nil {
		r.risk.ObserveEntry(ctx, posted)
	}
	return RecordResult{Entry: posted}, nil
}

func (r *ActivityRecorder) ensureActive(ctx context.Context, user domain.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidActivity)
	}
	if user.Suspended {
		return ErrUserSuspended
	}
	restriction, err := r.repo.GetRestriction(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load user restriction: %w", err)
	}
	if restriction.Suspended {
		return ErrUserSuspended
	}
	return nil
}

func (r *ActivityRecorder) resolveRule(ctx context.Context, draft ActivityDraft) (catalog.Rule, *catalog.Venue, error) {
	if !draft.Type.Valid() {
		return catalog.Rule{}, nil, fmt.Errorf("%w: unknown type %q", ErrInvalidActivity, draft.Type)
	}
	query := catalog.RuleQuery{
		Type:    draft.Type,
		RefID:   strings.TrimSpace(draft.RefID),
		VenueID: strings.TrimSpace(draft.VenueID),
		EventID: strings.TrimSpace(draft.EventID),
	}
	if draft.Type == domain.ActivityCheckin && query.VenueID == "" {
		return catalog.Rule{}, nil, fmt.Errorf("%w: check-in requires a place", ErrInvalidActivity)
	}
	if draft.Type != domain.ActivityCheckin && query.RefID == "" {
		return catalog.Rule{}, nil, fmt.Errorf("%w: %s requires a reference id", ErrInvalidActivity, draft.Type)
	}

	rule, err := r.catalog.Rule(ctx, query)
	if err != nil {
		return catalog.Rule{}, nil, err
	}
	if !rule.RequiresPresence() {
		return rule, nil, nil
	}
	if query.VenueID != "" && query.VenueID != rule.VenueID {
		return catalog.Rule{}, nil, fmt.Errorf("%w: %s %s is not offered at %s", ErrRuleNotFound, rule.Type, rule.RefID, query.VenueID)
	}
	venue, err := r.catalog.Venue(ctx, rule.VenueID)
	if err != nil {
		return catalog.Rule{}, nil, err
	}
	return rule, &venue, nil
}

func (r *ActivityRecorder) bucketFor(rule catalog.Rule, venue *catalog.Venue) string {
	switch rule.Bucket {
	case catalog.BucketOnce:
		return "once"
	case catalog.BucketEvent:
		return "event:" + rule.EventID
	}
	loc := r.defaultLoc
	if venue != nil {
		loc = venue.Location(r.defaultLoc)
	}
	return "day:" + r.now().In(loc).Format("2006-01-02")
}

// awardRef is the reference folded into the idempotency key. Post ids come
// from the client, so posts are keyed per user per day and the id is kept on
// the activity only.
func awardRef(rule catalog.Rule) string {
	if rule.Type == domain.ActivityPost {
		return ""
	}
	return rule.RefID
}

// IdempotencyKey is the award key for one qualifying occurrence.
func IdempotencyKey(userID string, activityType domain.ActivityType, refID, bucket string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{userID, string(activityType), refID, bucket}, "|")))
	return hex.EncodeToString(sum[:])
}
