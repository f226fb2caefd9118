package policy

import (
	"context"
	"time"

	"ums-aaa/internal/models"
)

// Store persists policy entities. Each method is atomic for the entity it
// touches; implementations enforce name uniqueness and the single active
// rule per MAC themselves.
type Store interface {
	// UpsertMacRule stores the rule as the only active rule for its MAC.
	UpsertMacRule(ctx context.Context, rule models.MacRule) (models.MacRule, error)
	ActiveMacRule(ctx context.Context, mac string) (*models.MacRule, error)
	ListMacRules(ctx context.Context, activeOnly bool) ([]models.MacRule, error)
	DeleteMacRule(ctx context.Context, mac string) error

	SaveBandwidthProfile(ctx context.Context, p models.BandwidthProfile) (models.BandwidthProfile, error)
	BandwidthProfile(ctx context.Context, name string) (*models.BandwidthProfile, error)
	ListBandwidthProfiles(ctx context.Context, activeOnly bool) ([]models.BandwidthProfile, error)

	SaveVoucherType(ctx context.Context, vt models.VoucherType) (models.VoucherType, error)
	VoucherType(ctx context.Context, name string) (*models.VoucherType, error)
	ListVoucherTypes(ctx context.Context, activeOnly bool) ([]models.VoucherType, error)

	// InsertAccessCodes stores all codes or none; a username clash fails
	// with DuplicateName.
	InsertAccessCodes(ctx context.Context, codes []models.AccessCode) error
	AccessCode(ctx context.Context, username string) (*models.AccessCode, error)
	ListAccessCodes(ctx context.Context, status models.AccessCodeStatus) ([]models.AccessCode, error)
	// MarkAccessCodeUsed flips unused to used and fails with VoucherUsed
	// when the code was already used.
	MarkAccessCodeUsed(ctx context.Context, username, mac string, at time.Time) (*models.AccessCode, error)
	ResetAccessCode(ctx context.Context, username string) error
	// ReleaseAccessCode returns a code to unused only while it is still
	// used by mac. It reports whether the code was released.
	ReleaseAccessCode(ctx context.Context, username, mac string) (bool, error)

	SaveUserGroup(ctx context.Context, g models.UserGroup) (models.UserGroup, error)
	UserGroup(ctx context.Context, name string) (*models.UserGroup, error)
	ListUserGroups(ctx context.Context, activeOnly bool) ([]models.UserGroup, error)

	SaveSubscriber(ctx context.Context, s models.Subscriber) (models.Subscriber, error)
	Subscriber(ctx context.Context, username string) (*models.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]models.Subscriber, error)
}
