package anonsession

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/mooose/corrector/pkg/db"
)

var ErrNotFound = errors.New("anonymous session not found")

// Repository persists anonymous sessions.
type Repository interface {
	GetOrCreate(ctx context.Context, anonID, ip, deviceID string) (*AnonymousSession, error)
	FindByAnonID(ctx context.Context, anonID string) (*AnonymousSession, error)
}

type repo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewRepository(conn *gorm.DB, genID *snowflake.Node) Repository {
	return &repo{db: conn, genID: genID}
}

// GetOrCreate inserts the identity on first sight, otherwise refreshes
// last_ip and device_id. free_used is never touched here.
func (r *repo) GetOrCreate(ctx context.Context, anonID, ip, deviceID string) (*AnonymousSession, error) {
	anonID = strings.TrimSpace(anonID)
	if anonID == "" {
		return nil, ErrNotFound
	}

	session, err := r.FindByAnonID(ctx, anonID)
	if err == nil {
		updates := map[string]any{"updated_at": time.Now().UTC()}
		if ip != "" && ip != session.LastIP {
			updates["last_ip"] = ip
			session.LastIP = ip
		}
		if deviceID != "" && deviceID != session.DeviceID {
			updates["device_id"] = deviceID
			session.DeviceID = deviceID
		}
		if err := r.db.WithContext(ctx).Model(&AnonymousSession{}).
			Where("anon_id = ?", anonID).Updates(updates).Error; err != nil {
			return nil, err
		}
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created := &AnonymousSession{
		ID:       r.genID.Generate(),
		AnonID:   anonID,
		LastIP:   ip,
		DeviceID: deviceID,
	}
	if err := r.db.WithContext(ctx).Create(created).Error; err != nil {
		// Two first-sight requests can race on the unique anon_id.
		if db.IsDuplicateKeyErr(err) {
			return r.FindByAnonID(ctx, anonID)
		}
		return nil, err
	}
	return created, nil
}

func (r *repo) FindByAnonID(ctx context.Context, anonID string) (*AnonymousSession, error) {
	var session AnonymousSession
	err := r.db.WithContext(ctx).Where("anon_id = ?", anonID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}
