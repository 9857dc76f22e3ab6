package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("token_cache.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("token_cache.empty_database_url")
	errSQLiteEmptyPath     = errors.New("token_cache.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_cache.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_cache.unsupported_no_scheme")
)

// DatabaseCache persists token sets and pending auth requests using GORM.
// It implements both TokenCache and AuthRequestStore so a single database
// URL configures the whole authorization client.
type DatabaseCache struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (cache *DatabaseCache) Driver() string {
	return cache.driverLabel
}

type tokenSetRecord struct {
	DID                string `gorm:"column:did;primaryKey"`
	PDSEndpoint        string `gorm:"column:pds_endpoint;not null"`
	Issuer             string `gorm:"column:issuer;not null"`
	TokenEndpoint      string `gorm:"column:token_endpoint;not null"`
	RevocationEndpoint string `gorm:"column:revocation_endpoint;not null;default:''"`
	AccessToken        string `gorm:"column:access_token;not null"`
	RefreshToken       string `gorm:"column:refresh_token;not null;default:''"`
	Scope              string `gorm:"column:scope;not null;default:''"`
	DPoPKey            string `gorm:"column:dpop_key;not null"`
	ExpiresAtUnix      int64  `gorm:"column:expires_at_unix;not null"`
}

func (tokenSetRecord) TableName() string {
	return "token_sets"
}

type authRequestRecord struct {
	State              string `gorm:"column:state;primaryKey"`
	DID                string `gorm:"column:did;not null;default:''"`
	PDSEndpoint        string `gorm:"column:pds_endpoint;not null"`
	Issuer             string `gorm:"column:issuer;not null"`
	TokenEndpoint      string `gorm:"column:token_endpoint;not null"`
	RevocationEndpoint string `gorm:"column:revocation_endpoint;not null;default:''"`
	PKCEVerifier       string `gorm:"column:pkce_verifier;not null"`
	DPoPKey            string `gorm:"column:dpop_key;not null"`
	DPoPNonce          string `gorm:"column:dpop_nonce;not null;default:''"`
	Scope              string `gorm:"column:scope;not null;default:''"`
	CreatedAtUnix      int64  `gorm:"column:created_at_unix;not null"`
}

func (authRequestRecord) TableName() string {
	return "auth_requests"
}

// NewDatabaseCache constructs a GORM-backed cache for the database URL.
func NewDatabaseCache(ctx context.Context, databaseURL string) (*DatabaseCache, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_cache.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_cache.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&tokenSetRecord{}, &authRequestRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_cache.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseCache{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Get loads the token set for the identity.
func (cache *DatabaseCache) Get(ctx context.Context, did string) (*TokenSet, error) {
	var record tokenSetRecord
	err := cache.db.WithContext(ctx).Where("did = ?", did).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("token_cache.get.%s: %w", cache.driverLabel, ErrTokenSetNotFound)
		}
		return nil, fmt.Errorf("token_cache.get.%s: %w", cache.driverLabel, err)
	}
	set := TokenSet{
		DID:                record.DID,
		PDSEndpoint:        record.PDSEndpoint,
		Issuer:             record.Issuer,
		TokenEndpoint:      record.TokenEndpoint,
		RevocationEndpoint: record.RevocationEndpoint,
		AccessToken:        record.AccessToken,
		RefreshToken:       record.RefreshToken,
		Scope:              record.Scope,
		DPoPKey:            record.DPoPKey,
		ExpiresAtUnix:      record.ExpiresAtUnix,
	}
	return &set, nil
}

// Put upserts the token set, atomically replacing any prior row for the DID.
func (cache *DatabaseCache) Put(ctx context.Context, set TokenSet) error {
	record := tokenSetRecord{
		DID:                set.DID,
		PDSEndpoint:        set.PDSEndpoint,
		Issuer:             set.Issuer,
		TokenEndpoint:      set.TokenEndpoint,
		RevocationEndpoint: set.RevocationEndpoint,
		AccessToken:        set.AccessToken,
		RefreshToken:       set.RefreshToken,
		Scope:              set.Scope,
		DPoPKey:            set.DPoPKey,
		ExpiresAtUnix:      set.ExpiresAtUnix,
	}
	err := cache.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("token_cache.put.%s: %w", cache.driverLabel, err)
	}
	return nil
}

// Delete removes the identity's token set.
func (cache *DatabaseCache) Delete(ctx context.Context, did string) error {
	result := cache.db.WithContext(ctx).Where("did = ?", did).Delete(&tokenSetRecord{})
	if result.Error != nil {
		return fmt.Errorf("token_cache.delete.%s: %w", cache.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("token_cache.delete.%s: %w", cache.driverLabel, ErrTokenSetNotFound)
	}
	return nil
}

// Save stores the pending auth request keyed by state.
func (cache *DatabaseCache) Save(ctx context.Context, request AuthRequest) error {
	record := authRequestRecord{
		State:              request.State,
		DID:                request.DID,
		PDSEndpoint:        request.PDSEndpoint,
		Issuer:             request.Issuer,
		TokenEndpoint:      request.TokenEndpoint,
		RevocationEndpoint: request.RevocationEndpoint,
		PKCEVerifier:       request.PKCEVerifier,
		DPoPKey:            request.DPoPKey,
		DPoPNonce:          request.DPoPNonce,
		Scope:              request.Scope,
		CreatedAtUnix:      request.CreatedAtUnix,
	}
	if err := cache.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("auth_request_store.save.%s: %w", cache.driverLabel, err)
	}
	return nil
}

// Take returns and removes the pending auth request in one transaction, so a
// replayed callback observes ErrAuthRequestNotFound.
func (cache *DatabaseCache) Take(ctx context.Context, state string) (*AuthRequest, error) {
	var record authRequestRecord
	txErr := cache.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", state).Take(&record).Error; err != nil {
			return err
		}
		return tx.Where("state = ?", state).Delete(&authRequestRecord{}).Error
	})
	if txErr != nil {
		if errors.Is(txErr, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("auth_request_store.take.%s: %w", cache.driverLabel, ErrAuthRequestNotFound)
		}
		return nil, fmt.Errorf("auth_request_store.take.%s: %w", cache.driverLabel, txErr)
	}
	request := AuthRequest{
		State:              record.State,
		DID:                record.DID,
		PDSEndpoint:        record.PDSEndpoint,
		Issuer:             record.Issuer,
		TokenEndpoint:      record.TokenEndpoint,
		RevocationEndpoint: record.RevocationEndpoint,
		PKCEVerifier:       record.PKCEVerifier,
		DPoPKey:            record.DPoPKey,
		DPoPNonce:          record.DPoPNonce,
		Scope:              record.Scope,
		CreatedAtUnix:      record.CreatedAtUnix,
	}
	return &request, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_cache.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_cache.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_cache.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_cache.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
