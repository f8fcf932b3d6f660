// Package tenantdb is the tenant router: it maps a tenant id to a database
// alias and hands out pinned connections for the data plane. The routing
// table is an in-memory cache built from the control-plane
// tenant_database_configs table; only Reload mutates it.
package tenantdb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/athens-ehs/athens/internal/config"
	"github.com/athens-ehs/athens/internal/model"
	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Routing errors surfaced to the HTTP layer.
var (
	ErrTenantNotFound  = errors.New("tenant_not_found")
	ErrTenantSuspended = errors.New("tenant_suspended")
	ErrConfigMissing   = errors.New("config_missing")
)

// TenantModels is the set of models living in each tenant database.
var TenantModels = []any{
	&model.User{},
	&model.Project{},
	&model.ProjectMenuAccess{},
	&model.PermitType{},
	&model.Permit{},
	&model.PermitIsolationPoint{},
	&model.WorkflowInstance{},
	&model.WorkflowStep{},
	&model.DigitalSignature{},
	&model.PermitCloseout{},
	&model.PermitAudit{},
	&model.AppliedOfflineChange{},
	&model.WebhookEndpoint{},
	&model.WebhookDeliveryLog{},
	&model.Notification{},
	&model.NotificationPreference{},
}

type route struct {
	alias  string
	status string
}

// Router resolves tenant ids to database aliases and connections. The
// routing table answers Route() without touching any tenant database;
// connections are opened lazily on first Resolve and cached per alias.
type Router struct {
	control *gorm.DB
	cfg     *config.DBConfig
	log     *slog.Logger

	mu     sync.RWMutex
	routes map[string]route    // tenant id -> routing entry
	conns  map[string]*gorm.DB // alias -> open handle
}

// New builds a Router and loads the routing table. An error here is fatal:
// the process must not serve data-plane traffic without a routing cache.
func New(ctx context.Context, control *gorm.DB, cfg *config.DBConfig, log *slog.Logger) (*Router, error) {
	r := &Router{
		control: control,
		cfg:     cfg,
		log:     log,
		routes:  make(map[string]route),
		conns:   make(map[string]*gorm.DB),
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load tenant routing cache: %w", err)
	}
	return r, nil
}

// Reload rebuilds the routing table from the control plane. Called at
// startup and whenever a tenant or database config changes.
func (r *Router) Reload(ctx context.Context) error {
	var tenants []model.TenantCompany
	if err := r.control.WithContext(ctx).Find(&tenants).Error; err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	var configs []model.TenantDatabaseConfig
	if err := r.control.WithContext(ctx).Find(&configs).Error; err != nil {
		return fmt.Errorf("list tenant db configs: %w", err)
	}

	keys := make(map[string]string, len(configs))
	for _, c := range configs {
		keys[c.TenantID] = c.ConnectionKey
	}

	routes := make(map[string]route, len(tenants))
	for _, t := range tenants {
		routes[t.ID] = route{alias: keys[t.ID], status: t.Status}
	}

	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()

	r.log.Info("tenant routing cache loaded", "tenants", len(routes))
	return nil
}

// Route maps a tenant id to its database alias. Pure lookup: it never
// touches a tenant database.
func (r *Router) Route(tenantID string) (string, error) {
	r.mu.RLock()
	rt, ok := r.routes[tenantID]
	r.mu.RUnlock()

	if !ok || rt.status == model.TenantDeleted {
		return "", ErrTenantNotFound
	}
	if rt.status == model.TenantSuspended {
		return "", ErrTenantSuspended
	}
	if rt.alias == "" {
		return "", ErrConfigMissing
	}
	return rt.alias, nil
}

// Resolve returns the gorm handle for the tenant's database, opening it on
// first use.
func (r *Router) Resolve(ctx context.Context, tenantID string) (*gorm.DB, error) {
	alias, err := r.Route(tenantID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	db, ok := r.conns[alias]
	r.mu.RUnlock()
	if ok {
		return db, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.conns[alias]; ok {
		return db, nil
	}

	db, err = r.open(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("open tenant db %q: %w", alias, err)
	}
	r.conns[alias] = db
	return db, nil
}

// UserExists reports whether an active user with the given email exists in
// the tenant's database. Used by the tenant-lookup endpoint.
func (r *Router) UserExists(ctx context.Context, tenantID, email string) (bool, error) {
	db, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return false, err
	}
	var count int64
	if err := db.WithContext(ctx).Model(&model.User{}).
		Where("email = ? AND deactivated_at IS NULL", email).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("count tenant users: %w", err)
	}
	return count > 0, nil
}

// TenantIDs returns a snapshot of all routable tenant ids.
func (r *Router) TenantIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.routes))
	for id, rt := range r.routes {
		if rt.status == model.TenantActive && rt.alias != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Router) open(ctx context.Context, alias string) (*gorm.DB, error) {
	if r.cfg.Driver == "postgres" {
		return r.openPostgres(ctx, alias)
	}
	return r.openSQLite(alias)
}

func (r *Router) openSQLite(alias string) (*gorm.DB, error) {
	if err := os.MkdirAll(r.cfg.TenantDir, 0o750); err != nil {
		return nil, fmt.Errorf("create tenant db dir: %w", err)
	}
	file := filepath.Join(r.cfg.TenantDir, alias+".db")
	db, err := gorm.Open(sqlite.Open(file), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := db.Exec("PRAGMA foreign_keys=ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := db.AutoMigrate(TenantModels...); err != nil {
		return nil, fmt.Errorf("tenant automigrate: %w", err)
	}
	return db, nil
}

func (r *Router) openPostgres(ctx context.Context, alias string) (*gorm.DB, error) {
	// The alias is the tenant's database name on the shared cluster; reuse
	// the control-plane DSN for host and credentials.
	poolCfg, err := pgxpool.ParseConfig(r.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse base dsn: %w", err)
	}
	poolCfg.ConnConfig.Database = alias

	if err := runTenantMigrations(poolCfg); err != nil {
		return nil, err
	}

	sqlDB := stdlib.OpenDB(*poolCfg.ConnConfig)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm/postgres: %w", err)
	}
	return db, nil
}

func runTenantMigrations(poolCfg *pgxpool.Config) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load tenant migration source: %w", err)
	}
	sqlDB := stdlib.OpenDB(*poolCfg.ConnConfig)
	defer func() { _ = sqlDB.Close() }()

	driver, err := migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create tenant migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run tenant migrations: %w", err)
	}
	return nil
}
