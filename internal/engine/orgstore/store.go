package orgstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrOrgNotFound is returned when no organization matches a sync target.
	ErrOrgNotFound = errors.New("organization not found")

	// ErrStale is returned when a sync carries an event timestamp older than
	// the last one applied to the organization.
	ErrStale = errors.New("event older than last applied")

	// ErrTerminal is returned when a sync would restore access to an
	// organization whose subscription already reached a terminal status.
	// Only a new subscription id (a fresh checkout) can restore access.
	ErrTerminal = errors.New("subscription status is terminal")

	// ErrCustomerConflict is returned when a checkout tries to link an
	// organization that already belongs to a different Stripe customer.
	ErrCustomerConflict = errors.New("organization already linked to a different customer")
)

// Store provides CRUD and atomic subscription sync over organizations,
// backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the organization database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "organizations.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open organization db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id                     TEXT PRIMARY KEY,
		name                   TEXT NOT NULL DEFAULT '',
		email                  TEXT NOT NULL DEFAULT '',
		plan_id                TEXT NOT NULL DEFAULT 'free',
		subscription_status    TEXT NOT NULL DEFAULT 'none',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		current_period_end     INTEGER,
		cancel_at_period_end   INTEGER NOT NULL DEFAULT 0,
		grace_period_end       INTEGER,
		feature_overrides      TEXT NOT NULL DEFAULT '',
		last_event_ts          INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orgs_status ON organizations(subscription_status);
	CREATE INDEX IF NOT EXISTS idx_orgs_stripe_customer_id ON organizations(stripe_customer_id);

	CREATE TABLE IF NOT EXISTS plans (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		max_seats   INTEGER NOT NULL DEFAULT 0,
		monthly_ops INTEGER NOT NULL DEFAULT 0,
		storage_mb  INTEGER NOT NULL DEFAULT 0,
		features    TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prices (
		id            TEXT PRIMARY KEY,
		plan_id       TEXT NOT NULL,
		amount_cents  INTEGER NOT NULL DEFAULT 0,
		currency      TEXT NOT NULL DEFAULT 'usd',
		interval      TEXT NOT NULL DEFAULT 'month',
		campaign_code TEXT NOT NULL DEFAULT '',
		public        INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prices_plan_id ON prices(plan_id);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id          TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init organization schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const orgColumns = `id, name, email, plan_id, subscription_status,
	stripe_customer_id, stripe_subscription_id, current_period_end,
	cancel_at_period_end, grace_period_end, feature_overrides,
	last_event_ts, created_at, updated_at`

// Create inserts a new organization record.
func (s *Store) Create(o *Organization) error {
	if o == nil {
		return fmt.Errorf("organization is nil")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.PlanID == "" {
		o.PlanID = "free"
	}
	if o.SubscriptionStatus == "" {
		o.SubscriptionStatus = StatusNone
	}

	overrides, err := encodeOverrides(o.FeatureOverrides)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO organizations (
			id, name, email, plan_id, subscription_status,
			stripe_customer_id, stripe_subscription_id, current_period_end,
			cancel_at_period_end, grace_period_end, feature_overrides,
			last_event_ts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Email, o.PlanID, string(o.SubscriptionStatus),
		o.StripeCustomerID, o.StripeSubscriptionID, nullableTimeUnix(o.CurrentPeriodEnd),
		boolToInt(o.CancelAtPeriodEnd), nullableTimeUnix(o.GracePeriodEnd), overrides,
		nullableTimeUnix(o.LastEventAt), o.CreatedAt.Unix(), o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// Get retrieves an organization by ID. Returns (nil, nil) when absent.
func (s *Store) Get(id string) (*Organization, error) {
	row := s.db.QueryRow(`SELECT `+orgColumns+` FROM organizations WHERE id = ?`, id)
	return scanOrg(row)
}

// GetByStripeCustomerID retrieves an organization by its Stripe customer ID.
func (s *Store) GetByStripeCustomerID(customerID string) (*Organization, error) {
	row := s.db.QueryRow(`SELECT `+orgColumns+` FROM organizations WHERE stripe_customer_id = ?`, customerID)
	return scanOrg(row)
}

// Update modifies an existing organization record in full.
func (s *Store) Update(o *Organization) error {
	if o == nil {
		return fmt.Errorf("organization is nil")
	}
	o.UpdatedAt = time.Now().UTC()

	overrides, err := encodeOverrides(o.FeatureOverrides)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE organizations SET
			name = ?, email = ?, plan_id = ?, subscription_status = ?,
			stripe_customer_id = ?, stripe_subscription_id = ?, current_period_end = ?,
			cancel_at_period_end = ?, grace_period_end = ?, feature_overrides = ?,
			last_event_ts = ?, updated_at = ?
		WHERE id = ?`,
		o.Name, o.Email, o.PlanID, string(o.SubscriptionStatus),
		o.StripeCustomerID, o.StripeSubscriptionID, nullableTimeUnix(o.CurrentPeriodEnd),
		boolToInt(o.CancelAtPeriodEnd), nullableTimeUnix(o.GracePeriodEnd), overrides,
		nullableTimeUnix(o.LastEventAt), o.UpdatedAt.Unix(),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("organization %q: %w", o.ID, ErrOrgNotFound)
	}
	return nil
}

// SetPlan overrides only the plan assignment, leaving every other
// column untouched so a concurrent subscription sync is never reverted.
func (s *Store) SetPlan(orgID, planID string) error {
	return s.setColumn(orgID, "plan_id", planID)
}

// SetStatus force-sets only the subscription status.
func (s *Store) SetStatus(orgID string, status SubscriptionStatus) error {
	return s.setColumn(orgID, "subscription_status", string(status))
}

func (s *Store) setColumn(orgID, column string, value any) error {
	res, err := s.db.Exec(
		`UPDATE organizations SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC().Unix(), orgID,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("organization %q: %w", orgID, ErrOrgNotFound)
	}
	return nil
}

// SetFeatureOverride sets (enabled non-nil) or clears (enabled nil) one
// feature override. The read-modify-write of the overrides map happens
// inside a transaction touching only that column; the previous value is
// returned, nil when the override was not set.
func (s *Store) SetFeatureOverride(orgID, feature string, enabled *bool) (*bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("set feature override: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT feature_overrides FROM organizations WHERE id = ?`, orgID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("organization %q: %w", orgID, ErrOrgNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read feature overrides: %w", err)
	}

	overrides := map[string]bool{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			return nil, fmt.Errorf("decode feature overrides for %s: %w", orgID, err)
		}
	}
	var prev *bool
	if v, ok := overrides[feature]; ok {
		prev = &v
	}
	if enabled == nil {
		delete(overrides, feature)
	} else {
		overrides[feature] = *enabled
	}

	encoded, err := encodeOverrides(overrides)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`UPDATE organizations SET feature_overrides = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().UTC().Unix(), orgID,
	); err != nil {
		return nil, fmt.Errorf("write feature overrides: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("set feature override: %w", err)
	}
	return prev, nil
}

// List returns all organizations, newest first.
func (s *Store) List() ([]*Organization, error) {
	rows, err := s.db.Query(`SELECT ` + orgColumns + ` FROM organizations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()
	return scanOrgs(rows)
}

// ListByStatus returns all organizations with the given subscription status.
func (s *Store) ListByStatus(status SubscriptionStatus) ([]*Organization, error) {
	rows, err := s.db.Query(`SELECT `+orgColumns+` FROM organizations
		WHERE subscription_status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list organizations by status: %w", err)
	}
	defer rows.Close()
	return scanOrgs(rows)
}

// CountByStatus returns a map of subscription status -> count.
func (s *Store) CountByStatus() (map[SubscriptionStatus]int, error) {
	rows, err := s.db.Query(`SELECT subscription_status, COUNT(*) FROM organizations GROUP BY subscription_status`)
	if err != nil {
		return nil, fmt.Errorf("count organizations by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[SubscriptionStatus(status)] = count
	}
	return counts, rows.Err()
}

// SubscriptionSync is the full target state a provider event implies for
// one organization. Applied as a single atomic write so repeated delivery
// is a no-op and concurrent handlers cannot each commit a partial subset.
type SubscriptionSync struct {
	OrgID             string
	Status            SubscriptionStatus
	SubscriptionID    string
	PlanID            string // empty keeps the current plan
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	GracePeriodEnd    *time.Time
	EventTime         time.Time // the provider event's own timestamp
}

// ApplySubscriptionSync writes the sync target state in one conditional
// UPDATE guarded by the last-applied event timestamp and the terminal
// rule. Events strictly older than the watermark return ErrStale; a sync
// that would restore access to a terminal subscription under the same
// subscription id returns ErrTerminal; a missing organization returns
// ErrOrgNotFound. In every error case no mutation occurs.
func (s *Store) ApplySubscriptionSync(sync SubscriptionSync) error {
	if sync.OrgID == "" {
		return fmt.Errorf("sync missing org id")
	}
	eventTS := sync.EventTime.UTC().Unix()
	now := time.Now().UTC().Unix()
	restoresAccess := boolToInt(sync.Status == StatusActive || sync.Status == StatusTrialing)

	res, err := s.db.Exec(`
		UPDATE organizations SET
			subscription_status = ?,
			stripe_subscription_id = ?,
			plan_id = CASE WHEN ? != '' THEN ? ELSE plan_id END,
			current_period_end = ?,
			cancel_at_period_end = ?,
			grace_period_end = ?,
			last_event_ts = ?,
			updated_at = ?
		WHERE id = ?
		  AND (last_event_ts IS NULL OR last_event_ts <= ?)
		  AND NOT (
			subscription_status IN ('canceled', 'incomplete_expired')
			AND stripe_subscription_id = ?
			AND ? = 1
		  )`,
		string(sync.Status),
		sync.SubscriptionID,
		sync.PlanID, sync.PlanID,
		nullableTimeUnix(sync.CurrentPeriodEnd),
		boolToInt(sync.CancelAtPeriodEnd),
		nullableTimeUnix(sync.GracePeriodEnd),
		eventTS,
		now,
		sync.OrgID,
		eventTS,
		sync.SubscriptionID,
		restoresAccess,
	)
	if err != nil {
		return fmt.Errorf("apply subscription sync: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}

	existing, err := s.Get(sync.OrgID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("organization %q: %w", sync.OrgID, ErrOrgNotFound)
	}
	if Terminal(existing.SubscriptionStatus) &&
		existing.StripeSubscriptionID == sync.SubscriptionID &&
		restoresAccess == 1 {
		return fmt.Errorf("organization %q: %w", sync.OrgID, ErrTerminal)
	}
	return fmt.Errorf("organization %q: %w", sync.OrgID, ErrStale)
}

// LinkStripeCustomer writes the customer and subscription identifiers on
// first checkout. The customer id is immutable once set: relinking to a
// different customer returns ErrCustomerConflict without mutating the row.
func (s *Store) LinkStripeCustomer(orgID, customerID, subscriptionID string) error {
	if orgID == "" || customerID == "" {
		return fmt.Errorf("link requires org id and customer id")
	}
	now := time.Now().UTC().Unix()

	res, err := s.db.Exec(`
		UPDATE organizations SET
			stripe_customer_id = ?,
			stripe_subscription_id = ?,
			updated_at = ?
		WHERE id = ? AND (stripe_customer_id = '' OR stripe_customer_id = ?)`,
		customerID, subscriptionID, now, orgID, customerID,
	)
	if err != nil {
		return fmt.Errorf("link stripe customer: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}

	existing, err := s.Get(orgID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("organization %q: %w", orgID, ErrOrgNotFound)
	}
	return fmt.Errorf("organization %q has customer %q: %w", orgID, existing.StripeCustomerID, ErrCustomerConflict)
}

// SeenEvent reports whether a webhook event id has already been applied.
func (s *Store) SeenEvent(eventID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM webhook_events WHERE id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup webhook event: %w", err)
	}
	return true, nil
}

// MarkEventApplied records a successfully processed webhook event.
// Recorded only after processing succeeds so failed deliveries retry.
func (s *Store) MarkEventApplied(eventID, eventType string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO webhook_events (id, event_type, received_at) VALUES (?, ?, ?)`,
		eventID, eventType, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

// PruneEvents deletes dedupe entries received before cutoff.
func (s *Store) PruneEvents(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM webhook_events WHERE received_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrg(sc scanner) (*Organization, error) {
	var o Organization
	var status, overrides string
	var createdAt, updatedAt int64
	var periodEnd, graceEnd, lastEvent sql.NullInt64
	var cancelAtEnd int

	err := sc.Scan(
		&o.ID, &o.Name, &o.Email, &o.PlanID, &status,
		&o.StripeCustomerID, &o.StripeSubscriptionID, &periodEnd,
		&cancelAtEnd, &graceEnd, &overrides,
		&lastEvent, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}

	o.SubscriptionStatus = SubscriptionStatus(status)
	o.CancelAtPeriodEnd = cancelAtEnd != 0
	o.CurrentPeriodEnd = nullIntToTime(periodEnd)
	o.GracePeriodEnd = nullIntToTime(graceEnd)
	o.LastEventAt = nullIntToTime(lastEvent)
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if overrides != "" {
		if err := json.Unmarshal([]byte(overrides), &o.FeatureOverrides); err != nil {
			return nil, fmt.Errorf("decode feature overrides for %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

func scanOrgs(rows *sql.Rows) ([]*Organization, error) {
	var orgs []*Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

func encodeOverrides(m map[string]bool) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode feature overrides: %w", err)
	}
	return string(b), nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullIntToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
