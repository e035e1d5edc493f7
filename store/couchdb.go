package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

// CouchDBConfig contains the CouchDB connection settings.
type CouchDBConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

// CouchDB implements ProjectStore over a CouchDB database using Mango queries.
type CouchDB struct {
	client   *kivik.Client
	database *kivik.DB
	dbName   string
}

// NewCouchDB connects to CouchDB, creates the database when missing, and
// ensures the Mango indexes backing the scheduler and reconciler queries.
func NewCouchDB(ctx context.Context, cfg CouchDBConfig) (*CouchDB, error) {
	connectionURL := cfg.URL
	if cfg.Username != "" && cfg.Password != "" && !strings.Contains(connectionURL, "@") {
		parts := strings.SplitN(connectionURL, "://", 2)
		if len(parts) == 2 {
			connectionURL = fmt.Sprintf("%s://%s:%s@%s", parts[0], cfg.Username, cfg.Password, parts[1])
		}
	}

	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, cfg.Database); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	s := &CouchDB{
		client:   client,
		database: client.DB(cfg.Database),
		dbName:   cfg.Database,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CouchDB) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		name   string
		fields []string
	}{
		{"type-status-nextRunAt", []string{"type", "status", "nextRunAt"}},
		{"type-status-researchStartedAt", []string{"type", "status", "researchStartedAt"}},
		{"type-nextRunAt", []string{"type", "nextRunAt"}},
	}
	for _, idx := range indexes {
		index := map[string]interface{}{"fields": idx.fields}
		if err := s.database.CreateIndex(ctx, "", idx.name, index); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// Close closes the CouchDB client.
func (s *CouchDB) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *CouchDB) Ping(ctx context.Context) error {
	_, err := s.client.Ping(ctx)
	return err
}

func mapKivikError(err error) error {
	switch kivik.HTTPStatus(err) {
	case 404:
		return ErrNotFound
	case 409:
		return ErrConflict
	}
	return err
}

// GetProject implements ProjectStore.
func (s *CouchDB) GetProject(ctx context.Context, userID, projectID string) (*Project, error) {
	var p Project
	if err := s.database.Get(ctx, projectID).ScanDoc(&p); err != nil {
		return nil, mapKivikError(err)
	}
	if p.Type != "project" || (userID != "" && p.UserID != userID) {
		return nil, ErrNotFound
	}
	return &p, nil
}

// PutProject implements ProjectStore. The project's revision is updated in
// place on success; a 409 from CouchDB surfaces as ErrConflict.
func (s *CouchDB) PutProject(ctx context.Context, p *Project) error {
	p.Type = "project"
	rev, err := s.database.Put(ctx, p.ID, p)
	if err != nil {
		return mapKivikError(err)
	}
	p.Rev = rev
	return nil
}

// findProjects runs a Mango selector and scans the matching project documents.
func (s *CouchDB) findProjects(ctx context.Context, selector map[string]interface{}) ([]*Project, error) {
	rows := s.database.Find(ctx, selector)
	defer rows.Close()

	var results []*Project
	for rows.Next() {
		var p Project
		if err := rows.ScanDoc(&p); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		results = append(results, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project query failed: %w", err)
	}
	return results, nil
}

func noPreparedLog() map[string]interface{} {
	return map[string]interface{}{"$exists": false}
}

// FindPreRun implements ProjectStore.
func (s *CouchDB) FindPreRun(ctx context.Context, now time.Time, window time.Duration) ([]*Project, error) {
	nowMs := now.UnixMilli()
	return s.findProjects(ctx, map[string]interface{}{
		"type":                  "project",
		"status":                map[string]interface{}{"$in": []string{string(StatusActive), string(StatusError)}},
		"preparedDeliveryLogId": noPreparedLog(),
		"nextRunAt": map[string]interface{}{
			"$gt":  nowMs,
			"$lte": now.Add(window).UnixMilli(),
		},
	})
}

// FindDue implements ProjectStore.
func (s *CouchDB) FindDue(ctx context.Context, now time.Time) ([]*Project, error) {
	return s.findProjects(ctx, map[string]interface{}{
		"type":                  "project",
		"status":                map[string]interface{}{"$in": []string{string(StatusActive), string(StatusError)}},
		"preparedDeliveryLogId": noPreparedLog(),
		"nextRunAt":             map[string]interface{}{"$lte": now.UnixMilli()},
	})
}

// FindNeedsDelivery implements ProjectStore.
func (s *CouchDB) FindNeedsDelivery(ctx context.Context, now time.Time) ([]*Project, error) {
	return s.findProjects(ctx, map[string]interface{}{
		"type":                  "project",
		"preparedDeliveryLogId": map[string]interface{}{"$exists": true},
		"nextRunAt":             map[string]interface{}{"$lte": now.UnixMilli()},
	})
}

// FindNeedsResearch implements ProjectStore.
func (s *CouchDB) FindNeedsResearch(ctx context.Context) ([]*Project, error) {
	return s.findProjects(ctx, map[string]interface{}{
		"type":                  "project",
		"status":                map[string]interface{}{"$in": []string{string(StatusActive), string(StatusError)}},
		"preparedDeliveryLogId": noPreparedLog(),
	})
}

// FindStuckRunning implements ProjectStore.
func (s *CouchDB) FindStuckRunning(ctx context.Context, now time.Time, threshold time.Duration) ([]*Project, error) {
	return s.findProjects(ctx, map[string]interface{}{
		"type":              "project",
		"status":            string(StatusRunning),
		"researchStartedAt": map[string]interface{}{"$lt": now.Add(-threshold).UnixMilli()},
	})
}

// FindPrepared implements ProjectStore.
func (s *CouchDB) FindPrepared(ctx context.Context) ([]*Project, error) {
	return s.findProjects(ctx, map[string]interface{}{
		"type":                  "project",
		"preparedDeliveryLogId": map[string]interface{}{"$exists": true},
		"status":                map[string]interface{}{"$ne": string(StatusDeleted)},
	})
}

// GetDeliveryLog implements ProjectStore.
func (s *CouchDB) GetDeliveryLog(ctx context.Context, id string) (*DeliveryLog, error) {
	var l DeliveryLog
	if err := s.database.Get(ctx, id).ScanDoc(&l); err != nil {
		return nil, mapKivikError(err)
	}
	if l.Type != "delivery_log" {
		return nil, ErrNotFound
	}
	return &l, nil
}

// PutDeliveryLog implements ProjectStore.
func (s *CouchDB) PutDeliveryLog(ctx context.Context, l *DeliveryLog) error {
	l.Type = "delivery_log"
	rev, err := s.database.Put(ctx, l.ID, l)
	if err != nil {
		return mapKivikError(err)
	}
	l.Rev = rev
	return nil
}

var _ ProjectStore = (*CouchDB)(nil)
