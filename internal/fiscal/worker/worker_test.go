package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/clock"
	"github.com/corretora/backoffice/internal/config"
	"github.com/corretora/backoffice/internal/fiscal/adapters"
	"github.com/corretora/backoffice/internal/fiscal/adapters/sandbox"
	"github.com/corretora/backoffice/internal/fiscal/domain"
	providerdomain "github.com/corretora/backoffice/internal/fiscal/providers/domain"
	providerrepository "github.com/corretora/backoffice/internal/fiscal/providers/repository"
	providerservice "github.com/corretora/backoffice/internal/fiscal/providers/service"
	"github.com/corretora/backoffice/internal/fiscal/repository"
	"github.com/corretora/backoffice/internal/fiscal/statusalias"
	ledgerrepository "github.com/corretora/backoffice/internal/ledger/repository"
	ledgerservice "github.com/corretora/backoffice/internal/ledger/service"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:worker_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	statements := []string{
		`CREATE TABLE fiscal_documents (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			invoice_id INTEGER NOT NULL,
			provider_document_id TEXT DEFAULT '',
			number TEXT DEFAULT '',
			series TEXT DEFAULT '',
			issue_date DATETIME,
			amount INTEGER NOT NULL,
			status TEXT NOT NULL,
			xml_content TEXT DEFAULT '',
			xml_document_id TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE fiscal_customer_snapshots (
			id INTEGER PRIMARY KEY,
			document_id INTEGER NOT NULL UNIQUE,
			legal_name TEXT NOT NULL,
			tax_id TEXT NOT NULL,
			email TEXT DEFAULT '',
			address TEXT DEFAULT '',
			city TEXT DEFAULT '',
			state TEXT DEFAULT '',
			postal_code TEXT DEFAULT '',
			country TEXT DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE fiscal_jobs (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			document_id INTEGER NOT NULL UNIQUE,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT DEFAULT '',
			next_retry_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE fiscal_provider_configs (
			id INTEGER PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			provider TEXT NOT NULL,
			config TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_fiscal_provider_configs_tenant_provider ON fiscal_provider_configs (tenant_id, provider)`,
		`CREATE TABLE ledger_entries (
			id INTEGER PRIMARY KEY,
			chain_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			tenant_id INTEGER,
			actor_username TEXT DEFAULT '',
			actor_email TEXT DEFAULT '',
			action TEXT NOT NULL,
			event_type TEXT NOT NULL,
			resource_label TEXT NOT NULL,
			resource_key TEXT DEFAULT '',
			before TEXT,
			after TEXT,
			metadata TEXT,
			request_id TEXT DEFAULT '',
			occurred_at DATETIME NOT NULL,
			prev_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_ledger_entries_chain_prev ON ledger_entries (chain_id, prev_hash)`,
		`CREATE UNIQUE INDEX ux_ledger_entries_chain_hash ON ledger_entries (chain_id, entry_hash)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type workerEnv struct {
	db           *gorm.DB
	worker       *Worker
	repo         domain.Repository
	providersSvc providerdomain.Service
	clock        *clock.FakeClock
	genID        *snowflake.Node
}

func setupWorkerEnv(t *testing.T, cfg Config) *workerEnv {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := adapters.NewRegistry(sandbox.NewFactory())
	holder, err := statusalias.NewHolder(zap.NewNop())
	if err != nil {
		t.Fatalf("status alias holder: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepository.Provide(),
	})
	providersSvc := providerservice.New(providerservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      providerrepository.Provide(),
		Adapters:  registry,
		Cfg:       config.Config{FiscalProviderConfigSecret: "test-secret"},
		LedgerSvc: ledgerSvc,
	})
	repo := repository.Provide()
	w := New(Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Repo:         repo,
		Adapters:     registry,
		ProvidersSvc: providersSvc,
		LedgerSvc:    ledgerSvc,
		Clock:        fakeClock,
		Aliases:      holder,
		Config:       cfg,
	})
	return &workerEnv{
		db:           db,
		worker:       w,
		repo:         repo,
		providersSvc: providersSvc,
		clock:        fakeClock,
		genID:        node,
	}
}

func (e *workerEnv) configureProvider(t *testing.T, tenantID snowflake.ID, mode string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.providersSvc.Upsert(ctx, tenantID, providerdomain.UpsertRequest{
		Provider: "sandbox",
		Config:   map[string]any{"mode": mode},
	}); err != nil {
		t.Fatalf("upsert provider config: %v", err)
	}
	if err := e.providersSvc.Activate(ctx, tenantID, "sandbox"); err != nil {
		t.Fatalf("activate provider: %v", err)
	}
}

func (e *workerEnv) setProviderMode(t *testing.T, tenantID snowflake.ID, mode string) {
	t.Helper()
	if _, err := e.providersSvc.Upsert(context.Background(), tenantID, providerdomain.UpsertRequest{
		Provider: "sandbox",
		Config:   map[string]any{"mode": mode},
	}); err != nil {
		t.Fatalf("update provider mode: %v", err)
	}
}

// seedDocument inserts an EMITTING document with its snapshot and a queued job.
func (e *workerEnv) seedDocument(t *testing.T, tenantID snowflake.ID, providerDocID string) (*domain.FiscalDocument, *domain.FiscalJob) {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now()

	doc := &domain.FiscalDocument{
		ID:                 e.genID.Generate(),
		TenantID:           tenantID,
		InvoiceID:          77,
		ProviderDocumentID: providerDocID,
		Amount:             50000,
		Status:             domain.DocumentEmitting,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	snap := &domain.FiscalCustomerSnapshot{
		ID:         e.genID.Generate(),
		DocumentID: doc.ID,
		LegalName:  "Seed Customer Ltda",
		TaxID:      "98.765.432/0001-10",
		CreatedAt:  now,
	}

	var job *domain.FiscalJob
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := e.repo.InsertDocument(ctx, tx, doc); err != nil {
			return err
		}
		if err := e.repo.InsertSnapshot(ctx, tx, snap); err != nil {
			return err
		}
		var qErr error
		job, qErr = e.worker.Enqueue(ctx, tx, tenantID, doc.ID)
		return qErr
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return doc, job
}

func (e *workerEnv) loadJob(t *testing.T, id snowflake.ID) *domain.FiscalJob {
	t.Helper()
	var job *domain.FiscalJob
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var fErr error
		job, fErr = e.repo.FindJobForUpdate(context.Background(), tx, id)
		return fErr
	})
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job == nil {
		t.Fatalf("job %v not found", id)
	}
	return job
}

func (e *workerEnv) loadDocument(t *testing.T, tenantID, id snowflake.ID) *domain.FiscalDocument {
	t.Helper()
	doc, err := e.repo.FindDocument(context.Background(), e.db, tenantID, id)
	if err != nil {
		t.Fatalf("load document: %v", err)
	}
	if doc == nil {
		t.Fatalf("document %v not found", id)
	}
	return doc
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{6, 1920 * time.Second},
		{7, 3600 * time.Second},
		{50, 3600 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempts); got != tc.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	env := setupWorkerEnv(t, Config{})
	env.configureProvider(t, 1001, "")
	doc, job := env.seedDocument(t, 1001, "")

	var again *domain.FiscalJob
	err := env.db.Transaction(func(tx *gorm.DB) error {
		var qErr error
		again, qErr = env.worker.Enqueue(context.Background(), tx, 1001, doc.ID)
		return qErr
	})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if again.ID != job.ID {
		t.Fatalf("second enqueue created a new job: %v != %v", again.ID, job.ID)
	}

	var count int64
	if err := env.db.Raw(`SELECT COUNT(*) FROM fiscal_jobs`).Scan(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("jobs = %d, want 1", count)
	}
}

func TestProcess_IssuesAndAuthorizes(t *testing.T) {
	env := setupWorkerEnv(t, Config{})
	env.configureProvider(t, 1001, "")
	doc, job := env.seedDocument(t, 1001, "")

	if err := env.worker.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := env.loadDocument(t, 1001, doc.ID)
	if got.Status != domain.DocumentAuthorized {
		t.Fatalf("document status = %s, want authorized", got.Status)
	}
	if got.ProviderDocumentID == "" || got.XMLContent == "" {
		t.Fatalf("document missing provider data: %+v", got)
	}

	gotJob := env.loadJob(t, job.ID)
	if gotJob.Status != domain.JobSucceeded {
		t.Fatalf("job status = %s, want succeeded", gotJob.Status)
	}
	if gotJob.NextRetryAt != nil {
		t.Fatal("succeeded job still has next_retry_at")
	}

	var count int64
	if err := env.db.Raw(`SELECT COUNT(*) FROM ledger_entries WHERE action = 'fiscal.document_status_changed'`).Scan(&count).Error; err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if count != 1 {
		t.Fatalf("status change ledger entries = %d, want 1", count)
	}
}

func TestProcess_PollsUntilAuthorized(t *testing.T) {
	env := setupWorkerEnv(t, Config{})
	env.configureProvider(t, 1001, "pending")
	doc, job := env.seedDocument(t, 1001, "")

	// First pass issues; the provider answers "still processing".
	if err := env.worker.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("first process: %v", err)
	}
	gotJob := env.loadJob(t, job.ID)
	if gotJob.Status != domain.JobQueued {
		t.Fatalf("job status = %s, want queued for polling", gotJob.Status)
	}
	if gotJob.NextRetryAt == nil || !gotJob.NextRetryAt.After(env.clock.Now()) {
		t.Fatalf("next_retry_at = %v, want future backoff", gotJob.NextRetryAt)
	}
	got := env.loadDocument(t, 1001, doc.ID)
	if got.Status != domain.DocumentEmitting || got.ProviderDocumentID == "" {
		t.Fatalf("document after first pass = %+v", got)
	}

	// Provider recovers; the poll finds the document authorized.
	env.setProviderMode(t, 1001, "")
	env.clock.Advance(2 * time.Minute)
	if err := env.worker.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("second process: %v", err)
	}
	got = env.loadDocument(t, 1001, doc.ID)
	if got.Status != domain.DocumentAuthorized {
		t.Fatalf("document status = %s, want authorized", got.Status)
	}
	if env.loadJob(t, job.ID).Status != domain.JobSucceeded {
		t.Fatal("job should be succeeded after authorization")
	}
}

func TestProcess_OutageFailureIsRecordedNotThrown(t *testing.T) {
	env := setupWorkerEnv(t, Config{})
	env.configureProvider(t, 1001, "outage")
	doc, job := env.seedDocument(t, 1001, "")

	if err := env.worker.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("adapter failure must not propagate: %v", err)
	}

	gotJob := env.loadJob(t, job.ID)
	if gotJob.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", gotJob.Status)
	}
	if gotJob.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", gotJob.Attempts)
	}
	if gotJob.LastError == "" {
		t.Fatal("failed job has no recorded error")
	}
	wantRetry := env.clock.Now().Add(Backoff(1))
	if gotJob.NextRetryAt == nil || !gotJob.NextRetryAt.Equal(wantRetry) {
		t.Fatalf("next_retry_at = %v, want %v", gotJob.NextRetryAt, wantRetry)
	}

	got := env.loadDocument(t, 1001, doc.ID)
	if got.Status != domain.DocumentEmitting {
		t.Fatalf("transient failure must keep the document emitting, got %s", got.Status)
	}
}

func TestProcess_TerminalRejectionParksJob(t *testing.T) {
	env := setupWorkerEnv(t, Config{})
	env.configureProvider(t, 1001, "reject")
	doc, job := env.seedDocument(t, 1001, "")

	if err := env.worker.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	gotJob := env.loadJob(t, job.ID)
	if gotJob.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", gotJob.Status)
	}
	if gotJob.NextRetryAt != nil {
		t.Fatal("terminal failure must not schedule another attempt")
	}

	got := env.loadDocument(t, 1001, doc.ID)
	if got.Status != domain.DocumentRejected {
		t.Fatalf("document status = %s, want rejected", got.Status)
	}
}

func TestProcess_MaxAttemptsParksJob(t *testing.T) {
	env := setupWorkerEnv(t, Config{MaxAttempts: 2})
	env.configureProvider(t, 1001, "outage")
	_, job := env.seedDocument(t, 1001, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := env.worker.Process(ctx, job.ID); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		gotJob := env.loadJob(t, job.ID)
		env.clock.Advance(Backoff(gotJob.Attempts) + time.Second)
	}

	// Attempts are exhausted: the next pass parks the job without a call.
	if err := env.worker.Process(ctx, job.ID); err != nil {
		t.Fatalf("final process: %v", err)
	}
	gotJob := env.loadJob(t, job.ID)
	if gotJob.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", gotJob.Status)
	}
	if gotJob.LastError != "max attempts reached" {
		t.Fatalf("last_error = %q", gotJob.LastError)
	}
	if gotJob.NextRetryAt != nil {
		t.Fatal("exhausted job must not schedule another attempt")
	}
	if gotJob.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", gotJob.Attempts)
	}
}

func TestProcess_TerminalDocumentShortCircuits(t *testing.T) {
	env := setupWorkerEnv(t, Config{})
	env.configureProvider(t, 1001, "outage")
	doc, job := env.seedDocument(t, 1001, "SBX-existing")

	// A webhook beat the worker to it.
	if err := env.db.Exec(`UPDATE fiscal_documents SET status = 'authorized' WHERE id = ?`, doc.ID).Error; err != nil {
		t.Fatalf("authorize document: %v", err)
	}

	if err := env.worker.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	gotJob := env.loadJob(t, job.ID)
	if gotJob.Status != domain.JobSucceeded {
		t.Fatalf("job status = %s, want succeeded without adapter call", gotJob.Status)
	}
	if gotJob.Attempts != 0 {
		t.Fatalf("attempts = %d, short-circuit must not burn an attempt", gotJob.Attempts)
	}
}

func TestProcess_NotDueIsSkipped(t *testing.T) {
	env := setupWorkerEnv(t, Config{})
	env.configureProvider(t, 1001, "")
	_, job := env.seedDocument(t, 1001, "")

	future := env.clock.Now().Add(10 * time.Minute)
	if err := env.db.Exec(`UPDATE fiscal_jobs SET next_retry_at = ? WHERE id = ?`, future, job.ID).Error; err != nil {
		t.Fatalf("push retry into the future: %v", err)
	}

	if err := env.worker.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	gotJob := env.loadJob(t, job.ID)
	if gotJob.Status != domain.JobQueued || gotJob.Attempts != 0 {
		t.Fatalf("not-due job was touched: %+v", gotJob)
	}
}

func TestRunOnce_DrainsDueJobsOnly(t *testing.T) {
	env := setupWorkerEnv(t, Config{BatchSize: 10})
	env.configureProvider(t, 1001, "")
	ctx := context.Background()

	dueDoc, dueJob := env.seedDocument(t, 1001, "")

	notDueDoc := &domain.FiscalDocument{
		ID:        env.genID.Generate(),
		TenantID:  1001,
		InvoiceID: 78,
		Amount:    10000,
		Status:    domain.DocumentEmitting,
		CreatedAt: env.clock.Now(),
		UpdatedAt: env.clock.Now(),
	}
	future := env.clock.Now().Add(30 * time.Minute)
	notDueJob := &domain.FiscalJob{
		ID:          env.genID.Generate(),
		TenantID:    1001,
		DocumentID:  notDueDoc.ID,
		Status:      domain.JobQueued,
		NextRetryAt: &future,
		CreatedAt:   env.clock.Now(),
		UpdatedAt:   env.clock.Now(),
	}
	err := env.db.Transaction(func(tx *gorm.DB) error {
		if err := env.repo.InsertDocument(ctx, tx, notDueDoc); err != nil {
			return err
		}
		return env.repo.InsertJob(ctx, tx, notDueJob)
	})
	if err != nil {
		t.Fatalf("seed not-due job: %v", err)
	}

	if err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if env.loadJob(t, dueJob.ID).Status != domain.JobSucceeded {
		t.Fatal("due job was not drained")
	}
	if env.loadJob(t, notDueJob.ID).Status != domain.JobQueued {
		t.Fatal("not-due job must stay queued")
	}
	if env.loadDocument(t, 1001, dueDoc.ID).Status != domain.DocumentAuthorized {
		t.Fatal("due document was not authorized")
	}
}

func TestRunOnce_SkipsParkedFailedJobs(t *testing.T) {
	env := setupWorkerEnv(t, Config{})
	env.configureProvider(t, 1001, "reject")
	_, job := env.seedDocument(t, 1001, "")
	ctx := context.Background()

	if err := env.worker.Process(ctx, job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	parked := env.loadJob(t, job.ID)
	if parked.Status != domain.JobFailed || parked.NextRetryAt != nil {
		t.Fatalf("job not parked: %+v", parked)
	}

	env.clock.Advance(24 * time.Hour)
	if err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	after := env.loadJob(t, job.ID)
	if after.Attempts != parked.Attempts || !after.UpdatedAt.Equal(parked.UpdatedAt) {
		t.Fatal("parked job was picked up again")
	}
}

func TestRunOnce_RecoversStuckRunningJobs(t *testing.T) {
	env := setupWorkerEnv(t, Config{RecoveryThreshold: 15 * time.Minute})
	env.configureProvider(t, 1001, "")
	doc, job := env.seedDocument(t, 1001, "")
	ctx := context.Background()

	// Simulate a crash mid-flight: RUNNING with a stale updated_at.
	stale := env.clock.Now().Add(-20 * time.Minute)
	if err := env.db.Exec(`UPDATE fiscal_jobs SET status = 'running', updated_at = ? WHERE id = ?`, stale, job.ID).Error; err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if env.loadJob(t, job.ID).Status != domain.JobSucceeded {
		t.Fatal("stuck running job was not recovered")
	}
	if env.loadDocument(t, 1001, doc.ID).Status != domain.DocumentAuthorized {
		t.Fatal("recovered job did not finish the document")
	}
}

func TestRunOnce_FreshRunningJobsAreLeftAlone(t *testing.T) {
	env := setupWorkerEnv(t, Config{RecoveryThreshold: 15 * time.Minute})
	env.configureProvider(t, 1001, "")
	_, job := env.seedDocument(t, 1001, "")
	ctx := context.Background()

	now := env.clock.Now()
	if err := env.db.Exec(`UPDATE fiscal_jobs SET status = 'running', updated_at = ? WHERE id = ?`, now, job.ID).Error; err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := env.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if env.loadJob(t, job.ID).Status != domain.JobRunning {
		t.Fatal("fresh running job must not be stolen")
	}
}
