package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/clock"
	"github.com/corretora/backoffice/internal/config"
	"github.com/corretora/backoffice/internal/fiscal/domain"
	"github.com/corretora/backoffice/internal/fiscal/repository"
	"github.com/corretora/backoffice/internal/fiscal/statusalias"
	ledgerrepository "github.com/corretora/backoffice/internal/ledger/repository"
	ledgerservice "github.com/corretora/backoffice/internal/ledger/service"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "webhook-test-secret"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:webhook_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

type webhookEnv struct {
	db       *gorm.DB
	receiver *Receiver
	repo     domain.Repository
	clock    *clock.FakeClock
	genID    *snowflake.Node
}

func setupWebhookEnv(t *testing.T, secret string) *webhookEnv {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
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
	repo := repository.Provide()
	recv := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Repo:      repo,
		LedgerSvc: ledgerSvc,
		Clock:     fakeClock,
		Aliases:   holder,
		Cfg:       config.Config{FiscalWebhookSecret: secret},
	})
	return &webhookEnv{db: db, receiver: recv, repo: repo, clock: fakeClock, genID: node}
}

// seedDocument inserts an EMITTING document with a queued job, as left behind
// by an issuance that is waiting on the provider.
func (e *webhookEnv) seedDocument(t *testing.T, providerDocID string) (*domain.FiscalDocument, *domain.FiscalJob) {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now()

	doc := &domain.FiscalDocument{
		ID:                 e.genID.Generate(),
		TenantID:           1001,
		InvoiceID:          77,
		ProviderDocumentID: providerDocID,
		Amount:             50000,
		Status:             domain.DocumentEmitting,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	job := &domain.FiscalJob{
		ID:          e.genID.Generate(),
		TenantID:    1001,
		DocumentID:  doc.ID,
		Status:      domain.JobQueued,
		NextRetryAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := e.repo.InsertDocument(ctx, tx, doc); err != nil {
			return err
		}
		return e.repo.InsertJob(ctx, tx, job)
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return doc, job
}

func (e *webhookEnv) deliver(t *testing.T, payload Payload) (*Receipt, error) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return e.receiver.Handle(context.Background(), body, Sign(testSecret, body))
}

func TestHandle_AuthorizesDocument(t *testing.T) {
	env := setupWebhookEnv(t, testSecret)
	doc, job := env.seedDocument(t, "PRV-123")

	receipt, err := env.deliver(t, Payload{
		ProviderDocumentID: "PRV-123",
		Status:             "AUTORIZADO",
		XMLDocumentID:      "PRV-123-xml",
		XMLContent:         "<nfse>ok</nfse>",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !receipt.OK || receipt.DocumentID != doc.ID || receipt.JobID != job.ID {
		t.Fatalf("receipt = %+v", receipt)
	}
	if receipt.Status != string(domain.DocumentAuthorized) {
		t.Fatalf("receipt status = %s", receipt.Status)
	}
	if receipt.CorrelationID == "" {
		t.Fatal("receipt has no correlation id")
	}

	var status, xml string
	row := env.db.Raw(`SELECT status, xml_content FROM fiscal_documents WHERE id = ?`, doc.ID).Row()
	if err := row.Scan(&status, &xml); err != nil {
		t.Fatalf("read document: %v", err)
	}
	if status != string(domain.DocumentAuthorized) || xml != "<nfse>ok</nfse>" {
		t.Fatalf("document status=%s xml=%s", status, xml)
	}

	var jobStatus string
	if err := env.db.Raw(`SELECT status FROM fiscal_jobs WHERE id = ?`, job.ID).Scan(&jobStatus).Error; err != nil {
		t.Fatalf("read job: %v", err)
	}
	if jobStatus != string(domain.JobSucceeded) {
		t.Fatalf("job status = %s, want succeeded", jobStatus)
	}

	var count int64
	if err := env.db.Raw(`SELECT COUNT(*) FROM ledger_entries WHERE action = 'fiscal.document_reconciled'`).Scan(&count).Error; err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if count != 1 {
		t.Fatalf("reconciled ledger entries = %d, want 1", count)
	}
}

func TestHandle_ResolvesByDocumentID(t *testing.T) {
	env := setupWebhookEnv(t, testSecret)
	doc, _ := env.seedDocument(t, "")

	receipt, err := env.deliver(t, Payload{
		DocumentID: doc.ID.String(),
		Status:     "AUTORIZADO",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if receipt.DocumentID != doc.ID {
		t.Fatalf("receipt document = %v, want %v", receipt.DocumentID, doc.ID)
	}
}

func TestHandle_IdempotentRedelivery(t *testing.T) {
	env := setupWebhookEnv(t, testSecret)
	env.seedDocument(t, "PRV-123")

	payload := Payload{
		ProviderDocumentID: "PRV-123",
		Status:             "AUTORIZADO",
		XMLContent:         "<nfse>ok</nfse>",
	}
	if _, err := env.deliver(t, payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	receipt, err := env.deliver(t, payload)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !receipt.OK || receipt.Status != string(domain.DocumentAuthorized) {
		t.Fatalf("redelivery receipt = %+v", receipt)
	}

	// No second audit entry: nothing changed the second time.
	var count int64
	if err := env.db.Raw(`SELECT COUNT(*) FROM ledger_entries WHERE action = 'fiscal.document_reconciled'`).Scan(&count).Error; err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if count != 1 {
		t.Fatalf("reconciled ledger entries = %d, want 1", count)
	}
}

func TestHandle_NeverDowngrades(t *testing.T) {
	env := setupWebhookEnv(t, testSecret)
	doc, _ := env.seedDocument(t, "PRV-123")

	if _, err := env.deliver(t, Payload{
		ProviderDocumentID: "PRV-123",
		Status:             "AUTORIZADO",
		XMLContent:         "<nfse>ok</nfse>",
	}); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	// A stale push must not regress status or erase the XML.
	if _, err := env.deliver(t, Payload{
		ProviderDocumentID: "PRV-123",
		Status:             "EM_PROCESSAMENTO",
		XMLContent:         "",
	}); err != nil {
		t.Fatalf("stale redelivery: %v", err)
	}

	var status, xml string
	row := env.db.Raw(`SELECT status, xml_content FROM fiscal_documents WHERE id = ?`, doc.ID).Row()
	if err := row.Scan(&status, &xml); err != nil {
		t.Fatalf("read document: %v", err)
	}
	if status != string(domain.DocumentAuthorized) {
		t.Fatalf("status downgraded to %s", status)
	}
	if xml != "<nfse>ok</nfse>" {
		t.Fatalf("stored xml was replaced: %q", xml)
	}
}

func TestHandle_RejectsBadSignature(t *testing.T) {
	env := setupWebhookEnv(t, testSecret)
	env.seedDocument(t, "PRV-123")

	body := []byte(`{"provider_document_id":"PRV-123","status":"AUTORIZADO"}`)
	cases := []string{
		"",
		"sha256=deadbeef",
		Sign("wrong-secret", body),
		strings.TrimPrefix(Sign(testSecret, body), "sha256="),
	}
	for _, sig := range cases {
		if _, err := env.receiver.Handle(context.Background(), body, sig); err != domain.ErrInvalidSignature {
			t.Fatalf("signature %q: got %v, want ErrInvalidSignature", sig, err)
		}
	}

	var status string
	if err := env.db.Raw(`SELECT status FROM fiscal_documents`).Scan(&status).Error; err != nil {
		t.Fatalf("read document: %v", err)
	}
	if status != string(domain.DocumentEmitting) {
		t.Fatal("unauthenticated delivery mutated state")
	}
}

func TestHandle_FailsClosedWithoutSecret(t *testing.T) {
	env := setupWebhookEnv(t, "")
	env.seedDocument(t, "PRV-123")

	body := []byte(`{"provider_document_id":"PRV-123","status":"AUTORIZADO"}`)
	_, err := env.receiver.Handle(context.Background(), body, Sign(testSecret, body))
	if err != domain.ErrWebhookSecretMissing {
		t.Fatalf("got %v, want ErrWebhookSecretMissing", err)
	}
}

func TestHandle_RejectsBadPayload(t *testing.T) {
	env := setupWebhookEnv(t, testSecret)

	for _, body := range [][]byte{
		[]byte(`not-json`),
		[]byte(`{}`),
		[]byte(`{"status":"AUTORIZADO"}`),
	} {
		if _, err := env.receiver.Handle(context.Background(), body, Sign(testSecret, body)); err != domain.ErrInvalidPayload {
			t.Fatalf("body %s: got %v, want ErrInvalidPayload", body, err)
		}
	}
}

func TestHandle_UnknownDocument(t *testing.T) {
	env := setupWebhookEnv(t, testSecret)

	body := []byte(`{"provider_document_id":"PRV-404","status":"AUTORIZADO"}`)
	_, err := env.receiver.Handle(context.Background(), body, Sign(testSecret, body))
	if err != domain.ErrUnknownProviderDocument {
		t.Fatalf("got %v, want ErrUnknownProviderDocument", err)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"status":"AUTORIZADO"}`)

	if !VerifySignature(testSecret, body, Sign(testSecret, body)) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(testSecret, body, Sign(testSecret, []byte(`{"status":"DENEGADA"}`))) {
		t.Fatal("signature over a different body accepted")
	}
	if VerifySignature("", body, Sign("", body)) {
		t.Fatal("empty secret must never verify")
	}
	if VerifySignature(testSecret, body, "sha256=zz") {
		t.Fatal("malformed hex accepted")
	}
}
