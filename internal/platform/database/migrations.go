package database

import (
	"context"
	"fmt"
)

// RunMigrations creates the schema. Every statement is idempotent.
func RunMigrations(ctx context.Context, db Querier) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS companies (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			country    TEXT NOT NULL DEFAULT '',
			currency   TEXT NOT NULL DEFAULT 'USD',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS company_settings (
			company_id             TEXT PRIMARY KEY REFERENCES companies(id),
			approval_required      BOOLEAN NOT NULL DEFAULT TRUE,
			manager_approval_first BOOLEAN NOT NULL DEFAULT TRUE,
			sequential_approval    BOOLEAN NOT NULL DEFAULT TRUE
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			company_id    TEXT NOT NULL REFERENCES companies(id),
			email         TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			role          TEXT NOT NULL CHECK (role IN ('ADMIN','MANAGER','EMPLOYEE','FINANCE','DIRECTOR')),
			manager_id    UUID REFERENCES users(id),
			password_hash TEXT NOT NULL DEFAULT '',
			is_active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_company_role ON users(company_id, role, created_at)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			company_id        TEXT NOT NULL REFERENCES companies(id),
			name              TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			min_amount        NUMERIC(14, 2),
			max_amount        NUMERIC(14, 2),
			categories        TEXT[] NOT NULL DEFAULT '{}',
			enforce_sequence  BOOLEAN NOT NULL DEFAULT TRUE,
			require_manager   BOOLEAN NOT NULL DEFAULT TRUE,
			minimum_approvers INTEGER NOT NULL DEFAULT 1,
			is_default        BOOLEAN NOT NULL DEFAULT FALSE,
			is_active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_workflows_one_default
			ON workflows(company_id) WHERE is_default`,

		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			workflow_id     UUID NOT NULL REFERENCES workflows(id),
			step_number     INTEGER NOT NULL,
			approver_id     UUID REFERENCES users(id),
			approver_role   TEXT,
			is_required     BOOLEAN NOT NULL DEFAULT TRUE,
			can_bypass      BOOLEAN NOT NULL DEFAULT FALSE,
			is_manager_step BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (workflow_id, step_number)
		)`,

		`CREATE TABLE IF NOT EXISTS approval_rules (
			id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			company_id        TEXT NOT NULL REFERENCES companies(id),
			name              TEXT NOT NULL,
			rule_type         TEXT NOT NULL CHECK (rule_type IN ('PERCENTAGE','SPECIFIC_USER','HYBRID')),
			threshold_percent NUMERIC(5, 2),
			specific_user_id  UUID REFERENCES users(id),
			minimum_approvers INTEGER NOT NULL DEFAULT 0,
			min_amount        NUMERIC(14, 2),
			max_amount        NUMERIC(14, 2),
			categories        TEXT[] NOT NULL DEFAULT '{}',
			condition_expr    TEXT,
			priority          INTEGER NOT NULL DEFAULT 0,
			is_active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_rules_company ON approval_rules(company_id, priority)`,

		`CREATE TABLE IF NOT EXISTS expenses (
			id                         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			company_id                 TEXT NOT NULL REFERENCES companies(id),
			submitted_by               UUID NOT NULL REFERENCES users(id),
			amount                     NUMERIC(14, 2) NOT NULL,
			currency                   TEXT NOT NULL,
			amount_in_company_currency NUMERIC(14, 2) NOT NULL,
			category                   TEXT NOT NULL DEFAULT '',
			description                TEXT NOT NULL DEFAULT '',
			expense_date               DATE NOT NULL DEFAULT CURRENT_DATE,
			is_manager                 BOOLEAN NOT NULL DEFAULT FALSE,
			workflow_id                UUID REFERENCES workflows(id),
			status                     TEXT NOT NULL CHECK (status IN ('PENDING','IN_PROGRESS','APPROVED','REJECTED','ESCALATED')),
			current_step               INTEGER,
			created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_expenses_terminal_step
				CHECK (status NOT IN ('APPROVED','REJECTED','ESCALATED') OR current_step IS NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_submitted_by ON expenses(submitted_by, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS expense_approvers (
			id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			expense_id     UUID NOT NULL REFERENCES expenses(id),
			approver_id    UUID NOT NULL REFERENCES users(id),
			sequence_order INTEGER NOT NULL,
			is_manager     BOOLEAN NOT NULL DEFAULT FALSE,
			is_required    BOOLEAN NOT NULL DEFAULT TRUE,
			can_bypass     BOOLEAN NOT NULL DEFAULT FALSE,
			status         TEXT NOT NULL CHECK (status IN ('PENDING','APPROVED','REJECTED','BYPASSED')),
			is_active      BOOLEAN NOT NULL DEFAULT FALSE,
			notified_at    TIMESTAMPTZ,
			decided_at     TIMESTAMPTZ,
			UNIQUE (expense_id, sequence_order),
			UNIQUE (expense_id, approver_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expense_approvers_pending
			ON expense_approvers(approver_id) WHERE is_active AND status = 'PENDING'`,

		`CREATE TABLE IF NOT EXISTS approval_decisions (
			id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			expense_id  UUID NOT NULL REFERENCES expenses(id),
			approver_id UUID NOT NULL REFERENCES users(id),
			decision    TEXT NOT NULL CHECK (decision IN ('APPROVE','REJECT')),
			comment     TEXT NOT NULL DEFAULT '',
			step_number INTEGER NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_decisions_approver ON approval_decisions(approver_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS approval_history (
			id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			expense_id   UUID NOT NULL REFERENCES expenses(id),
			action       TEXT NOT NULL CHECK (action IN ('SUBMITTED','APPROVED','REJECTED','ESCALATED')),
			performed_by TEXT NOT NULL,
			from_status  TEXT,
			to_status    TEXT,
			comment      TEXT NOT NULL DEFAULT '',
			metadata     JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_expense ON approval_history(expense_id, created_at)`,

		`CREATE OR REPLACE FUNCTION prevent_audit_mutation() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_approval_history_immutable ON approval_history`,
		`CREATE TRIGGER trg_approval_history_immutable
			BEFORE UPDATE OR DELETE ON approval_history
			FOR EACH ROW EXECUTE FUNCTION prevent_audit_mutation()`,
		`DROP TRIGGER IF EXISTS trg_approval_decisions_immutable ON approval_decisions`,
		`CREATE TRIGGER trg_approval_decisions_immutable
			BEFORE UPDATE OR DELETE ON approval_decisions
			FOR EACH ROW EXECUTE FUNCTION prevent_audit_mutation()`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
