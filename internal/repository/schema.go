package repository

// Schema creates the flow tables. Applied by cmd/seed and by the
// repository integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS master_flows (
	id             UUID PRIMARY KEY,
	flow_type      TEXT NOT NULL,
	status         TEXT NOT NULL,
	current_phase  TEXT NOT NULL DEFAULT '',
	client_id      TEXT NOT NULL,
	engagement_id  TEXT NOT NULL,
	created_by     TEXT NOT NULL DEFAULT '',
	metadata       JSONB NOT NULL DEFAULT '{}',
	failure_reason TEXT,
	deleted_at     TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_master_flows_tenant
	ON master_flows (client_id, engagement_id);

CREATE TABLE IF NOT EXISTS child_flows (
	id              UUID PRIMARY KEY,
	master_flow_id  UUID NOT NULL REFERENCES master_flows(id),
	client_id       TEXT NOT NULL,
	engagement_id   TEXT NOT NULL,
	phase_status    JSONB NOT NULL DEFAULT '{}',
	phase_data      JSONB NOT NULL DEFAULT '{}',
	deleted_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_child_flows_master
	ON child_flows (master_flow_id);
`
