package pasdb

import (
	"context"
	"strings"
)

// postgresSchema is the authoritative schema. The latest_package_id
// foreign key is added in a second pass because museum_objects and
// museum_packages reference each other.
const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS museum_objects (
	id bigint NOT NULL,
	title text,
	preserved boolean NOT NULL DEFAULT false,
	frozen boolean NOT NULL DEFAULT false,
	freeze_reason text,
	freeze_source text,
	created_date timestamp with time zone,
	modified_date timestamp with time zone,
	metadata_hash varchar(64),
	attachment_metadata_hash varchar(64),
	latest_package_id bigint,
	CONSTRAINT pk_museum_objects PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS museum_packages (
	id bigserial NOT NULL,
	sip_filename varchar(255),
	sip_id varchar(255),
	object_modified_date timestamp with time zone,
	created_date timestamp with time zone,
	metadata_hash varchar(64),
	attachment_metadata_hash varchar(64),
	downloaded boolean NOT NULL DEFAULT false,
	packaged boolean NOT NULL DEFAULT false,
	uploaded boolean NOT NULL DEFAULT false,
	rejected boolean NOT NULL DEFAULT false,
	preserved boolean NOT NULL DEFAULT false,
	cancelled boolean NOT NULL DEFAULT false,
	museum_object_id bigint,
	CONSTRAINT pk_museum_packages PRIMARY KEY (id),
	CONSTRAINT uq_museum_packages_sip_filename UNIQUE (sip_filename),
	CONSTRAINT fk_museum_package_museum_object
		FOREIGN KEY (museum_object_id) REFERENCES museum_objects (id)
);

ALTER TABLE museum_objects
	DROP CONSTRAINT IF EXISTS fk_museum_object_latest_package;
ALTER TABLE museum_objects
	ADD CONSTRAINT fk_museum_object_latest_package
	FOREIGN KEY (latest_package_id) REFERENCES museum_packages (id);

CREATE TABLE IF NOT EXISTS museum_attachments (
	id bigint NOT NULL,
	filename text,
	modified_date timestamp with time zone,
	created_date timestamp with time zone,
	metadata_hash varchar(64),
	CONSTRAINT pk_museum_attachments PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS object_attachment_association (
	museum_object_id bigint REFERENCES museum_objects (id),
	museum_attachment_id bigint REFERENCES museum_attachments (id),
	CONSTRAINT uq_object_attachment_association_museum_object_id
		UNIQUE (museum_object_id, museum_attachment_id)
);

CREATE TABLE IF NOT EXISTS package_attachment_association (
	museum_package_id bigint REFERENCES museum_packages (id),
	museum_attachment_id bigint REFERENCES museum_attachments (id),
	CONSTRAINT uq_package_attachment_association_museum_package_id
		UNIQUE (museum_package_id, museum_attachment_id)
);

CREATE TABLE IF NOT EXISTS sync_statuses (
	name text NOT NULL,
	start_sync_date timestamp with time zone,
	prev_start_sync_date timestamp with time zone,
	"offset" bigint NOT NULL DEFAULT 0,
	CONSTRAINT pk_sync_statuses PRIMARY KEY (name)
);

CREATE INDEX IF NOT EXISTS ix_museum_objects_frozen
	ON museum_objects (frozen);
CREATE INDEX IF NOT EXISTS ix_museum_objects_latest_package_id
	ON museum_objects (latest_package_id);
CREATE INDEX IF NOT EXISTS ix_museum_packages_sip_filename
	ON museum_packages (sip_filename);
CREATE INDEX IF NOT EXISTS ix_museum_packages_created_date
	ON museum_packages (created_date);
CREATE INDEX IF NOT EXISTS ix_museum_packages_museum_object_id
	ON museum_packages (museum_object_id);
CREATE INDEX IF NOT EXISTS ix_object_attachment_association_museum_object_id
	ON object_attachment_association (museum_object_id);
CREATE INDEX IF NOT EXISTS ix_object_attachment_association_museum_attachment_id
	ON object_attachment_association (museum_attachment_id);
CREATE INDEX IF NOT EXISTS ix_package_attachment_association_museum_package_id
	ON package_attachment_association (museum_package_id);
CREATE INDEX IF NOT EXISTS ix_package_attachment_association_museum_attachment_id
	ON package_attachment_association (museum_attachment_id);

CREATE INDEX IF NOT EXISTS ix_museum_packages_sip_filename_trgm_gin
	ON museum_packages USING gin (sip_filename gin_trgm_ops);
CREATE INDEX IF NOT EXISTS ix_museum_objects_title_trgm_gin
	ON museum_objects USING gin (title gin_trgm_ops);
CREATE INDEX IF NOT EXISTS ix_museum_objects_freeze_reason_trgm_gin
	ON museum_objects USING gin (freeze_reason gin_trgm_ops);
`

// sqliteSchema mirrors the postgres schema without the postgres-only
// trigram indexes. SQLite cannot add the cyclic latest_package_id
// constraint after the fact, so the column stays a weak pointer.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS museum_objects (
	id INTEGER NOT NULL,
	title TEXT,
	preserved BOOLEAN NOT NULL DEFAULT false,
	frozen BOOLEAN NOT NULL DEFAULT false,
	freeze_reason TEXT,
	freeze_source TEXT,
	created_date TIMESTAMP,
	modified_date TIMESTAMP,
	metadata_hash VARCHAR(64),
	attachment_metadata_hash VARCHAR(64),
	latest_package_id INTEGER,
	PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS museum_packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sip_filename VARCHAR(255) UNIQUE,
	sip_id VARCHAR(255),
	object_modified_date TIMESTAMP,
	created_date TIMESTAMP,
	metadata_hash VARCHAR(64),
	attachment_metadata_hash VARCHAR(64),
	downloaded BOOLEAN NOT NULL DEFAULT false,
	packaged BOOLEAN NOT NULL DEFAULT false,
	uploaded BOOLEAN NOT NULL DEFAULT false,
	rejected BOOLEAN NOT NULL DEFAULT false,
	preserved BOOLEAN NOT NULL DEFAULT false,
	cancelled BOOLEAN NOT NULL DEFAULT false,
	museum_object_id INTEGER REFERENCES museum_objects (id)
);

CREATE TABLE IF NOT EXISTS museum_attachments (
	id INTEGER NOT NULL,
	filename TEXT,
	modified_date TIMESTAMP,
	created_date TIMESTAMP,
	metadata_hash VARCHAR(64),
	PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS object_attachment_association (
	museum_object_id INTEGER REFERENCES museum_objects (id),
	museum_attachment_id INTEGER REFERENCES museum_attachments (id),
	UNIQUE (museum_object_id, museum_attachment_id)
);

CREATE TABLE IF NOT EXISTS package_attachment_association (
	museum_package_id INTEGER REFERENCES museum_packages (id),
	museum_attachment_id INTEGER REFERENCES museum_attachments (id),
	UNIQUE (museum_package_id, museum_attachment_id)
);

CREATE TABLE IF NOT EXISTS sync_statuses (
	name TEXT NOT NULL,
	start_sync_date TIMESTAMP,
	prev_start_sync_date TIMESTAMP,
	"offset" INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (name)
);

CREATE INDEX IF NOT EXISTS ix_museum_objects_frozen
	ON museum_objects (frozen);
CREATE INDEX IF NOT EXISTS ix_museum_objects_latest_package_id
	ON museum_objects (latest_package_id);
CREATE INDEX IF NOT EXISTS ix_museum_packages_sip_filename
	ON museum_packages (sip_filename);
CREATE INDEX IF NOT EXISTS ix_museum_packages_created_date
	ON museum_packages (created_date);
CREATE INDEX IF NOT EXISTS ix_museum_packages_museum_object_id
	ON museum_packages (museum_object_id);
CREATE INDEX IF NOT EXISTS ix_object_attachment_association_museum_object_id
	ON object_attachment_association (museum_object_id);
CREATE INDEX IF NOT EXISTS ix_object_attachment_association_museum_attachment_id
	ON object_attachment_association (museum_attachment_id);
CREATE INDEX IF NOT EXISTS ix_package_attachment_association_museum_package_id
	ON package_attachment_association (museum_package_id);
CREATE INDEX IF NOT EXISTS ix_package_attachment_association_museum_attachment_id
	ON package_attachment_association (museum_attachment_id);
`

// CreateTables creates the workflow schema if it does not exist yet.
func (db *DB) CreateTables(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	schema := postgresSchema
	if db.impl == SQLite {
		schema = sqliteSchema
	}

	for _, statement := range strings.Split(schema, ";") {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		if _, err := db.db.ExecContext(ctx, statement); err != nil {
			return Error.New("schema statement failed: %v", err)
		}
	}
	return nil
}
