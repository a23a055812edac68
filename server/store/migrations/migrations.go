package migrations

// DialectTemplate is used as the templating control for differing SQL syntax
// between our supported databases.
type DialectTemplate struct {
	Binary            string
	IntegerPrimaryKey string
}

// MigrationSet provides a set of migrations that can be applied to a database.
type MigrationSet []MigrationData

// MigrationData provides the data for a single migration, including Up and
// Down SQL. Templated values are substituted for database-specific values
// before the migrations are applied.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// MasterMigrations is the set of migrations to set up the database for the
// master server.
var MasterMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_repos",
		UpSQL: `CREATE TABLE IF NOT EXISTS repos
				(
					repo_id text NOT NULL PRIMARY KEY,
					repo_created_at timestamp without time zone NOT NULL,
					repo_name text NOT NULL,
					repo_url text NOT NULL,
					repo_vcs_type text NOT NULL,
					repo_owner_id text NOT NULL,
					repo_parallel_builds integer NOT NULL DEFAULT 0,
						repo_running_builds integer NOT NULL DEFAULT 0,
					repo_envvars text NOT NULL DEFAULT '{}',
					repo_branches text NOT NULL DEFAULT '[]',
					repo_enabled bool NOT NULL DEFAULT true,
					repo_config_type text NOT NULL DEFAULT 'yaml',
					repo_config_filename text NOT NULL DEFAULT 'toxicbuild.yml',
					repo_latest_buildset_id text
				);
				CREATE UNIQUE INDEX IF NOT EXISTS repos_name_unique_index ON repos(repo_name);
				CREATE UNIQUE INDEX IF NOT EXISTS repos_url_unique_index ON repos(repo_url);`,
		DownSQL: `DROP TABLE repos;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_revisions",
		UpSQL: `CREATE TABLE IF NOT EXISTS revisions
				(
					revision_id text NOT NULL PRIMARY KEY,
					revision_created_at timestamp without time zone NOT NULL,
					revision_repo_id text NOT NULL REFERENCES repos (repo_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					revision_commit text NOT NULL,
					revision_commit_date timestamp without time zone NOT NULL,
					revision_branch text NOT NULL,
					revision_author text NOT NULL,
					revision_title text NOT NULL,
					revision_body text NOT NULL DEFAULT '',
					revision_config text NOT NULL DEFAULT '',
					revision_builders_fallback text NOT NULL DEFAULT '',
					revision_external text
				);
				CREATE UNIQUE INDEX IF NOT EXISTS revisions_commit_unique_index ON revisions(
					revision_repo_id,
					revision_branch,
					revision_commit);`,
		DownSQL: `DROP TABLE revisions;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_builders",
		UpSQL: `CREATE TABLE IF NOT EXISTS builders
				(
					builder_id text NOT NULL PRIMARY KEY,
					builder_created_at timestamp without time zone NOT NULL,
					builder_repo_id text NOT NULL REFERENCES repos (repo_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					builder_name text NOT NULL,
					builder_position integer NOT NULL DEFAULT 10000
				);
				CREATE UNIQUE INDEX IF NOT EXISTS builders_name_unique_index ON builders(builder_repo_id, builder_name);`,
		DownSQL: `DROP TABLE builders;`,
	},
	{
		SequenceNumber: 4,
		Name:           "create_buildsets",
		UpSQL: `CREATE TABLE IF NOT EXISTS buildsets
				(
					buildset_id text NOT NULL PRIMARY KEY,
					buildset_created_at timestamp without time zone NOT NULL,
					buildset_repo_id text NOT NULL REFERENCES repos (repo_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					buildset_revision_id text NOT NULL,
					buildset_number integer NOT NULL,
					buildset_commit text NOT NULL,
					buildset_commit_date timestamp without time zone NOT NULL,
					buildset_commit_body text NOT NULL DEFAULT '',
					buildset_branch text NOT NULL,
					buildset_author text NOT NULL,
					buildset_title text NOT NULL,
					buildset_status text NOT NULL,
					buildset_started_at timestamp without time zone,
					buildset_finished_at timestamp without time zone,
					buildset_total_time integer
				);
				CREATE UNIQUE INDEX IF NOT EXISTS buildsets_number_unique_index ON buildsets(
					buildset_repo_id,
					buildset_number);
				CREATE INDEX IF NOT EXISTS buildsets_branch_index ON buildsets(buildset_repo_id, buildset_branch);`,
		DownSQL: `DROP TABLE buildsets;`,
	},
	{
		SequenceNumber: 5,
		Name:           "create_builds",
		UpSQL: `CREATE TABLE IF NOT EXISTS builds
				(
					build_uuid text NOT NULL PRIMARY KEY,
					build_buildset_id text NOT NULL REFERENCES buildsets (buildset_id) ON UPDATE NO ACTION ON DELETE CASCADE,
					build_repo_id text NOT NULL,
					build_builder_id text NOT NULL REFERENCES builders (builder_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					build_slave_id text,
					build_number integer NOT NULL,
					build_branch text NOT NULL,
					build_named_tree text NOT NULL,
					build_builders_from text NOT NULL DEFAULT '',
					build_status text NOT NULL,
					build_triggered_by text NOT NULL DEFAULT '[]',
					build_external text,
					build_started_at timestamp without time zone,
					build_finished_at timestamp without time zone,
					build_total_time integer
				);
				CREATE UNIQUE INDEX IF NOT EXISTS builds_number_unique_index ON builds(build_repo_id, build_number);
				CREATE INDEX IF NOT EXISTS builds_buildset_index ON builds(build_buildset_id);`,
		DownSQL: `DROP TABLE builds;`,
	},
	{
		SequenceNumber: 6,
		Name:           "create_build_steps",
		UpSQL: `CREATE TABLE IF NOT EXISTS build_steps
				(
					build_step_uuid text NOT NULL PRIMARY KEY,
					build_step_build_uuid text NOT NULL REFERENCES builds (build_uuid) ON UPDATE NO ACTION ON DELETE CASCADE,
					build_step_repo_id text NOT NULL,
					build_step_name text NOT NULL,
					build_step_command text NOT NULL,
					build_step_status text NOT NULL,
					build_step_output text NOT NULL DEFAULT '',
					build_step_index integer NOT NULL,
					build_step_started_at timestamp without time zone,
					build_step_finished_at timestamp without time zone,
					build_step_total_time integer
				);
				CREATE INDEX IF NOT EXISTS build_steps_build_index ON build_steps(build_step_build_uuid);`,
		DownSQL: `DROP TABLE build_steps;`,
	},
	{
		SequenceNumber: 7,
		Name:           "create_slaves",
		UpSQL: `CREATE TABLE IF NOT EXISTS slaves
				(
					slave_id text NOT NULL PRIMARY KEY,
					slave_created_at timestamp without time zone NOT NULL,
					slave_name text NOT NULL,
					slave_host text NOT NULL,
					slave_port integer NOT NULL,
					slave_token text NOT NULL,
					slave_use_ssl bool NOT NULL DEFAULT false,
					slave_validate_cert bool NOT NULL DEFAULT false,
					slave_on_demand bool NOT NULL DEFAULT false,
					slave_instance_type text NOT NULL DEFAULT '',
					slave_instance_confs text NOT NULL DEFAULT '{}',
					slave_queue_count integer NOT NULL DEFAULT 0,
					slave_running_count integer NOT NULL DEFAULT 0,
					slave_enqueued_builds text NOT NULL DEFAULT '[]',
					slave_running_repos text NOT NULL DEFAULT '[]'
				);
				CREATE UNIQUE INDEX IF NOT EXISTS slaves_name_unique_index ON slaves(slave_name);`,
		DownSQL: `DROP TABLE slaves;`,
	},
	{
		SequenceNumber: 8,
		Name:           "create_repo_slaves",
		UpSQL: `CREATE TABLE IF NOT EXISTS repo_slaves
				(
					repo_slave_id {{ .IntegerPrimaryKey }},
					repo_slave_repo_id text NOT NULL REFERENCES repos (repo_id) ON UPDATE NO ACTION ON DELETE CASCADE,
					repo_slave_slave_id text NOT NULL REFERENCES slaves (slave_id) ON UPDATE NO ACTION ON DELETE CASCADE
				);
				CREATE UNIQUE INDEX IF NOT EXISTS repo_slaves_unique_index ON repo_slaves(
					repo_slave_repo_id,
					repo_slave_slave_id);`,
		DownSQL: `DROP TABLE repo_slaves;`,
	},
	{
		SequenceNumber: 9,
		Name:           "create_lock_leases",
		UpSQL: `CREATE TABLE IF NOT EXISTS lock_leases
				(
					lock_lease_name text NOT NULL PRIMARY KEY,
					lock_lease_owner text NOT NULL,
					lock_lease_expires_at timestamp without time zone NOT NULL
				);`,
		DownSQL: `DROP TABLE lock_leases;`,
	},
}
