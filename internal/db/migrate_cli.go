package db

import (
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// MigrateActions lists the actions RunMigrateCommand understands.
var MigrateActions = []string{"up", "down", "status", "version", "force", "baseline"}

// RunMigrateCommand runs one migrate action against the database at dbPath
// and writes a human readable result to out. version, force and baseline take
// the target version as their single argument.
func RunMigrateCommand(out io.Writer, dbPath string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("missing migrate action (one of %v)", MigrateActions)
	}
	action := args[0]

	needsVersion := action == "version" || action == "force" || action == "baseline"
	var target uint64
	if needsVersion {
		if len(args) < 2 {
			return fmt.Errorf("usage: uwb migrate %s <version_number>", action)
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		target = v
	}

	migrationsFS, err := getMigrationsFS()
	if err != nil {
		return err
	}

	// Open without migrating; the actions below manage the schema.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		if err := database.MigrateUp(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ All migrations applied successfully")
		return printVersion(out, database, migrationsFS)

	case "down":
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Migration rolled back successfully")
		return printVersion(out, database, migrationsFS)

	case "status":
		return printStatus(out, database, migrationsFS)

	case "version":
		if err := database.MigrateTo(migrationsFS, uint(target)); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migrated to version %d successfully\n", target)
		return nil

	case "force":
		if err := database.MigrateForce(migrationsFS, int(target)); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migration version forced to %d\n", target)
		return nil

	case "baseline":
		if err := database.BaselineAtVersion(uint(target)); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Database baselined at version %d\n", target)
		return nil
	}
	return fmt.Errorf("unknown migrate action: %s", action)
}

func printVersion(out io.Writer, database *DB, migrationsFS fs.FS) error {
	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func printStatus(out io.Writer, database *DB, migrationsFS fs.FS) error {
	st, err := database.GetMigrationStatus(migrationsFS)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", st.CurrentVersion)
	fmt.Fprintf(out, "Latest available: %d\n", st.LatestVersion)
	fmt.Fprintf(out, "Dirty: %v\n", st.Dirty)
	fmt.Fprintf(out, "Schema migrations table exists: %v\n", st.SchemaMigrationsExists)

	switch {
	case st.Dirty:
		fmt.Fprintln(out, "\n⚠️  WARNING: Database is in a dirty state!")
		fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, fix any issues, then run: uwb migrate force <version>")
	case st.CurrentVersion < st.LatestVersion:
		fmt.Fprintf(out, "\n⚠️  Database is %d version(s) behind. Run 'uwb migrate up' to update.\n", st.LatestVersion-st.CurrentVersion)
	default:
		fmt.Fprintln(out, "\n✓ Database is up to date!")
	}
	return nil
}
