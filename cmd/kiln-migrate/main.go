package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "./kiln-data", "Kiln data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/kiln.db.backup)")
)

// defaultMaxAttempts matches the orchestrator's retry ceiling for rows
// that predate the field.
const defaultMaxAttempts = 3

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Kiln Database Migration Tool - job history priority/attempt backfill")
	log.Println("====================================================================")

	dbPath := filepath.Join(*dataDir, "kiln.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := backfillJobHistory(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
	}
}

// backfillJobHistory rewrites job_history rows that were persisted
// before priority and attempt became first-class fields. Rows missing
// priority get 0; rows missing attempt get 1 (a terminal job ran at
// least once) and max_attempts gets the default ceiling.
func backfillJobHistory(db *bolt.DB, dryRun bool) error {
	var total, needsBackfill int

	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("job_history"))
		if bucket == nil {
			log.Println("✓ No 'job_history' bucket found - nothing to migrate")
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			total++
			var row map[string]any
			if err := json.Unmarshal(v, &row); err != nil {
				log.Printf("⚠ Warning: invalid JSON for key %x: %v", k, err)
				return nil
			}
			if rowNeedsBackfill(row) {
				needsBackfill++
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("Found %d history rows, %d need backfill", total, needsBackfill)
	if needsBackfill == 0 {
		log.Println("✓ All rows already carry priority and attempt")
		return nil
	}

	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Printf("1. Set priority=0 on rows without it")
		log.Printf("2. Set attempt=1 and max_attempts=%d on rows without them", defaultMaxAttempts)
		log.Printf("3. Rewrite %d rows in place", needsBackfill)
		return nil
	}

	var migrated int
	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("job_history"))
		if bucket == nil {
			return nil
		}

		// Collect first: Put inside ForEach invalidates the cursor.
		type pending struct {
			key  []byte
			data []byte
		}
		var rewrites []pending

		err := bucket.ForEach(func(k, v []byte) error {
			var row map[string]any
			if err := json.Unmarshal(v, &row); err != nil {
				return nil
			}
			if !rowNeedsBackfill(row) {
				return nil
			}
			if _, ok := row["priority"]; !ok {
				row["priority"] = 0
			}
			if _, ok := row["attempt"]; !ok {
				row["attempt"] = 1
			}
			if _, ok := row["max_attempts"]; !ok {
				row["max_attempts"] = defaultMaxAttempts
			}
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("failed to encode row %x: %w", k, err)
			}
			key := make([]byte, len(k))
			copy(key, k)
			rewrites = append(rewrites, pending{key: key, data: data})
			return nil
		})
		if err != nil {
			return err
		}

		for _, p := range rewrites {
			if err := bucket.Put(p.key, p.data); err != nil {
				return fmt.Errorf("failed to rewrite row %x: %w", p.key, err)
			}
			migrated++
			if migrated%50 == 0 {
				log.Printf("  Rewrote %d/%d...", migrated, needsBackfill)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("✓ Backfilled %d/%d history rows", migrated, needsBackfill)
	return nil
}

func rowNeedsBackfill(row map[string]any) bool {
	_, hasPriority := row["priority"]
	_, hasAttempt := row["attempt"]
	_, hasMax := row["max_attempts"]
	return !hasPriority || !hasAttempt || !hasMax
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
